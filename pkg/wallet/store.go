package wallet

import "context"

// Store is the persistence contract used by Service. All balance-moving
// decisions run through AdjustBalance, which must be a single conditional
// update at the storage layer: a negative delta that would take the field
// below zero fails without partial effect.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// EnsureBalance creates a zero balance row for a new account.
	EnsureBalance(ctx context.Context, userID string, username string) (Balance, error)
	GetBalance(ctx context.Context, userID string) (Balance, error)
	ResolveUsername(ctx context.Context, username string) (string, error)
	AdjustBalance(ctx context.Context, userID string, field BalanceField, delta int64) (int64, error)
	SetSubscriptionTier(ctx context.Context, userID string, tier string) error

	// InsertTransaction assigns the transaction id and persists the row.
	// A completed row whose (provider, provider_transaction_id) pair already
	// exists fails with ErrDuplicateTransaction; the storage layer enforces
	// this with a unique index so concurrent settlements have one winner.
	InsertTransaction(ctx context.Context, txn Transaction) (Transaction, error)
	UpdateTransactionStatus(ctx context.Context, transactionID string, from TransactionStatus, to TransactionStatus) error
	FindByProviderTransactionID(ctx context.Context, provider Provider, providerTransactionID string) (Transaction, bool, error)
	ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]Transaction, error)

	CreateTransfer(ctx context.Context, transfer Transfer) error
}
