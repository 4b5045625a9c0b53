package wallet

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// stubStore is an in-memory Store with the same semantics the real stores
// enforce: conditional adjusts that floor at zero and a unique
// (provider, provider_transaction_id) pair for completed rows.
type stubStore struct {
	balances     map[string]*Balance
	usernames    map[string]string
	transactions []Transaction
	transfers    []Transfer
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		balances:  map[string]*Balance{},
		usernames: map[string]string{},
	}
}

func (store *stubStore) addUser(test *testing.T, userID string, username string, balance Balance) {
	test.Helper()
	balance.UserID = userID
	balance.Username = username
	store.balances[userID] = &balance
	store.usernames[username] = userID
}

// WithTx snapshots state and restores it when fn fails, mirroring the
// all-or-nothing boundary of the real stores.
func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	snapshot := store.clone()
	if err := fn(ctx, store); err != nil {
		*store = *snapshot
		return err
	}
	return nil
}

func (store *stubStore) clone() *stubStore {
	copied := &stubStore{
		balances:     make(map[string]*Balance, len(store.balances)),
		usernames:    make(map[string]string, len(store.usernames)),
		transactions: append([]Transaction(nil), store.transactions...),
		transfers:    append([]Transfer(nil), store.transfers...),
	}
	for userID, balance := range store.balances {
		value := *balance
		copied.balances[userID] = &value
	}
	for username, userID := range store.usernames {
		copied.usernames[username] = userID
	}
	return copied
}

func (store *stubStore) EnsureBalance(_ context.Context, userID string, username string) (Balance, error) {
	if existing, ok := store.balances[userID]; ok {
		return *existing, nil
	}
	balance := &Balance{UserID: userID, Username: username}
	store.balances[userID] = balance
	store.usernames[username] = userID
	return *balance, nil
}

func (store *stubStore) GetBalance(_ context.Context, userID string) (Balance, error) {
	balance, ok := store.balances[userID]
	if !ok {
		return Balance{}, ErrBalanceNotFound
	}
	return *balance, nil
}

func (store *stubStore) ResolveUsername(_ context.Context, username string) (string, error) {
	userID, ok := store.usernames[username]
	if !ok {
		return "", ErrRecipientNotFound
	}
	return userID, nil
}

func (store *stubStore) AdjustBalance(_ context.Context, userID string, field BalanceField, delta int64) (int64, error) {
	balance, ok := store.balances[userID]
	if !ok {
		return 0, ErrBalanceNotFound
	}
	current := balance.Get(field)
	next := current + delta
	if next < 0 {
		return 0, ErrInsufficientBalance
	}
	switch field {
	case FieldSpendableCredits:
		balance.SpendableCredits = next
	case FieldBonusCredits:
		balance.BonusCredits = next
	case FieldCoins:
		balance.Coins = next
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidBalanceField, field)
	}
	return next, nil
}

func (store *stubStore) SetSubscriptionTier(_ context.Context, userID string, tier string) error {
	balance, ok := store.balances[userID]
	if !ok {
		return ErrBalanceNotFound
	}
	balance.SubscriptionTier = tier
	return nil
}

func (store *stubStore) InsertTransaction(_ context.Context, txn Transaction) (Transaction, error) {
	if txn.ProviderTransactionID != nil {
		for _, existing := range store.transactions {
			if existing.ProviderTransactionID == nil {
				continue
			}
			if existing.Provider == txn.Provider && *existing.ProviderTransactionID == *txn.ProviderTransactionID {
				return Transaction{}, ErrDuplicateTransaction
			}
		}
	}
	store.transactions = append(store.transactions, txn)
	return txn, nil
}

func (store *stubStore) UpdateTransactionStatus(_ context.Context, transactionID string, from TransactionStatus, to TransactionStatus) error {
	for index := range store.transactions {
		if store.transactions[index].TransactionID != transactionID {
			continue
		}
		if store.transactions[index].Status != from {
			return ErrStatusTransition
		}
		store.transactions[index].Status = to
		return nil
	}
	return ErrTransactionNotFound
}

func (store *stubStore) FindByProviderTransactionID(_ context.Context, provider Provider, providerTransactionID string) (Transaction, bool, error) {
	for _, txn := range store.transactions {
		if txn.ProviderTransactionID == nil {
			continue
		}
		if txn.Provider == provider && *txn.ProviderTransactionID == providerTransactionID {
			return txn, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (store *stubStore) ListTransactionsByUser(_ context.Context, userID string, limit int) ([]Transaction, error) {
	matched := make([]Transaction, 0, len(store.transactions))
	for index := len(store.transactions) - 1; index >= 0; index-- {
		if store.transactions[index].UserID != userID {
			continue
		}
		matched = append(matched, store.transactions[index])
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func (store *stubStore) CreateTransfer(_ context.Context, transfer Transfer) error {
	store.transfers = append(store.transfers, transfer)
	return nil
}

func (store *stubStore) userTransactions(userID string) []Transaction {
	matched := make([]Transaction, 0, len(store.transactions))
	for _, txn := range store.transactions {
		if txn.UserID == userID {
			matched = append(matched, txn)
		}
	}
	return matched
}

// failingStore returns the configured error from every data operation.
type failingStore struct {
	err error
}

func (store *failingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *failingStore) EnsureBalance(context.Context, string, string) (Balance, error) {
	return Balance{}, store.err
}

func (store *failingStore) GetBalance(context.Context, string) (Balance, error) {
	return Balance{}, store.err
}

func (store *failingStore) ResolveUsername(context.Context, string) (string, error) {
	return "", store.err
}

func (store *failingStore) AdjustBalance(context.Context, string, BalanceField, int64) (int64, error) {
	return 0, store.err
}

func (store *failingStore) SetSubscriptionTier(context.Context, string, string) error {
	return store.err
}

func (store *failingStore) InsertTransaction(context.Context, Transaction) (Transaction, error) {
	return Transaction{}, store.err
}

func (store *failingStore) UpdateTransactionStatus(context.Context, string, TransactionStatus, TransactionStatus) error {
	return store.err
}

func (store *failingStore) FindByProviderTransactionID(context.Context, Provider, string) (Transaction, bool, error) {
	return Transaction{}, false, store.err
}

func (store *failingStore) ListTransactionsByUser(context.Context, string, int) ([]Transaction, error) {
	return nil, store.err
}

func (store *failingStore) CreateTransfer(context.Context, Transfer) error {
	return store.err
}

func fixedClock(unix int64) Clock {
	return func() time.Time { return time.Unix(unix, 0).UTC() }
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, fixedClock(1_700_000_000), options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}
