package wallet

import (
	"fmt"
	"time"
)

// BalanceField identifies one of the per-user balance columns.
type BalanceField string

const (
	FieldSpendableCredits BalanceField = "spendable_credits"
	FieldBonusCredits     BalanceField = "bonus_credits"
	FieldCoins            BalanceField = "coins"
)

// ParseBalanceField validates a raw field name.
func ParseBalanceField(raw string) (BalanceField, error) {
	switch BalanceField(raw) {
	case FieldSpendableCredits, FieldBonusCredits, FieldCoins:
		return BalanceField(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidBalanceField, raw)
}

// String returns the storage column name for the field.
func (field BalanceField) String() string {
	return string(field)
}

// Transferable reports whether the field may be moved between users.
// Bonus credits are promotional and never leave the account they were granted to.
func (field BalanceField) Transferable() bool {
	return field == FieldSpendableCredits || field == FieldCoins
}

// TransactionKind enumerates ledger entry kinds.
type TransactionKind string

const (
	KindPurchase         TransactionKind = "purchase"
	KindSubscription     TransactionKind = "subscription"
	KindGiftSent         TransactionKind = "gift_sent"
	KindGiftReceived     TransactionKind = "gift_received"
	KindTransferSent     TransactionKind = "transfer_sent"
	KindTransferReceived TransactionKind = "transfer_received"
	KindTransferFee      TransactionKind = "transfer_fee"
	KindWithdrawal       TransactionKind = "withdrawal"
	KindRefund           TransactionKind = "refund"
)

// ParseTransactionKind validates a raw kind.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	switch TransactionKind(raw) {
	case KindPurchase, KindSubscription, KindGiftSent, KindGiftReceived,
		KindTransferSent, KindTransferReceived, KindTransferFee,
		KindWithdrawal, KindRefund:
		return TransactionKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
}

func (kind TransactionKind) String() string {
	return string(kind)
}

// TransactionStatus defines the transaction lifecycle. The only legal
// mutations are pending -> completed and pending -> failed.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

func (status TransactionStatus) String() string {
	return string(status)
}

// Provider identifies the payment network a transaction originated from.
// ProviderInternal marks transactions minted by the platform itself
// (transfers, gifts, fees) which carry no external transaction id.
type Provider string

const (
	ProviderInternal  Provider = "internal"
	ProviderStripe    Provider = "stripe"
	ProviderCryptoPay Provider = "cryptopay"
	ProviderDevPay    Provider = "devpay"
)

// ParseProvider validates a raw provider id.
func ParseProvider(raw string) (Provider, error) {
	switch Provider(raw) {
	case ProviderInternal, ProviderStripe, ProviderCryptoPay, ProviderDevPay:
		return Provider(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidProvider, raw)
}

func (provider Provider) String() string {
	return string(provider)
}

// Transaction is one immutable line in the ledger. Amount is signed in the
// unit of account of Field; a non-nil ProviderTransactionID is the
// idempotency key for provider-originated settlements.
type Transaction struct {
	TransactionID         string
	UserID                string
	Kind                  TransactionKind
	Field                 BalanceField
	Amount                int64
	Status                TransactionStatus
	Provider              Provider
	ProviderTransactionID *string
	TransferID            *string
	Metadata              map[string]string
	CreatedUnixUTC        int64
}

// Balance is the read view of one user's balances.
type Balance struct {
	UserID           string
	Username         string
	SpendableCredits int64
	BonusCredits     int64
	Coins            int64
	SubscriptionTier string
}

// Get returns the value of one balance field.
func (balance Balance) Get(field BalanceField) int64 {
	switch field {
	case FieldSpendableCredits:
		return balance.SpendableCredits
	case FieldBonusCredits:
		return balance.BonusCredits
	case FieldCoins:
		return balance.Coins
	}
	return 0
}

// Transfer records one peer-to-peer movement and references the two
// resulting balance-moving transactions.
type Transfer struct {
	TransferID       string
	SenderUserID     string
	RecipientUserID  string
	Field            BalanceField
	Amount           int64
	SenderFee        int64
	ReceiverFee      int64
	SenderTxnID      string
	RecipientTxnID   string
	CreatedUnixUTC   int64
}

// Gift is one catalog entry for in-room gifting. Price is in coins;
// PayeeSharePercent is the recipient's cut of the gross.
type Gift struct {
	ID                string
	PriceCoins        int64
	PayeeSharePercent int64
}

// Clock returns the current time; injected so tests control it.
type Clock func() time.Time
