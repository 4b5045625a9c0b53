package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserBalance mirrors the user_balances table. All three balance columns
// carry a floor-at-zero invariant enforced by the conditional update in
// AdjustBalance, never by application reads.
type UserBalance struct {
	UserID           string    `gorm:"type:uuid;primaryKey"`
	Username         string    `gorm:"not null;index:idx_user_balances_username,unique"`
	SpendableCredits int64     `gorm:"not null;default:0"`
	BonusCredits     int64     `gorm:"not null;default:0"`
	Coins            int64     `gorm:"not null;default:0"`
	SubscriptionTier string    `gorm:"not null;default:''"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (UserBalance) TableName() string { return "user_balances" }

// LedgerTransaction mirrors the ledger_transactions table. The composite
// unique index on (provider, provider_transaction_id) is the double-credit
// guard: provider-originated rows always carry the external id and internal
// rows leave it null, where the index does not apply.
type LedgerTransaction struct {
	TransactionID         string         `gorm:"type:uuid;primaryKey"`
	UserID                string         `gorm:"type:uuid;not null;index:idx_ledger_user_created,priority:1"`
	Kind                  string         `gorm:"not null"`
	Field                 string         `gorm:"not null"`
	Amount                int64          `gorm:"not null"`
	Status                string         `gorm:"not null"`
	Provider              string         `gorm:"not null;index:uniq_provider_txn,unique,priority:1"`
	ProviderTransactionID *string        `gorm:"index:uniq_provider_txn,unique,priority:2"`
	TransferID            *string        `gorm:"type:uuid"`
	Metadata              datatypes.JSON `gorm:"not null"`
	CreatedAt             time.Time      `gorm:"not null;index:idx_ledger_user_created,priority:2"`
	UpdatedAt             time.Time      `gorm:"not null"`
}

func (LedgerTransaction) TableName() string { return "ledger_transactions" }

func (transaction *LedgerTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// CheckoutSessionRow mirrors the checkout_sessions table. Rows are created,
// consumed, or swept; there is no update path.
type CheckoutSessionRow struct {
	Token           string    `gorm:"primaryKey"`
	UserID          string    `gorm:"type:uuid;not null"`
	ProductID       string    `gorm:"not null"`
	PriceMinorUnits int64     `gorm:"not null"`
	Currency        string    `gorm:"not null"`
	Provider        string    `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
	ExpiresAt       time.Time `gorm:"not null;index:idx_checkout_sessions_expires"`
}

func (CheckoutSessionRow) TableName() string { return "checkout_sessions" }

// TransferRecord mirrors the transfers table.
type TransferRecord struct {
	TransferID      string    `gorm:"type:uuid;primaryKey"`
	SenderUserID    string    `gorm:"type:uuid;not null;index"`
	RecipientUserID string    `gorm:"type:uuid;not null;index"`
	Field           string    `gorm:"not null"`
	Amount          int64     `gorm:"not null"`
	SenderFee       int64     `gorm:"not null"`
	ReceiverFee     int64     `gorm:"not null"`
	SenderTxnID     string    `gorm:"type:uuid;not null"`
	RecipientTxnID  string    `gorm:"type:uuid;not null"`
	CreatedAt       time.Time `gorm:"not null"`
}

func (TransferRecord) TableName() string { return "transfers" }

// Models lists every table for migration.
func Models() []any {
	return []any{
		&UserBalance{},
		&LedgerTransaction{},
		&CheckoutSessionRow{},
		&TransferRecord{},
	}
}
