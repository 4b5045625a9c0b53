package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/pulseroom/settlement/internal/checkout"
	"github.com/pulseroom/settlement/pkg/wallet"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	defaultMetadataJSON   = "{}"

	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectTransaction = "transaction"
	errorSubjectSession     = "session"
	errorSubjectTransfer    = "transfer"
	errorCodeAdjust         = "adjust"
	errorCodeCreate         = "create"
	errorCodeDelete         = "delete"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeSetTier        = "set_tier"
	errorCodeUpdateStatus   = "update_status"
)

// Store implements wallet.Store and checkout.SessionStore using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) EnsureBalance(ctx context.Context, userID string, username string) (wallet.Balance, error) {
	row := UserBalance{UserID: userID, Username: username}
	err := store.db.WithContext(ctx).
		Where(UserBalance{UserID: userID}).
		FirstOrCreate(&row).Error
	if err != nil {
		return wallet.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	return mapBalance(row), nil
}

func (store *Store) GetBalance(ctx context.Context, userID string) (wallet.Balance, error) {
	var row UserBalance
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wallet.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, wallet.ErrBalanceNotFound)
		}
		return wallet.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return mapBalance(row), nil
}

func (store *Store) ResolveUsername(ctx context.Context, username string) (string, error) {
	var row UserBalance
	err := store.db.WithContext(ctx).Where("username = ?", username).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", wrapStoreError(errorSubjectBalance, errorCodeLookup, wallet.ErrRecipientNotFound)
		}
		return "", wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return row.UserID, nil
}

// AdjustBalance applies delta to one balance column as a single conditional
// update. The `column + delta >= 0` predicate makes the storage engine the
// arbiter under concurrency; there is no read-modify-write anywhere.
func (store *Store) AdjustBalance(ctx context.Context, userID string, field wallet.BalanceField, delta int64) (int64, error) {
	column, err := balanceColumn(field)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	result := store.db.WithContext(ctx).
		Model(&UserBalance{}).
		Where("user_id = ?", userID).
		Where(column+" + ? >= 0", delta).
		UpdateColumn(column, gorm.Expr(column+" + ?", delta))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, result.Error)
	}
	if result.RowsAffected == 0 {
		var exists int64
		if err := store.db.WithContext(ctx).Model(&UserBalance{}).Where("user_id = ?", userID).Count(&exists).Error; err != nil {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, err)
		}
		if exists == 0 {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, wallet.ErrBalanceNotFound)
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, wallet.ErrInsufficientBalance)
	}
	var row UserBalance
	if err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error; err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return mapBalance(row).Get(field), nil
}

func (store *Store) SetSubscriptionTier(ctx context.Context, userID string, tier string) error {
	result := store.db.WithContext(ctx).
		Model(&UserBalance{}).
		Where("user_id = ?", userID).
		Update("subscription_tier", tier)
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSetTier, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeSetTier, wallet.ErrBalanceNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, txn wallet.Transaction) (wallet.Transaction, error) {
	row, err := toTransactionRow(txn)
	if err != nil {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	createErr := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(createErr) {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, wallet.ErrDuplicateTransaction)
	}
	if createErr != nil {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, createErr)
	}
	mapped, err := mapTransaction(row)
	if err != nil {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return mapped, nil
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID string, from wallet.TransactionStatus, to wallet.TransactionStatus) error {
	result := store.db.WithContext(ctx).
		Model(&LedgerTransaction{}).
		Where("transaction_id = ? AND status = ?", transactionID, from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, wallet.ErrStatusTransition)
	}
	return nil
}

func (store *Store) FindByProviderTransactionID(ctx context.Context, provider wallet.Provider, providerTransactionID string) (wallet.Transaction, bool, error) {
	var row LedgerTransaction
	err := store.db.WithContext(ctx).
		Where("provider = ? AND provider_transaction_id = ?", provider.String(), providerTransactionID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wallet.Transaction{}, false, nil
		}
		return wallet.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	mapped, err := mapTransaction(row)
	if err != nil {
		return wallet.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return mapped, true, nil
}

func (store *Store) ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]wallet.Transaction, error) {
	var rows []LedgerTransaction
	query := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, transaction_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]wallet.Transaction, 0, len(rows))
	for _, row := range rows {
		mapped, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, mapped)
	}
	return transactions, nil
}

func (store *Store) CreateTransfer(ctx context.Context, transfer wallet.Transfer) error {
	row := TransferRecord{
		TransferID:      transfer.TransferID,
		SenderUserID:    transfer.SenderUserID,
		RecipientUserID: transfer.RecipientUserID,
		Field:           transfer.Field.String(),
		Amount:          transfer.Amount,
		SenderFee:       transfer.SenderFee,
		ReceiverFee:     transfer.ReceiverFee,
		SenderTxnID:     transfer.SenderTxnID,
		RecipientTxnID:  transfer.RecipientTxnID,
		CreatedAt:       time.Unix(transfer.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectTransfer, errorCodeCreate, err)
	}
	return nil
}

// CreateSession persists a checkout session.
func (store *Store) CreateSession(ctx context.Context, session checkout.Session) error {
	row := CheckoutSessionRow{
		Token:           session.Token,
		UserID:          session.UserID,
		ProductID:       session.ProductID,
		PriceMinorUnits: session.PriceMinorUnits,
		Currency:        session.Currency,
		Provider:        session.Provider.String(),
		CreatedAt:       session.CreatedAt,
		ExpiresAt:       session.ExpiresAt,
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeCreate, err)
	}
	return nil
}

// DeleteSessionReturning consumes a session in one shot. The delete's row
// count decides the winner when two settlements race for the same token.
func (store *Store) DeleteSessionReturning(ctx context.Context, token string) (checkout.Session, bool, error) {
	var (
		session checkout.Session
		found   bool
	)
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var row CheckoutSessionRow
		if err := transaction.Where("token = ?", token).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		result := transaction.Where("token = ?", token).Delete(&CheckoutSessionRow{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		provider, err := wallet.ParseProvider(row.Provider)
		if err != nil {
			return err
		}
		session = checkout.Session{
			Token:           row.Token,
			UserID:          row.UserID,
			ProductID:       row.ProductID,
			PriceMinorUnits: row.PriceMinorUnits,
			Currency:        row.Currency,
			Provider:        provider,
			CreatedAt:       row.CreatedAt,
			ExpiresAt:       row.ExpiresAt,
		}
		found = true
		return nil
	})
	if err != nil {
		return checkout.Session{}, false, wrapStoreError(errorSubjectSession, errorCodeDelete, err)
	}
	return session, found, nil
}

// DeleteExpiredSessions sweeps stale rows.
func (store *Store) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("expires_at < ?", cutoff).
		Delete(&CheckoutSessionRow{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectSession, errorCodeDelete, result.Error)
	}
	return result.RowsAffected, nil
}

func balanceColumn(field wallet.BalanceField) (string, error) {
	switch field {
	case wallet.FieldSpendableCredits:
		return "spendable_credits", nil
	case wallet.FieldBonusCredits:
		return "bonus_credits", nil
	case wallet.FieldCoins:
		return "coins", nil
	}
	return "", fmt.Errorf("%w: %q", wallet.ErrInvalidBalanceField, field)
}

func mapBalance(row UserBalance) wallet.Balance {
	return wallet.Balance{
		UserID:           row.UserID,
		Username:         row.Username,
		SpendableCredits: row.SpendableCredits,
		BonusCredits:     row.BonusCredits,
		Coins:            row.Coins,
		SubscriptionTier: row.SubscriptionTier,
	}
}

func toTransactionRow(txn wallet.Transaction) (LedgerTransaction, error) {
	metadata := []byte(defaultMetadataJSON)
	if len(txn.Metadata) > 0 {
		encoded, err := json.Marshal(txn.Metadata)
		if err != nil {
			return LedgerTransaction{}, err
		}
		metadata = encoded
	}
	createdAt := time.Unix(txn.CreatedUnixUTC, 0).UTC()
	if txn.CreatedUnixUTC == 0 {
		createdAt = time.Now().UTC()
	}
	return LedgerTransaction{
		TransactionID:         txn.TransactionID,
		UserID:                txn.UserID,
		Kind:                  txn.Kind.String(),
		Field:                 txn.Field.String(),
		Amount:                txn.Amount,
		Status:                txn.Status.String(),
		Provider:              txn.Provider.String(),
		ProviderTransactionID: txn.ProviderTransactionID,
		TransferID:            txn.TransferID,
		Metadata:              datatypes.JSON(metadata),
		CreatedAt:             createdAt,
	}, nil
}

func mapTransaction(row LedgerTransaction) (wallet.Transaction, error) {
	kind, err := wallet.ParseTransactionKind(row.Kind)
	if err != nil {
		return wallet.Transaction{}, err
	}
	field, err := wallet.ParseBalanceField(row.Field)
	if err != nil {
		return wallet.Transaction{}, err
	}
	provider, err := wallet.ParseProvider(row.Provider)
	if err != nil {
		return wallet.Transaction{}, err
	}
	var metadata map[string]string
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
			return wallet.Transaction{}, err
		}
	}
	return wallet.Transaction{
		TransactionID:         row.TransactionID,
		UserID:                row.UserID,
		Kind:                  kind,
		Field:                 field,
		Amount:                row.Amount,
		Status:                wallet.TransactionStatus(row.Status),
		Provider:              provider,
		ProviderTransactionID: row.ProviderTransactionID,
		TransferID:            row.TransferID,
		Metadata:              metadata,
		CreatedUnixUTC:        row.CreatedAt.Unix(),
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
