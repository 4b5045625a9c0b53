// Package pgstore implements the wallet and checkout persistence contracts
// with raw SQL over a pgx connection pool. The schema matches what the
// gormstore models migrate to; production deployments provision it with the
// same table and index names.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulseroom/settlement/internal/checkout"
	"github.com/pulseroom/settlement/pkg/wallet"
)

const (
	constraintProviderTxn = "uniq_provider_txn"
	pgUniqueViolationCode = "23505"
	defaultMetadataJSON   = "{}"

	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectSession     = "session"
	errorSubjectTransaction = "transaction"
	errorSubjectTransfer    = "transfer"
	errorCodeAdjust         = "adjust"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
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

	sqlEnsureBalance = `
		insert into user_balances(user_id, username, spendable_credits, bonus_credits, coins, subscription_tier, created_at, updated_at)
		values($1, $2, 0, 0, 0, '', now(), now())
		on conflict (user_id) do update set user_id = excluded.user_id
		returning user_id::text, username, spendable_credits, bonus_credits, coins, subscription_tier
	`

	sqlSelectBalance = `
		select user_id::text, username, spendable_credits, bonus_credits, coins, subscription_tier
		from user_balances
		where user_id = $1
	`

	sqlResolveUsername = `
		select user_id::text from user_balances where username = $1
	`

	sqlBalanceExists = `
		select count(*) from user_balances where user_id = $1
	`

	sqlSetSubscriptionTier = `
		update user_balances
		set subscription_tier = $2, updated_at = now()
		where user_id = $1
	`

	sqlInsertTransaction = `
		insert into ledger_transactions(
			transaction_id, user_id, kind, field, amount, status, provider, provider_transaction_id, transfer_id, metadata, created_at
		)
		values(
			$1, $2, $3, $4, $5, $6, $7,
			nullif($8,''),
			nullif($9,'')::uuid,
			coalesce(nullif($10,''),'{}')::jsonb,
			to_timestamp($11)
		)
	`

	sqlUpdateTransactionStatus = `
		update ledger_transactions
		set status = $3
		where transaction_id = $1 and status = $2
	`

	sqlSelectByProviderTxn = `
		select
			transaction_id::text,
			user_id::text,
			kind,
			field,
			amount,
			status,
			provider,
			coalesce(provider_transaction_id,''),
			coalesce(transfer_id::text,''),
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from ledger_transactions
		where provider = $1 and provider_transaction_id = $2
	`

	sqlListTransactionsByUser = `
		select
			transaction_id::text,
			user_id::text,
			kind,
			field,
			amount,
			status,
			provider,
			coalesce(provider_transaction_id,''),
			coalesce(transfer_id::text,''),
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from ledger_transactions
		where user_id = $1
		order by created_at desc, transaction_id desc
		limit nullif($2, 0)
	`

	sqlInsertTransfer = `
		insert into transfers(
			transfer_id, sender_user_id, recipient_user_id, field, amount, sender_fee, receiver_fee, sender_txn_id, recipient_txn_id, created_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9, to_timestamp($10))
	`

	sqlInsertSession = `
		insert into checkout_sessions(token, user_id, product_id, price_minor_units, currency, provider, created_at, expires_at)
		values($1, $2, $3, $4, $5, $6, $7, $8)
	`

	sqlDeleteSessionReturning = `
		delete from checkout_sessions
		where token = $1
		returning token, user_id::text, product_id, price_minor_units, currency, provider, created_at, expires_at
	`

	sqlDeleteExpiredSessions = `
		delete from checkout_sessions where expires_at < $1
	`
)

// adjustBalanceColumns whitelists the balance columns reachable from
// AdjustBalance; the column name is interpolated into SQL and must never
// come from caller input directly.
var adjustBalanceColumns = map[wallet.BalanceField]string{
	wallet.FieldSpendableCredits: "spendable_credits",
	wallet.FieldBonusCredits:     "bonus_credits",
	wallet.FieldCoins:            "coins",
}

// Store implements wallet.Store and checkout.SessionStore using a pgx
// connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements wallet.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) EnsureBalance(ctx context.Context, userID string, username string) (wallet.Balance, error) {
	return ensureBalance(ctx, store.pool, userID, username)
}

func (store *Store) GetBalance(ctx context.Context, userID string) (wallet.Balance, error) {
	return getBalance(ctx, store.pool, userID)
}

func (store *Store) ResolveUsername(ctx context.Context, username string) (string, error) {
	return resolveUsername(ctx, store.pool, username)
}

func (store *Store) AdjustBalance(ctx context.Context, userID string, field wallet.BalanceField, delta int64) (int64, error) {
	return adjustBalance(ctx, store.pool, userID, field, delta)
}

func (store *Store) SetSubscriptionTier(ctx context.Context, userID string, tier string) error {
	return setSubscriptionTier(ctx, store.pool, userID, tier)
}

func (store *Store) InsertTransaction(ctx context.Context, txn wallet.Transaction) (wallet.Transaction, error) {
	return insertTransaction(ctx, store.pool, txn)
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID string, from wallet.TransactionStatus, to wallet.TransactionStatus) error {
	return updateTransactionStatus(ctx, store.pool, transactionID, from, to)
}

func (store *Store) FindByProviderTransactionID(ctx context.Context, provider wallet.Provider, providerTransactionID string) (wallet.Transaction, bool, error) {
	return findByProviderTransactionID(ctx, store.pool, provider, providerTransactionID)
}

func (store *Store) ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]wallet.Transaction, error) {
	return listTransactionsByUser(ctx, store.pool, userID, limit)
}

func (store *Store) CreateTransfer(ctx context.Context, transfer wallet.Transfer) error {
	return createTransfer(ctx, store.pool, transfer)
}

// CreateSession persists a checkout session.
func (store *Store) CreateSession(ctx context.Context, session checkout.Session) error {
	_, err := store.pool.Exec(ctx, sqlInsertSession,
		session.Token,
		session.UserID,
		session.ProductID,
		session.PriceMinorUnits,
		session.Currency,
		session.Provider.String(),
		session.CreatedAt.UTC(),
		session.ExpiresAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeCreate, err)
	}
	return nil
}

// DeleteSessionReturning consumes a session in one statement; when two
// settlements race for the same token only one sees the returned row.
func (store *Store) DeleteSessionReturning(ctx context.Context, token string) (checkout.Session, bool, error) {
	var (
		session       checkout.Session
		providerValue string
		createdAt     time.Time
		expiresAt     time.Time
	)
	err := store.pool.QueryRow(ctx, sqlDeleteSessionReturning, token).Scan(
		&session.Token,
		&session.UserID,
		&session.ProductID,
		&session.PriceMinorUnits,
		&session.Currency,
		&providerValue,
		&createdAt,
		&expiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return checkout.Session{}, false, nil
		}
		return checkout.Session{}, false, wrapStoreError(errorSubjectSession, errorCodeDelete, err)
	}
	provider, err := wallet.ParseProvider(providerValue)
	if err != nil {
		return checkout.Session{}, false, wrapStoreError(errorSubjectSession, errorCodeInvalid, err)
	}
	session.Provider = provider
	session.CreatedAt = createdAt.UTC()
	session.ExpiresAt = expiresAt.UTC()
	return session, true, nil
}

// DeleteExpiredSessions sweeps stale rows.
func (store *Store) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := store.pool.Exec(ctx, sqlDeleteExpiredSessions, cutoff.UTC())
	if err != nil {
		return 0, wrapStoreError(errorSubjectSession, errorCodeDelete, err)
	}
	return tag.RowsAffected(), nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) EnsureBalance(ctx context.Context, userID string, username string) (wallet.Balance, error) {
	return ensureBalance(ctx, store.tx, userID, username)
}

func (store *TxStore) GetBalance(ctx context.Context, userID string) (wallet.Balance, error) {
	return getBalance(ctx, store.tx, userID)
}

func (store *TxStore) ResolveUsername(ctx context.Context, username string) (string, error) {
	return resolveUsername(ctx, store.tx, username)
}

func (store *TxStore) AdjustBalance(ctx context.Context, userID string, field wallet.BalanceField, delta int64) (int64, error) {
	return adjustBalance(ctx, store.tx, userID, field, delta)
}

func (store *TxStore) SetSubscriptionTier(ctx context.Context, userID string, tier string) error {
	return setSubscriptionTier(ctx, store.tx, userID, tier)
}

func (store *TxStore) InsertTransaction(ctx context.Context, txn wallet.Transaction) (wallet.Transaction, error) {
	return insertTransaction(ctx, store.tx, txn)
}

func (store *TxStore) UpdateTransactionStatus(ctx context.Context, transactionID string, from wallet.TransactionStatus, to wallet.TransactionStatus) error {
	return updateTransactionStatus(ctx, store.tx, transactionID, from, to)
}

func (store *TxStore) FindByProviderTransactionID(ctx context.Context, provider wallet.Provider, providerTransactionID string) (wallet.Transaction, bool, error) {
	return findByProviderTransactionID(ctx, store.tx, provider, providerTransactionID)
}

func (store *TxStore) ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]wallet.Transaction, error) {
	return listTransactionsByUser(ctx, store.tx, userID, limit)
}

func (store *TxStore) CreateTransfer(ctx context.Context, transfer wallet.Transfer) error {
	return createTransfer(ctx, store.tx, transfer)
}

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx; the
// Store and TxStore methods funnel through it so both paths run identical
// SQL.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func ensureBalance(ctx context.Context, db querier, userID string, username string) (wallet.Balance, error) {
	balance, err := scanBalance(db.QueryRow(ctx, sqlEnsureBalance, userID, username))
	if err != nil {
		return wallet.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	return balance, nil
}

func getBalance(ctx context.Context, db querier, userID string) (wallet.Balance, error) {
	balance, err := scanBalance(db.QueryRow(ctx, sqlSelectBalance, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wallet.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, wallet.ErrBalanceNotFound)
		}
		return wallet.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return balance, nil
}

func resolveUsername(ctx context.Context, db querier, username string) (string, error) {
	var userID string
	err := db.QueryRow(ctx, sqlResolveUsername, username).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", wrapStoreError(errorSubjectBalance, errorCodeLookup, wallet.ErrRecipientNotFound)
		}
		return "", wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return userID, nil
}

// adjustBalance is a single conditional update. The `column + delta >= 0`
// predicate makes the database the arbiter under concurrency; there is no
// read-modify-write anywhere.
func adjustBalance(ctx context.Context, db querier, userID string, field wallet.BalanceField, delta int64) (int64, error) {
	column, ok := adjustBalanceColumns[field]
	if !ok {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, fmt.Errorf("%w: %q", wallet.ErrInvalidBalanceField, field))
	}
	query := fmt.Sprintf(`
		update user_balances
		set %[1]s = %[1]s + $2, updated_at = now()
		where user_id = $1 and %[1]s + $2 >= 0
		returning %[1]s
	`, column)
	var newValue int64
	err := db.QueryRow(ctx, query, userID, delta).Scan(&newValue)
	if err == nil {
		return newValue, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, err)
	}
	var exists int64
	if err := db.QueryRow(ctx, sqlBalanceExists, userID).Scan(&exists); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, err)
	}
	if exists == 0 {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, wallet.ErrBalanceNotFound)
	}
	return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, wallet.ErrInsufficientBalance)
}

func setSubscriptionTier(ctx context.Context, db querier, userID string, tier string) error {
	tag, err := db.Exec(ctx, sqlSetSubscriptionTier, userID, tier)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSetTier, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeSetTier, wallet.ErrBalanceNotFound)
	}
	return nil
}

func insertTransaction(ctx context.Context, db querier, txn wallet.Transaction) (wallet.Transaction, error) {
	if txn.TransactionID == "" {
		txn.TransactionID = uuid.NewString()
	}
	metadataJSON, err := encodeMetadata(txn.Metadata)
	if err != nil {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	providerTxnID := ""
	if txn.ProviderTransactionID != nil {
		providerTxnID = *txn.ProviderTransactionID
	}
	transferID := ""
	if txn.TransferID != nil {
		transferID = *txn.TransferID
	}
	_, err = db.Exec(ctx, sqlInsertTransaction,
		txn.TransactionID,
		txn.UserID,
		txn.Kind.String(),
		txn.Field.String(),
		txn.Amount,
		txn.Status.String(),
		txn.Provider.String(),
		providerTxnID,
		transferID,
		metadataJSON,
		txn.CreatedUnixUTC,
	)
	if isProviderTxnConflict(err) {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, wallet.ErrDuplicateTransaction)
	}
	if err != nil {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return txn, nil
}

func updateTransactionStatus(ctx context.Context, db querier, transactionID string, from wallet.TransactionStatus, to wallet.TransactionStatus) error {
	tag, err := db.Exec(ctx, sqlUpdateTransactionStatus, transactionID, from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, wallet.ErrStatusTransition)
	}
	return nil
}

func findByProviderTransactionID(ctx context.Context, db querier, provider wallet.Provider, providerTransactionID string) (wallet.Transaction, bool, error) {
	txn, err := scanTransaction(db.QueryRow(ctx, sqlSelectByProviderTxn, provider.String(), providerTransactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wallet.Transaction{}, false, nil
		}
		return wallet.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	return txn, true, nil
}

func listTransactionsByUser(ctx context.Context, db querier, userID string, limit int) ([]wallet.Transaction, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := db.Query(ctx, sqlListTransactionsByUser, userID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions := make([]wallet.Transaction, 0, 32)
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func createTransfer(ctx context.Context, db querier, transfer wallet.Transfer) error {
	_, err := db.Exec(ctx, sqlInsertTransfer,
		transfer.TransferID,
		transfer.SenderUserID,
		transfer.RecipientUserID,
		transfer.Field.String(),
		transfer.Amount,
		transfer.SenderFee,
		transfer.ReceiverFee,
		transfer.SenderTxnID,
		transfer.RecipientTxnID,
		transfer.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectTransfer, errorCodeCreate, err)
	}
	return nil
}

func scanBalance(row pgx.Row) (wallet.Balance, error) {
	var balance wallet.Balance
	err := row.Scan(
		&balance.UserID,
		&balance.Username,
		&balance.SpendableCredits,
		&balance.BonusCredits,
		&balance.Coins,
		&balance.SubscriptionTier,
	)
	if err != nil {
		return wallet.Balance{}, err
	}
	return balance, nil
}

func scanTransaction(row pgx.Row) (wallet.Transaction, error) {
	var (
		kindValue     string
		fieldValue    string
		statusValue   string
		providerValue string
		providerTxnID string
		transferID    string
		metadataValue string
		txn           wallet.Transaction
	)
	err := row.Scan(
		&txn.TransactionID,
		&txn.UserID,
		&kindValue,
		&fieldValue,
		&txn.Amount,
		&statusValue,
		&providerValue,
		&providerTxnID,
		&transferID,
		&metadataValue,
		&txn.CreatedUnixUTC,
	)
	if err != nil {
		return wallet.Transaction{}, err
	}
	kind, err := wallet.ParseTransactionKind(kindValue)
	if err != nil {
		return wallet.Transaction{}, err
	}
	field, err := wallet.ParseBalanceField(fieldValue)
	if err != nil {
		return wallet.Transaction{}, err
	}
	provider, err := wallet.ParseProvider(providerValue)
	if err != nil {
		return wallet.Transaction{}, err
	}
	txn.Kind = kind
	txn.Field = field
	txn.Status = wallet.TransactionStatus(statusValue)
	txn.Provider = provider
	if providerTxnID != "" {
		txn.ProviderTransactionID = &providerTxnID
	}
	if transferID != "" {
		txn.TransferID = &transferID
	}
	if metadataValue != "" && metadataValue != defaultMetadataJSON {
		metadata := map[string]string{}
		if err := json.Unmarshal([]byte(metadataValue), &metadata); err != nil {
			return wallet.Transaction{}, err
		}
		txn.Metadata = metadata
	}
	return txn, nil
}

func encodeMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return defaultMetadataJSON, nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func isProviderTxnConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintProviderTxn
	}
	return false
}
