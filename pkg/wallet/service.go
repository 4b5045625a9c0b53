package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const defaultTransferFeeBasisPoints int64 = 500

// Service contains the balance and ledger logic over a Store.
type Service struct {
	store              Store
	nowFn              Clock
	logger             OperationLogger
	feeRateBasisPoints int64
	gifts              map[string]Gift
}

// NewService wires a Service.
func NewService(store Store, now Clock, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:              store,
		nowFn:              now,
		feeRateBasisPoints: defaultTransferFeeBasisPoints,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.feeRateBasisPoints < 0 || service.feeRateBasisPoints >= basisPointDenominator {
		return nil, fmt.Errorf("%w: fee rate out of range", ErrInvalidServiceConfig)
	}
	return service, nil
}

// Register creates the zero balance row for a new account. Idempotent.
func (service *Service) Register(ctx context.Context, userID string, username string) (Balance, error) {
	return service.store.EnsureBalance(ctx, userID, username)
}

// Balance returns the user's current balances. Safe for display; debit and
// credit decisions never read this, they go through the atomic adjust.
func (service *Service) Balance(ctx context.Context, userID string) (Balance, error) {
	return service.store.GetBalance(ctx, userID)
}

// History lists a user's transactions, newest first.
func (service *Service) History(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	return service.store.ListTransactionsByUser(ctx, userID, limit)
}

// FindSettled looks up a completed transaction by its provider idempotency key.
func (service *Service) FindSettled(ctx context.Context, provider Provider, providerTransactionID string) (Transaction, bool, error) {
	txn, found, err := service.store.FindByProviderTransactionID(ctx, provider, providerTransactionID)
	if err != nil {
		return Transaction{}, false, err
	}
	if !found || txn.Status != StatusCompleted {
		return Transaction{}, false, nil
	}
	return txn, true, nil
}

// CreditParams describes one provider-originated balance credit.
type CreditParams struct {
	UserID                string
	Field                 BalanceField
	Amount                int64
	Kind                  TransactionKind
	Provider              Provider
	ProviderTransactionID string
	Metadata              map[string]string
	// SubscriptionTier, when non-empty, is set on the user in the same
	// transaction boundary as the credit. The set is idempotent.
	SubscriptionTier string
	// BonusCredits, when positive, are granted to the non-transferable
	// field in the same transaction boundary, under an idempotency key
	// derived from the provider transaction id.
	BonusCredits int64
}

// Credit atomically adjusts the balance upward and appends the completed
// ledger row carrying the provider's external id. Both writes share one
// store transaction: either the user sees the credit and the row, or neither.
func (service *Service) Credit(ctx context.Context, params CreditParams) (Transaction, int64, error) {
	var (
		inserted   Transaction
		newBalance int64
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if params.Amount <= 0 {
			return fmt.Errorf("%w: credit amount must be positive", ErrInvalidAmount)
		}
		balance, err := transactionStore.AdjustBalance(ctx, params.UserID, params.Field, params.Amount)
		if err != nil {
			return err
		}
		newBalance = balance
		var providerTxnID *string
		if params.ProviderTransactionID != "" {
			value := params.ProviderTransactionID
			providerTxnID = &value
		}
		inserted, err = transactionStore.InsertTransaction(ctx, Transaction{
			TransactionID:         uuid.NewString(),
			UserID:                params.UserID,
			Kind:                  params.Kind,
			Field:                 params.Field,
			Amount:                params.Amount,
			Status:                StatusCompleted,
			Provider:              params.Provider,
			ProviderTransactionID: providerTxnID,
			Metadata:              params.Metadata,
			CreatedUnixUTC:        service.nowFn().UTC().Unix(),
		})
		if err != nil {
			return err
		}
		if params.BonusCredits > 0 {
			if _, err := transactionStore.AdjustBalance(ctx, params.UserID, FieldBonusCredits, params.BonusCredits); err != nil {
				return err
			}
			bonusKey := params.ProviderTransactionID + ":bonus"
			if _, err := transactionStore.InsertTransaction(ctx, Transaction{
				TransactionID:         uuid.NewString(),
				UserID:                params.UserID,
				Kind:                  params.Kind,
				Field:                 FieldBonusCredits,
				Amount:                params.BonusCredits,
				Status:                StatusCompleted,
				Provider:              params.Provider,
				ProviderTransactionID: &bonusKey,
				Metadata:              params.Metadata,
				CreatedUnixUTC:        service.nowFn().UTC().Unix(),
			}); err != nil {
				return err
			}
		}
		if params.SubscriptionTier != "" {
			return transactionStore.SetSubscriptionTier(ctx, params.UserID, params.SubscriptionTier)
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		UserID:    params.UserID,
		Field:     params.Field,
		Amount:    params.Amount,
		Kind:      params.Kind,
		Error:     operationError,
	})
	if operationError != nil {
		return Transaction{}, 0, operationError
	}
	return inserted, newBalance, nil
}

// DebitParams describes one balance debit.
type DebitParams struct {
	UserID   string
	Field    BalanceField
	Amount   int64
	Kind     TransactionKind
	Metadata map[string]string
}

// Debit atomically adjusts the balance downward and appends the ledger row.
// A debit that would take the field below zero fails with
// ErrInsufficientBalance and writes nothing.
func (service *Service) Debit(ctx context.Context, params DebitParams) (Transaction, int64, error) {
	var (
		inserted   Transaction
		newBalance int64
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if params.Amount <= 0 {
			return fmt.Errorf("%w: debit amount must be positive", ErrInvalidAmount)
		}
		balance, err := transactionStore.AdjustBalance(ctx, params.UserID, params.Field, -params.Amount)
		if err != nil {
			return err
		}
		newBalance = balance
		inserted, err = transactionStore.InsertTransaction(ctx, Transaction{
			TransactionID:  uuid.NewString(),
			UserID:         params.UserID,
			Kind:           params.Kind,
			Field:          params.Field,
			Amount:         -params.Amount,
			Status:         StatusCompleted,
			Provider:       ProviderInternal,
			Metadata:       params.Metadata,
			CreatedUnixUTC: service.nowFn().UTC().Unix(),
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDebit,
		UserID:    params.UserID,
		Field:     params.Field,
		Amount:    params.Amount,
		Kind:      params.Kind,
		Error:     operationError,
	})
	if operationError != nil {
		return Transaction{}, 0, operationError
	}
	return inserted, newBalance, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func nowUnixUTC(clock Clock) int64 {
	return clock().In(time.UTC).Unix()
}
