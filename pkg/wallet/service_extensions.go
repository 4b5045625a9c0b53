package wallet

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Withdraw debits spendable credits for payout. Bonus credits are never
// withdrawable, so the field is fixed.
func (service *Service) Withdraw(ctx context.Context, userID string, amount int64, metadata map[string]string) (Transaction, int64, error) {
	return service.Debit(ctx, DebitParams{
		UserID:   userID,
		Field:    FieldSpendableCredits,
		Amount:   amount,
		Kind:     KindWithdrawal,
		Metadata: metadata,
	})
}

// Refund credits funds back against a previously settled provider
// transaction. Corrections are new ledger rows, never edits; the refund's
// idempotency key derives from the original so a redelivered refund
// notification cannot credit twice.
func (service *Service) Refund(ctx context.Context, userID string, field BalanceField, amount int64, provider Provider, originalProviderTransactionID string, metadata map[string]string) (Transaction, int64, error) {
	var (
		inserted   Transaction
		newBalance int64
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if amount <= 0 {
			return fmt.Errorf("%w: refund amount must be positive", ErrInvalidAmount)
		}
		balance, err := transactionStore.AdjustBalance(ctx, userID, field, amount)
		if err != nil {
			return err
		}
		newBalance = balance
		refundKey := originalProviderTransactionID + ":refund"
		inserted, err = transactionStore.InsertTransaction(ctx, Transaction{
			TransactionID:         uuid.NewString(),
			UserID:                userID,
			Kind:                  KindRefund,
			Field:                 field,
			Amount:                amount,
			Status:                StatusCompleted,
			Provider:              provider,
			ProviderTransactionID: &refundKey,
			Metadata:              metadata,
			CreatedUnixUTC:        nowUnixUTC(service.nowFn),
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		UserID:    userID,
		Field:     field,
		Amount:    amount,
		Kind:      KindRefund,
		Error:     operationError,
	})
	if operationError != nil {
		return Transaction{}, 0, operationError
	}
	return inserted, newBalance, nil
}
