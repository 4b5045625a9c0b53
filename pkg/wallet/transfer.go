package wallet

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Transfer moves amount between two users with a dual-sided fee. The sender
// is debited amount plus the sender fee, the recipient is credited amount
// minus the receiver fee, both fees rounding up. Only transferable fields may
// move; bonus credits are never consulted, even to cover a shortfall.
func (service *Service) Transfer(ctx context.Context, senderID string, recipientUsername string, amount int64, field BalanceField) (Transfer, Balance, error) {
	var (
		transfer      Transfer
		senderBalance Balance
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if amount <= 0 {
			return fmt.Errorf("%w: transfer amount must be positive", ErrInvalidAmount)
		}
		if !field.Transferable() {
			return fmt.Errorf("%w: %s cannot be transferred", ErrNonTransferableFunds, field)
		}
		recipientID, err := transactionStore.ResolveUsername(ctx, recipientUsername)
		if err != nil {
			return err
		}
		if recipientID == senderID {
			return ErrSelfTransfer
		}

		senderFee := TransferFee(amount, service.feeRateBasisPoints)
		receiverFee := TransferFee(amount, service.feeRateBasisPoints)
		totalDebit := amount + senderFee

		current, err := transactionStore.GetBalance(ctx, senderID)
		if err != nil {
			return err
		}
		if available := current.Get(field); available < totalDebit {
			return fmt.Errorf("%w: %d %s short of the %d required", ErrInsufficientBalance, totalDebit-available, field, totalDebit)
		}

		// The conditional update is still the authority; the read above only
		// shapes the shortfall message.
		if _, err := transactionStore.AdjustBalance(ctx, senderID, field, -totalDebit); err != nil {
			return err
		}
		if _, err := transactionStore.AdjustBalance(ctx, recipientID, field, amount-receiverFee); err != nil {
			return err
		}

		createdUnixUTC := nowUnixUTC(service.nowFn)
		transferID := uuid.NewString()

		senderDebit, err := transactionStore.InsertTransaction(ctx, Transaction{
			TransactionID:  uuid.NewString(),
			UserID:         senderID,
			Kind:           KindTransferSent,
			Field:          field,
			Amount:         -amount,
			Status:         StatusCompleted,
			Provider:       ProviderInternal,
			TransferID:     &transferID,
			CreatedUnixUTC: createdUnixUTC,
		})
		if err != nil {
			return err
		}
		recipientCredit, err := transactionStore.InsertTransaction(ctx, Transaction{
			TransactionID:  uuid.NewString(),
			UserID:         recipientID,
			Kind:           KindTransferReceived,
			Field:          field,
			Amount:         amount,
			Status:         StatusCompleted,
			Provider:       ProviderInternal,
			TransferID:     &transferID,
			CreatedUnixUTC: createdUnixUTC,
		})
		if err != nil {
			return err
		}
		if _, err := transactionStore.InsertTransaction(ctx, Transaction{
			TransactionID:  uuid.NewString(),
			UserID:         senderID,
			Kind:           KindTransferFee,
			Field:          field,
			Amount:         -senderFee,
			Status:         StatusCompleted,
			Provider:       ProviderInternal,
			TransferID:     &transferID,
			CreatedUnixUTC: createdUnixUTC,
		}); err != nil {
			return err
		}
		if _, err := transactionStore.InsertTransaction(ctx, Transaction{
			TransactionID:  uuid.NewString(),
			UserID:         recipientID,
			Kind:           KindTransferFee,
			Field:          field,
			Amount:         -receiverFee,
			Status:         StatusCompleted,
			Provider:       ProviderInternal,
			TransferID:     &transferID,
			CreatedUnixUTC: createdUnixUTC,
		}); err != nil {
			return err
		}

		transfer = Transfer{
			TransferID:      transferID,
			SenderUserID:    senderID,
			RecipientUserID: recipientID,
			Field:           field,
			Amount:          amount,
			SenderFee:       senderFee,
			ReceiverFee:     receiverFee,
			SenderTxnID:     senderDebit.TransactionID,
			RecipientTxnID:  recipientCredit.TransactionID,
			CreatedUnixUTC:  createdUnixUTC,
		}
		if err := transactionStore.CreateTransfer(ctx, transfer); err != nil {
			return err
		}
		senderBalance, err = transactionStore.GetBalance(ctx, senderID)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationTransfer,
		UserID:    senderID,
		Field:     field,
		Amount:    amount,
		Kind:      KindTransferSent,
		Error:     operationError,
	})
	if operationError != nil {
		return Transfer{}, Balance{}, operationError
	}
	return transfer, senderBalance, nil
}
