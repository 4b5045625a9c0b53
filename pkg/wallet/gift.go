package wallet

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

const (
	metadataKeyGiftID        = "gift_id"
	metadataKeyPlatformShare = "platform_share"
)

// SendGift debits the sender's coins for the gift's catalog price and credits
// the recipient their payee share, the platform keeping the remainder. The
// split is computed with Split, so payee plus platform always equals gross.
func (service *Service) SendGift(ctx context.Context, senderID string, recipientUsername string, giftID string) (Balance, error) {
	var senderBalance Balance
	gift, known := service.gifts[giftID]
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if !known {
			return fmt.Errorf("%w: %q", ErrUnknownGift, giftID)
		}
		recipientID, err := transactionStore.ResolveUsername(ctx, recipientUsername)
		if err != nil {
			return err
		}
		if recipientID == senderID {
			return ErrSelfTransfer
		}

		payeeAmount, platformAmount := Split(gift.PriceCoins, gift.PayeeSharePercent)
		metadata := map[string]string{
			metadataKeyGiftID:        gift.ID,
			metadataKeyPlatformShare: strconv.FormatInt(platformAmount, 10),
		}

		if _, err := transactionStore.AdjustBalance(ctx, senderID, FieldCoins, -gift.PriceCoins); err != nil {
			return err
		}
		if _, err := transactionStore.AdjustBalance(ctx, recipientID, FieldCoins, payeeAmount); err != nil {
			return err
		}

		createdUnixUTC := nowUnixUTC(service.nowFn)
		if _, err := transactionStore.InsertTransaction(ctx, Transaction{
			TransactionID:  uuid.NewString(),
			UserID:         senderID,
			Kind:           KindGiftSent,
			Field:          FieldCoins,
			Amount:         -gift.PriceCoins,
			Status:         StatusCompleted,
			Provider:       ProviderInternal,
			Metadata:       metadata,
			CreatedUnixUTC: createdUnixUTC,
		}); err != nil {
			return err
		}
		if _, err := transactionStore.InsertTransaction(ctx, Transaction{
			TransactionID:  uuid.NewString(),
			UserID:         recipientID,
			Kind:           KindGiftReceived,
			Field:          FieldCoins,
			Amount:         payeeAmount,
			Status:         StatusCompleted,
			Provider:       ProviderInternal,
			Metadata:       metadata,
			CreatedUnixUTC: createdUnixUTC,
		}); err != nil {
			return err
		}
		senderBalance, err = transactionStore.GetBalance(ctx, senderID)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationGift,
		UserID:    senderID,
		Field:     FieldCoins,
		Amount:    gift.PriceCoins,
		Kind:      KindGiftSent,
		Error:     operationError,
	})
	if operationError != nil {
		return Balance{}, operationError
	}
	return senderBalance, nil
}
