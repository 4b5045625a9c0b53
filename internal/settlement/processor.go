// Package settlement converts verified external payments into internal
// balance credits. Every path fails closed: nothing is credited unless the
// callback is authentic, the session's canonical price matches what the
// provider captured, and this external transaction has never settled before.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pulseroom/settlement/internal/checkout"
	"github.com/pulseroom/settlement/internal/provider"
	"github.com/pulseroom/settlement/pkg/wallet"
)

var (
	ErrAmountMismatch     = errors.New("captured amount does not match session price")
	ErrChargeNotCompleted = errors.New("charge not in a completed state")
	ErrProviderMismatch   = errors.New("session was opened for a different provider")
)

const (
	metadataKeyProduct = "product"
	metadataKeyOrder   = "provider_order_id"
)

// acceptedStatuses is the success set a captured charge must land in.
var acceptedStatuses = map[string]struct{}{
	provider.StatusCompleted: {},
	"charged":                {},
	"finished":               {},
}

// CheckoutIntent is the answer to a begin-checkout request.
type CheckoutIntent struct {
	SessionToken    string
	ProviderOrderID string
	RedirectURL     string
}

// Result reports one settlement. Duplicate marks a replayed event resolved
// to the same success the original processing produced; callers cannot tell
// the two apart, by construction.
type Result struct {
	Duplicate   bool
	Transaction wallet.Transaction
	Field       wallet.BalanceField
	NewBalance  int64
}

// Processor orchestrates verify, session consumption, validation, and the
// atomic credit.
type Processor struct {
	wallet    *wallet.Service
	sessions  *checkout.Manager
	providers *provider.Registry
	logger    *zap.Logger
}

// NewProcessor wires a Processor.
func NewProcessor(walletService *wallet.Service, sessions *checkout.Manager, providers *provider.Registry, logger *zap.Logger) (*Processor, error) {
	if walletService == nil || sessions == nil || providers == nil {
		return nil, fmt.Errorf("%w: processor dependencies incomplete", wallet.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{wallet: walletService, sessions: sessions, providers: providers, logger: logger}, nil
}

// BeginCheckout pins the canonical price in a session and opens the charge
// with the chosen network. A provider failure here is surfaced to the caller
// to retry; the orphaned session simply expires.
func (processor *Processor) BeginCheckout(ctx context.Context, userID string, productID string, providerID wallet.Provider) (CheckoutIntent, error) {
	adapter, err := processor.providers.Lookup(providerID)
	if err != nil {
		return CheckoutIntent{}, err
	}
	session, product, err := processor.sessions.Begin(ctx, userID, productID, providerID)
	if err != nil {
		return CheckoutIntent{}, err
	}
	charge, err := adapter.CreateCharge(ctx, provider.CreateChargeParams{
		SessionToken:     session.Token,
		ProductID:        product.ID,
		AmountMinorUnits: session.PriceMinorUnits,
		Currency:         session.Currency,
		Description:      product.ID,
	})
	if err != nil {
		return CheckoutIntent{}, err
	}
	processor.logger.Info("checkout started",
		zap.String("user_id", userID),
		zap.String("product", product.ID),
		zap.String("provider", providerID.String()),
		zap.String("provider_order_id", charge.ProviderOrderID),
	)
	return CheckoutIntent{
		SessionToken:    session.Token,
		ProviderOrderID: charge.ProviderOrderID,
		RedirectURL:     charge.RedirectURL,
	}, nil
}

// HandleCallback settles a provider-delivered webhook. The adapter
// authenticates the payload before anything else happens.
func (processor *Processor) HandleCallback(ctx context.Context, providerID wallet.Provider, payload []byte, signatureHeader string) (Result, error) {
	adapter, err := processor.providers.Lookup(providerID)
	if err != nil {
		return Result{}, err
	}
	event, err := adapter.VerifyCallback(payload, signatureHeader)
	if err != nil {
		return Result{}, err
	}
	return processor.settle(ctx, providerID, event)
}

// Capture settles through the client-driven path: the adapter itself is the
// authenticator, since the capture result comes from the provider's API and
// not from the client.
func (processor *Processor) Capture(ctx context.Context, providerID wallet.Provider, sessionToken string, providerOrderID string) (Result, error) {
	adapter, err := processor.providers.Lookup(providerID)
	if err != nil {
		return Result{}, err
	}
	capture, err := adapter.CaptureCharge(ctx, providerOrderID)
	if err != nil {
		return Result{}, err
	}
	token := capture.SessionToken
	if token == "" {
		token = sessionToken
	}
	return processor.settle(ctx, providerID, provider.VerifiedEvent{
		ProviderTransactionID: capture.ProviderTransactionID,
		ProviderOrderID:       providerOrderID,
		SessionToken:          token,
		Status:                capture.Status,
		AmountMinorUnits:      capture.AmountMinorUnits,
		Currency:              capture.Currency,
	})
}

// settle runs the state machine on one verified event. The idempotency check
// comes strictly before any mutation; redelivered events short-circuit to the
// original success without touching a balance.
func (processor *Processor) settle(ctx context.Context, providerID wallet.Provider, event provider.VerifiedEvent) (Result, error) {
	if event.ProviderTransactionID == "" {
		return Result{}, fmt.Errorf("%w: missing provider transaction id", provider.ErrMalformedPayload)
	}

	if settled, found, err := processor.wallet.FindSettled(ctx, providerID, event.ProviderTransactionID); err != nil {
		return Result{}, err
	} else if found {
		return processor.duplicateResult(ctx, settled)
	}

	session, err := processor.sessions.Consume(ctx, event.SessionToken)
	if err != nil {
		return Result{}, err
	}
	if session.Provider != providerID {
		return Result{}, fmt.Errorf("%w: session opened for %s", ErrProviderMismatch, session.Provider)
	}
	if event.AmountMinorUnits != session.PriceMinorUnits || !strings.EqualFold(event.Currency, session.Currency) {
		return Result{}, fmt.Errorf("%w: captured %d %s, session pinned %d %s",
			ErrAmountMismatch, event.AmountMinorUnits, event.Currency, session.PriceMinorUnits, session.Currency)
	}
	if _, accepted := acceptedStatuses[event.Status]; !accepted {
		return Result{}, fmt.Errorf("%w: provider reported %q", ErrChargeNotCompleted, event.Status)
	}

	product, err := processor.sessions.Product(session.ProductID)
	if err != nil {
		return Result{}, err
	}
	kind := wallet.KindPurchase
	if product.Kind == checkout.KindTier {
		kind = wallet.KindSubscription
	}

	txn, newBalance, err := processor.wallet.Credit(ctx, wallet.CreditParams{
		UserID:                session.UserID,
		Field:                 product.Field(),
		Amount:                product.CreditedAmount,
		Kind:                  kind,
		Provider:              providerID,
		ProviderTransactionID: event.ProviderTransactionID,
		Metadata: map[string]string{
			metadataKeyProduct: product.ID,
			metadataKeyOrder:   event.ProviderOrderID,
		},
		SubscriptionTier: product.Tier,
		BonusCredits:     product.BonusCredits,
	})
	if errors.Is(err, wallet.ErrDuplicateTransaction) {
		// Lost the single-winner insert to a racing delivery of the same
		// external transaction. Resolve to that winner's success.
		settled, found, findErr := processor.wallet.FindSettled(ctx, providerID, event.ProviderTransactionID)
		if findErr == nil && found {
			return processor.duplicateResult(ctx, settled)
		}
		return Result{}, err
	}
	if err != nil {
		return Result{}, err
	}

	processor.logger.Info("settlement credited",
		zap.String("user_id", session.UserID),
		zap.String("provider", providerID.String()),
		zap.String("provider_transaction_id", event.ProviderTransactionID),
		zap.String("product", product.ID),
		zap.Int64("amount", product.CreditedAmount),
	)
	return Result{Transaction: txn, Field: product.Field(), NewBalance: newBalance}, nil
}

func (processor *Processor) duplicateResult(ctx context.Context, settled wallet.Transaction) (Result, error) {
	balance, err := processor.wallet.Balance(ctx, settled.UserID)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Duplicate:   true,
		Transaction: settled,
		Field:       settled.Field,
		NewBalance:  balance.Get(settled.Field),
	}, nil
}
