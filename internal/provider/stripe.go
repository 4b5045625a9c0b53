package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v75"
	checkoutsession "github.com/stripe/stripe-go/v75/checkout/session"
	"github.com/stripe/stripe-go/v75/webhook"

	"github.com/pulseroom/settlement/pkg/wallet"
)

const (
	stripeMetadataTokenKey        = "checkout_token"
	stripeEventCheckoutCompleted  = "checkout.session.completed"
	stripeStatusNoPaymentRequired = "no_payment_required"
)

// StripeConfig carries the keys and redirect targets for the Stripe variant.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

// Stripe implements Adapter over Stripe Checkout.
type Stripe struct {
	cfg StripeConfig
}

// NewStripe wires the adapter and sets the package-level API key.
func NewStripe(cfg StripeConfig) (*Stripe, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("%w: stripe secret key missing", wallet.ErrInvalidServiceConfig)
	}
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("%w: stripe webhook secret missing", wallet.ErrInvalidServiceConfig)
	}
	stripe.Key = cfg.SecretKey
	return &Stripe{cfg: cfg}, nil
}

// ID returns the provider id.
func (adapter *Stripe) ID() wallet.Provider {
	return wallet.ProviderStripe
}

// CreateCharge opens a Checkout Session carrying the canonical price. The
// session token rides in metadata so the webhook can be correlated.
func (adapter *Stripe) CreateCharge(ctx context.Context, params CreateChargeParams) (Charge, error) {
	sessionParams := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(adapter.cfg.SuccessURL),
		CancelURL:  stripe.String(adapter.cfg.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(params.Currency),
					UnitAmount: stripe.Int64(params.AmountMinorUnits),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(params.Description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(params.SessionToken),
	}
	sessionParams.Context = ctx
	sessionParams.AddMetadata(stripeMetadataTokenKey, params.SessionToken)

	created, err := checkoutsession.New(sessionParams)
	if err != nil {
		return Charge{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return Charge{ProviderOrderID: created.ID, RedirectURL: created.URL}, nil
}

// CaptureCharge fetches the Checkout Session and reports its payment state.
func (adapter *Stripe) CaptureCharge(ctx context.Context, providerOrderID string) (Capture, error) {
	getParams := &stripe.CheckoutSessionParams{}
	getParams.Context = ctx
	session, err := checkoutsession.Get(providerOrderID, getParams)
	if err != nil {
		return Capture{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return adapter.normalize(session), nil
}

// VerifyCallback checks the Stripe-Signature header and normalizes
// checkout.session.completed events. Unrelated event types verify fine but
// come back with an empty session token, which the processor rejects closed.
func (adapter *Stripe) VerifyCallback(payload []byte, signatureHeader string) (VerifiedEvent, error) {
	event, err := webhook.ConstructEventWithOptions(
		payload,
		signatureHeader,
		adapter.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		return VerifiedEvent{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if event.Type != stripeEventCheckoutCompleted {
		return VerifiedEvent{}, fmt.Errorf("%w: unhandled event type %q", ErrMalformedPayload, event.Type)
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return VerifiedEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	capture := adapter.normalize(&session)
	return VerifiedEvent{
		ProviderTransactionID: capture.ProviderTransactionID,
		ProviderOrderID:       session.ID,
		SessionToken:          capture.SessionToken,
		Status:                capture.Status,
		AmountMinorUnits:      capture.AmountMinorUnits,
		Currency:              capture.Currency,
	}, nil
}

func (adapter *Stripe) normalize(session *stripe.CheckoutSession) Capture {
	status := string(session.PaymentStatus)
	if status == string(stripe.CheckoutSessionPaymentStatusPaid) || status == stripeStatusNoPaymentRequired {
		status = StatusCompleted
	}
	transactionID := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		transactionID = session.PaymentIntent.ID
	}
	token := session.Metadata[stripeMetadataTokenKey]
	if token == "" {
		token = session.ClientReferenceID
	}
	return Capture{
		Status:                status,
		AmountMinorUnits:      session.AmountTotal,
		Currency:              string(session.Currency),
		ProviderTransactionID: transactionID,
		SessionToken:          token,
	}
}
