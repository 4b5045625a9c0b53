// Package provider abstracts external payment networks behind one
// three-method contract. Each variant owns its own authenticity scheme; the
// settlement processor only ever sees normalized VerifiedEvent values.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/pulseroom/settlement/pkg/wallet"
)

var (
	ErrSignatureInvalid    = errors.New("callback signature invalid")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrUnknownProvider     = errors.New("unknown provider")
	ErrNoCallbackSupport   = errors.New("provider has no callback mechanism")
	ErrMalformedPayload    = errors.New("malformed provider payload")
)

// Normalized charge statuses. Adapters map their network's vocabulary onto
// these where the mapping is unambiguous and pass the raw status through
// otherwise; the settlement processor owns the accepted-success set.
const (
	StatusCompleted = "completed"
	StatusPending   = "pending"
	StatusFailed    = "failed"
)

// CreateChargeParams describes the charge to open with the network. The
// checkout session token travels in provider metadata so callbacks can be
// correlated back to the pinned price.
type CreateChargeParams struct {
	SessionToken     string
	ProductID        string
	AmountMinorUnits int64
	Currency         string
	Description      string
}

// Charge is the provider's answer to CreateCharge.
type Charge struct {
	ProviderOrderID string
	RedirectURL     string
}

// Capture is the provider's answer to CaptureCharge.
type Capture struct {
	Status                string
	AmountMinorUnits      int64
	Currency              string
	ProviderTransactionID string
	SessionToken          string
}

// VerifiedEvent is an authenticated, normalized callback.
type VerifiedEvent struct {
	ProviderTransactionID string
	ProviderOrderID       string
	SessionToken          string
	Status                string
	AmountMinorUnits      int64
	Currency              string
}

// Adapter is implemented once per payment network. A network with no
// callback mechanism returns ErrNoCallbackSupport from VerifyCallback and
// settles through the client capture path only.
type Adapter interface {
	ID() wallet.Provider
	CreateCharge(ctx context.Context, params CreateChargeParams) (Charge, error)
	CaptureCharge(ctx context.Context, providerOrderID string) (Capture, error)
	VerifyCallback(payload []byte, signatureHeader string) (VerifiedEvent, error)
}

// Registry maps provider ids to adapters. Adding a network means registering
// a variant; the settlement processor never changes.
type Registry struct {
	adapters map[wallet.Provider]Adapter
}

// NewRegistry indexes the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	indexed := make(map[wallet.Provider]Adapter, len(adapters))
	for _, adapter := range adapters {
		if adapter != nil {
			indexed[adapter.ID()] = adapter
		}
	}
	return &Registry{adapters: indexed}
}

// Lookup resolves an adapter by provider id.
func (registry *Registry) Lookup(providerID wallet.Provider) (Adapter, error) {
	adapter, found := registry.adapters[providerID]
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, providerID)
	}
	return adapter, nil
}
