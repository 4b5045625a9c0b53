package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/pulseroom/settlement/pkg/wallet"
)

// DevPay is the sandbox network used in development deployments. It has no
// callback mechanism at all: VerifyCallback declares ErrNoCallbackSupport
// and settlement happens exclusively through the client capture path, which
// always reports success for a known order.
type DevPay struct {
	mu     sync.Mutex
	orders map[string]Capture
}

// NewDevPay wires the sandbox adapter.
func NewDevPay() *DevPay {
	return &DevPay{orders: make(map[string]Capture)}
}

// ID returns the provider id.
func (adapter *DevPay) ID() wallet.Provider {
	return wallet.ProviderDevPay
}

// CreateCharge records the order in memory and hands back a fake redirect.
func (adapter *DevPay) CreateCharge(_ context.Context, params CreateChargeParams) (Charge, error) {
	orderID := uuid.NewString()
	adapter.mu.Lock()
	adapter.orders[orderID] = Capture{
		Status:                StatusCompleted,
		AmountMinorUnits:      params.AmountMinorUnits,
		Currency:              params.Currency,
		ProviderTransactionID: "devpay_" + orderID,
		SessionToken:          params.SessionToken,
	}
	adapter.mu.Unlock()
	return Charge{
		ProviderOrderID: orderID,
		RedirectURL:     "https://devpay.invalid/checkout/" + orderID,
	}, nil
}

// CaptureCharge reports the recorded order as paid.
func (adapter *DevPay) CaptureCharge(_ context.Context, providerOrderID string) (Capture, error) {
	adapter.mu.Lock()
	capture, found := adapter.orders[providerOrderID]
	adapter.mu.Unlock()
	if !found {
		return Capture{}, fmt.Errorf("%w: unknown order %q", ErrProviderUnavailable, providerOrderID)
	}
	return capture, nil
}

// VerifyCallback is a declared no-op: the sandbox never calls back.
func (adapter *DevPay) VerifyCallback([]byte, string) (VerifiedEvent, error) {
	return VerifiedEvent{}, ErrNoCallbackSupport
}

// FailNext marks an order so the next capture reports the given status.
// Test hook for exercising fail-closed settlement paths.
func (adapter *DevPay) FailNext(providerOrderID string, status string) {
	adapter.mu.Lock()
	if capture, found := adapter.orders[providerOrderID]; found {
		capture.Status = status
		adapter.orders[providerOrderID] = capture
	}
	adapter.mu.Unlock()
}

// TamperAmount rewrites an order's captured amount. Test hook for the
// price-pinning defense.
func (adapter *DevPay) TamperAmount(providerOrderID string, amountMinorUnits int64) {
	adapter.mu.Lock()
	if capture, found := adapter.orders[providerOrderID]; found {
		capture.AmountMinorUnits = amountMinorUnits
		adapter.orders[providerOrderID] = capture
	}
	adapter.mu.Unlock()
}
