package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pulseroom/settlement/pkg/wallet"
)

const (
	cryptoPayStatusFinished  = "finished"
	cryptoPayStatusConfirmed = "confirmed"

	cryptoPayAPIKeyHeader = "x-api-key"

	defaultCryptoPayTimeout = 10 * time.Second
)

// CryptoPayConfig carries the API credentials for the crypto processor.
// IPNSecret signs inbound callbacks with HMAC-SHA512 over the raw body.
type CryptoPayConfig struct {
	BaseURL     string
	APIKey      string
	IPNSecret   string
	CallbackURL string
}

// CryptoPay implements Adapter over an HMAC-signed IPN crypto processor.
// It supports both the webhook path and capture-by-order-id polling.
type CryptoPay struct {
	cfg    CryptoPayConfig
	client *http.Client
}

// NewCryptoPay wires the adapter.
func NewCryptoPay(cfg CryptoPayConfig) (*CryptoPay, error) {
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: cryptopay base url and api key required", wallet.ErrInvalidServiceConfig)
	}
	if cfg.IPNSecret == "" {
		return nil, fmt.Errorf("%w: cryptopay ipn secret required", wallet.ErrInvalidServiceConfig)
	}
	return &CryptoPay{
		cfg:    cfg,
		client: &http.Client{Timeout: defaultCryptoPayTimeout},
	}, nil
}

// ID returns the provider id.
func (adapter *CryptoPay) ID() wallet.Provider {
	return wallet.ProviderCryptoPay
}

type cryptoPayCreateRequest struct {
	PriceAmountMinor int64  `json:"price_amount_minor"`
	PriceCurrency    string `json:"price_currency"`
	OrderID          string `json:"order_id"`
	OrderDescription string `json:"order_description"`
	IPNCallbackURL   string `json:"ipn_callback_url"`
}

type cryptoPayPayment struct {
	PaymentID        string `json:"payment_id"`
	OrderID          string `json:"order_id"`
	PaymentStatus    string `json:"payment_status"`
	PriceAmountMinor int64  `json:"price_amount_minor"`
	PriceCurrency    string `json:"price_currency"`
	InvoiceURL       string `json:"invoice_url"`
}

// CreateCharge opens a payment; the checkout session token travels as the
// processor-side order id.
func (adapter *CryptoPay) CreateCharge(ctx context.Context, params CreateChargeParams) (Charge, error) {
	body, err := json.Marshal(cryptoPayCreateRequest{
		PriceAmountMinor: params.AmountMinorUnits,
		PriceCurrency:    params.Currency,
		OrderID:          params.SessionToken,
		OrderDescription: params.Description,
		IPNCallbackURL:   adapter.cfg.CallbackURL,
	})
	if err != nil {
		return Charge{}, err
	}
	payment, err := adapter.do(ctx, http.MethodPost, "/v1/payment", body)
	if err != nil {
		return Charge{}, err
	}
	return Charge{ProviderOrderID: payment.PaymentID, RedirectURL: payment.InvoiceURL}, nil
}

// CaptureCharge polls the payment state by processor order id.
func (adapter *CryptoPay) CaptureCharge(ctx context.Context, providerOrderID string) (Capture, error) {
	payment, err := adapter.do(ctx, http.MethodGet, "/v1/payment/"+providerOrderID, nil)
	if err != nil {
		return Capture{}, err
	}
	return Capture{
		Status:                normalizeCryptoPayStatus(payment.PaymentStatus),
		AmountMinorUnits:      payment.PriceAmountMinor,
		Currency:              payment.PriceCurrency,
		ProviderTransactionID: payment.PaymentID,
		SessionToken:          payment.OrderID,
	}, nil
}

// VerifyCallback authenticates an IPN: the signature header must equal the
// hex HMAC-SHA512 of the raw payload under the shared IPN secret.
func (adapter *CryptoPay) VerifyCallback(payload []byte, signatureHeader string) (VerifiedEvent, error) {
	mac := hmac.New(sha512.New, []byte(adapter.cfg.IPNSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	provided, err := hex.DecodeString(signatureHeader)
	if err != nil || !hmac.Equal(provided, mac.Sum(nil)) {
		return VerifiedEvent{}, fmt.Errorf("%w: hmac mismatch (want %d hex chars)", ErrSignatureInvalid, len(expected))
	}
	var payment cryptoPayPayment
	if err := json.Unmarshal(payload, &payment); err != nil {
		return VerifiedEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return VerifiedEvent{
		ProviderTransactionID: payment.PaymentID,
		ProviderOrderID:       payment.PaymentID,
		SessionToken:          payment.OrderID,
		Status:                normalizeCryptoPayStatus(payment.PaymentStatus),
		AmountMinorUnits:      payment.PriceAmountMinor,
		Currency:              payment.PriceCurrency,
	}, nil
}

func (adapter *CryptoPay) do(ctx context.Context, method string, path string, body []byte) (cryptoPayPayment, error) {
	request, err := http.NewRequestWithContext(ctx, method, adapter.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return cryptoPayPayment{}, err
	}
	request.Header.Set(cryptoPayAPIKeyHeader, adapter.cfg.APIKey)
	if len(body) > 0 {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := adapter.client.Do(request)
	if err != nil {
		return cryptoPayPayment{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return cryptoPayPayment{}, fmt.Errorf("%w: status %d", ErrProviderUnavailable, response.StatusCode)
	}
	var payment cryptoPayPayment
	if err := json.NewDecoder(response.Body).Decode(&payment); err != nil {
		return cryptoPayPayment{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return payment, nil
}

func normalizeCryptoPayStatus(raw string) string {
	switch raw {
	case cryptoPayStatusFinished, cryptoPayStatusConfirmed:
		return StatusCompleted
	}
	return raw
}
