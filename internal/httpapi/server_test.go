package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pulseroom/settlement/internal/checkout"
	"github.com/pulseroom/settlement/internal/provider"
	"github.com/pulseroom/settlement/internal/settlement"
	"github.com/pulseroom/settlement/internal/store/gormstore"
	"github.com/pulseroom/settlement/pkg/wallet"
)

const (
	testSigningKey = "test-signing-key"
	testIssuer     = "pulseroom"
	aliceID        = "7b0a1cde-0000-4000-8000-000000000001"
	bobID          = "7b0a1cde-0000-4000-8000-000000000002"
)

type apiFixture struct {
	router *gin.Engine
	wallet *wallet.Service
}

func newAPIFixture(test *testing.T) *apiFixture {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(test.TempDir(), "api.db")), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open: %v", err)
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	store := gormstore.New(db)

	clock := func() time.Time { return time.Now().UTC() }
	walletService, err := wallet.NewService(store, clock)
	if err != nil {
		test.Fatalf("wallet service init: %v", err)
	}
	catalog, err := checkout.NewCatalog(checkout.DefaultProducts())
	if err != nil {
		test.Fatalf("catalog init: %v", err)
	}
	sessions, err := checkout.NewManager(store, catalog, checkout.DefaultSessionTTL, clock)
	if err != nil {
		test.Fatalf("session manager init: %v", err)
	}
	processor, err := settlement.NewProcessor(walletService, sessions, provider.NewRegistry(provider.NewDevPay()), zap.NewNop())
	if err != nil {
		test.Fatalf("processor init: %v", err)
	}

	cfg := Config{
		JWTSigningKey: testSigningKey,
		JWTIssuer:     testIssuer,
	}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("config: %v", err)
	}
	handler := &httpHandler{
		logger:    zap.NewNop(),
		wallet:    walletService,
		processor: processor,
		cfg:       cfg,
	}
	return &apiFixture{router: setupRouter(cfg, handler), wallet: walletService}
}

func signToken(test *testing.T, userID string, username string) string {
	test.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      userID,
		"username": username,
		"iss":      testIssuer,
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSigningKey))
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}
	return signed
}

func (fixture *apiFixture) do(test *testing.T, method string, path string, token string, body any) *httptest.ResponseRecorder {
	test.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			test.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(test *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	test.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		test.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestHealthz(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)
	recorder := fixture.do(test, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestAPIRejectsMissingAndBadTokens(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)

	if recorder := fixture.do(test, http.MethodGet, "/api/balance", "", nil); recorder.Code != http.StatusUnauthorized {
		test.Fatalf("missing token: expected 401, got %d", recorder.Code)
	}
	if recorder := fixture.do(test, http.MethodGet, "/api/balance", "not-a-jwt", nil); recorder.Code != http.StatusUnauthorized {
		test.Fatalf("garbage token: expected 401, got %d", recorder.Code)
	}

	wrongIssuer := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": aliceID,
		"iss": "someone-else",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := wrongIssuer.SignedString([]byte(testSigningKey))
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}
	if recorder := fixture.do(test, http.MethodGet, "/api/balance", signed, nil); recorder.Code != http.StatusUnauthorized {
		test.Fatalf("wrong issuer: expected 401, got %d", recorder.Code)
	}
}

func TestBalanceAutoRegistersNewUser(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)
	recorder := fixture.do(test, http.MethodGet, "/api/balance", signToken(test, aliceID, "alice"), nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if payload["spendable_credits"].(float64) != 0 {
		test.Fatalf("fresh balance not zero: %v", payload)
	}
}

func TestCheckoutCaptureRoundTrip(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)
	token := signToken(test, aliceID, "alice")
	fixture.do(test, http.MethodGet, "/api/balance", token, nil)

	recorder := fixture.do(test, http.MethodPost, "/api/checkout", token, map[string]string{
		"product":  "credits_500",
		"provider": "devpay",
	})
	if recorder.Code != http.StatusOK {
		test.Fatalf("checkout: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	intent := decodeBody(test, recorder)
	captureBody := map[string]string{
		"session_token":     intent["session_token"].(string),
		"provider_order_id": intent["provider_order_id"].(string),
		"provider":          "devpay",
	}

	recorder = fixture.do(test, http.MethodPost, "/api/capture", token, captureBody)
	if recorder.Code != http.StatusOK {
		test.Fatalf("capture: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	settled := decodeBody(test, recorder)
	if settled["balance"].(float64) != 500 || settled["duplicate"].(bool) {
		test.Fatalf("unexpected capture result: %v", settled)
	}

	recorder = fixture.do(test, http.MethodPost, "/api/capture", token, captureBody)
	if recorder.Code != http.StatusOK {
		test.Fatalf("replay capture: expected 200, got %d", recorder.Code)
	}
	replayed := decodeBody(test, recorder)
	if !replayed["duplicate"].(bool) || replayed["balance"].(float64) != 500 {
		test.Fatalf("replay did not resolve to the original settlement: %v", replayed)
	}
}

func TestCaptureUnknownSessionIsGone(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)
	recorder := fixture.do(test, http.MethodPost, "/api/capture", signToken(test, aliceID, "alice"), map[string]string{
		"session_token":     "missing",
		"provider_order_id": "dev_x",
		"provider":          "devpay",
	})
	if recorder.Code != http.StatusGone {
		test.Fatalf("expected 410, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestTransferShortfallMapsToConflict(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)
	aliceToken := signToken(test, aliceID, "alice")
	fixture.do(test, http.MethodGet, "/api/balance", aliceToken, nil)
	fixture.do(test, http.MethodGet, "/api/balance", signToken(test, bobID, "bob"), nil)

	recorder := fixture.do(test, http.MethodPost, "/api/transfer", aliceToken, map[string]any{
		"recipient_username": "bob",
		"amount":             100,
	})
	if recorder.Code != http.StatusConflict {
		test.Fatalf("expected 409, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	errorBody := payload["error"].(map[string]any)
	if errorBody["code"] != "insufficient_balance" {
		test.Fatalf("unexpected error code: %v", errorBody)
	}
}

func TestTransferBonusCreditsRejected(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)
	aliceToken := signToken(test, aliceID, "alice")
	fixture.do(test, http.MethodGet, "/api/balance", aliceToken, nil)
	fixture.do(test, http.MethodGet, "/api/balance", signToken(test, bobID, "bob"), nil)

	recorder := fixture.do(test, http.MethodPost, "/api/transfer", aliceToken, map[string]any{
		"recipient_username": "bob",
		"amount":             10,
		"currency":           "bonus_credits",
	})
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestWebhookUnknownProvider(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)
	recorder := fixture.do(test, http.MethodPost, "/webhook/paypal", "", map[string]string{})
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestWebhookAcknowledgesRejectedEvent(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)
	// Polling-only networks have no callback; an authentic-looking post is
	// rejected internally but still acknowledged so nothing retries forever.
	recorder := fixture.do(test, http.MethodPost, "/webhook/devpay", "", map[string]string{})
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if payload["received"] != true {
		test.Fatalf("event not acknowledged: %v", payload)
	}
}

func creditSender(test *testing.T, fixture *apiFixture, userID string, amount int64) {
	test.Helper()
	_, _, err := fixture.wallet.Credit(context.Background(), wallet.CreditParams{
		UserID:                userID,
		Field:                 wallet.FieldSpendableCredits,
		Amount:                amount,
		Provider:              wallet.ProviderDevPay,
		ProviderTransactionID: "seed-" + userID,
		Kind:                  wallet.KindPurchase,
	})
	if err != nil {
		test.Fatalf("seed credit: %v", err)
	}
}

func TestTransferSucceedsWithFunds(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)
	aliceToken := signToken(test, aliceID, "alice")
	fixture.do(test, http.MethodGet, "/api/balance", aliceToken, nil)
	fixture.do(test, http.MethodGet, "/api/balance", signToken(test, bobID, "bob"), nil)
	creditSender(test, fixture, aliceID, 1_000)

	recorder := fixture.do(test, http.MethodPost, "/api/transfer", aliceToken, map[string]any{
		"recipient_username": "bob",
		"amount":             100,
	})
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	balance := payload["balance"].(map[string]any)
	if balance["spendable_credits"].(float64) != 895 {
		test.Fatalf("sender balance wrong: %v", balance)
	}
	transfer := payload["transfer"].(map[string]any)
	if transfer["sender_fee"].(float64) != 5 || transfer["receiver_fee"].(float64) != 5 {
		test.Fatalf("fee split wrong: %v", transfer)
	}
}
