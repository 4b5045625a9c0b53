// Package httpapi exposes the settlement core over HTTP. Client-facing
// routes sit behind Bearer auth; provider callbacks arrive unauthenticated
// and are verified cryptographically by the adapter layer instead.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pulseroom/settlement/internal/checkout"
	"github.com/pulseroom/settlement/internal/provider"
	"github.com/pulseroom/settlement/internal/settlement"
	"github.com/pulseroom/settlement/pkg/wallet"
)

const webhookMaxBodyBytes = 1 << 16

// Dependencies carries the wired core services the API fronts.
type Dependencies struct {
	Logger    *zap.Logger
	Wallet    *wallet.Service
	Processor *settlement.Processor
}

// Run boots the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	handler := &httpHandler{
		logger:    deps.Logger,
		wallet:    deps.Wallet,
		processor: deps.Processor,
		cfg:       cfg,
	}
	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		deps.Logger.Info("settlement api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			deps.Logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/webhook/:provider", handler.handleWebhook)

	api := router.Group("/api")
	api.Use(authMiddleware([]byte(cfg.JWTSigningKey), cfg.JWTIssuer))

	api.POST("/checkout", handler.handleCheckout)
	api.POST("/capture", handler.handleCapture)
	api.GET("/balance", handler.handleBalance)
	api.GET("/transactions", handler.handleTransactions)
	api.POST("/transfer", handler.handleTransfer)
	api.POST("/gifts", handler.handleGift)

	return router
}

type httpHandler struct {
	logger    *zap.Logger
	wallet    *wallet.Service
	processor *settlement.Processor
	cfg       Config
}

type checkoutRequest struct {
	Product  string `json:"product"`
	Provider string `json:"provider"`
}

type captureRequest struct {
	SessionToken    string `json:"session_token"`
	ProviderOrderID string `json:"provider_order_id"`
	Provider        string `json:"provider"`
}

type transferRequest struct {
	RecipientUsername string `json:"recipient_username"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
}

type giftRequest struct {
	RecipientUsername string `json:"recipient_username"`
	Gift              string `json:"gift"`
}

// providerSignatureHeaders maps each callback-capable network to the HTTP
// header its signature travels in.
var providerSignatureHeaders = map[wallet.Provider]string{
	wallet.ProviderStripe:    "Stripe-Signature",
	wallet.ProviderCryptoPay: "x-nowpayments-sig",
}

func (handler *httpHandler) handleCheckout(ctx *gin.Context) {
	var request checkoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	providerID := wallet.ProviderStripe
	if request.Provider != "" {
		parsed, err := wallet.ParseProvider(request.Provider)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_provider", "unknown payment provider"))
			return
		}
		providerID = parsed
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	intent, err := handler.processor.BeginCheckout(requestCtx, authedUserID(ctx), request.Product, providerID)
	if err != nil {
		handler.respondError(ctx, "checkout failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"session_token":     intent.SessionToken,
		"provider_order_id": intent.ProviderOrderID,
		"redirect_url":      intent.RedirectURL,
	})
}

// handleWebhook always acknowledges what it can. A rejected-but-authentic
// event returns 200 so the network stops retrying; only an unverifiable
// signature earns a 400. Unreachable-provider failures are logged for
// reconciliation and acknowledged anyway.
func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	providerID, err := wallet.ParseProvider(ctx.Param("provider"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_provider", "no such provider"))
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, webhookMaxBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	signature := ctx.GetHeader(providerSignatureHeaders[providerID])

	result, err := handler.processor.HandleCallback(ctx.Request.Context(), providerID, payload, signature)
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{"received": true, "duplicate": result.Duplicate})
	case errors.Is(err, provider.ErrSignatureInvalid):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "signature verification failed"))
	case errors.Is(err, provider.ErrProviderUnavailable):
		handler.logger.Error("webhook settlement needs reconciliation",
			zap.String("provider", providerID.String()),
			zap.Error(err),
		)
		ctx.JSON(http.StatusOK, gin.H{"received": true})
	default:
		handler.logger.Warn("webhook event rejected",
			zap.String("provider", providerID.String()),
			zap.Error(err),
		)
		ctx.JSON(http.StatusOK, gin.H{"received": true})
	}
}

func (handler *httpHandler) handleCapture(ctx *gin.Context) {
	var request captureRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	providerID, err := wallet.ParseProvider(request.Provider)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_provider", "unknown payment provider"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	result, err := handler.processor.Capture(requestCtx, providerID, request.SessionToken, request.ProviderOrderID)
	if err != nil {
		handler.respondError(ctx, "capture failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"credited":  result.Transaction.Amount,
		"field":     result.Field.String(),
		"duplicate": result.Duplicate,
		"balance":   result.NewBalance,
	})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	userID := authedUserID(ctx)
	balance, err := handler.wallet.Balance(requestCtx, userID)
	if errors.Is(err, wallet.ErrBalanceNotFound) {
		balance, err = handler.wallet.Register(requestCtx, userID, authedUsername(ctx))
	}
	if err != nil {
		handler.respondError(ctx, "balance fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, balancePayload(balance))
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	transactions, err := handler.wallet.History(requestCtx, authedUserID(ctx), handler.cfg.HistoryLimit)
	if err != nil {
		handler.respondError(ctx, "history fetch failed", err)
		return
	}
	payload := make([]gin.H, 0, len(transactions))
	for _, txn := range transactions {
		payload = append(payload, transactionPayload(txn))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (handler *httpHandler) handleTransfer(ctx *gin.Context) {
	var request transferRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	field := wallet.FieldSpendableCredits
	if request.Currency != "" {
		parsed, err := wallet.ParseBalanceField(request.Currency)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_currency", "unknown balance currency"))
			return
		}
		field = parsed
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	transfer, balance, err := handler.wallet.Transfer(requestCtx, authedUserID(ctx), request.RecipientUsername, request.Amount, field)
	if err != nil {
		handler.respondError(ctx, "transfer failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transfer": gin.H{
			"transfer_id":  transfer.TransferID,
			"amount":       transfer.Amount,
			"sender_fee":   transfer.SenderFee,
			"receiver_fee": transfer.ReceiverFee,
			"currency":     transfer.Field.String(),
		},
		"balance": balancePayload(balance),
	})
}

func (handler *httpHandler) handleGift(ctx *gin.Context) {
	var request giftRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	balance, err := handler.wallet.SendGift(requestCtx, authedUserID(ctx), request.RecipientUsername, request.Gift)
	if err != nil {
		handler.respondError(ctx, "gift failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayload(balance)})
}

// respondError maps domain errors onto HTTP statuses. The error text of
// sentinel failures is client-safe; everything else collapses into an
// opaque 500 with the detail kept in the logs.
func (handler *httpHandler) respondError(ctx *gin.Context, logMessage string, err error) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			ctx.JSON(mapping.status, errorResponse(mapping.code, err.Error()))
			return
		}
	}
	handler.logger.Error(logMessage, zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "unexpected failure"))
}

var errorMappings = []struct {
	target error
	status int
	code   string
}{
	{wallet.ErrInsufficientBalance, http.StatusConflict, "insufficient_balance"},
	{wallet.ErrNonTransferableFunds, http.StatusBadRequest, "non_transferable"},
	{wallet.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{wallet.ErrSelfTransfer, http.StatusBadRequest, "self_transfer"},
	{wallet.ErrRecipientNotFound, http.StatusNotFound, "recipient_not_found"},
	{wallet.ErrUnknownGift, http.StatusNotFound, "unknown_gift"},
	{wallet.ErrBalanceNotFound, http.StatusNotFound, "balance_not_found"},
	{checkout.ErrUnknownProduct, http.StatusNotFound, "unknown_product"},
	{checkout.ErrSessionExpiredOrMissing, http.StatusGone, "session_expired"},
	{settlement.ErrAmountMismatch, http.StatusUnprocessableEntity, "amount_mismatch"},
	{settlement.ErrChargeNotCompleted, http.StatusConflict, "charge_not_completed"},
	{settlement.ErrProviderMismatch, http.StatusConflict, "provider_mismatch"},
	{provider.ErrUnknownProvider, http.StatusNotFound, "unknown_provider"},
	{provider.ErrNoCallbackSupport, http.StatusBadRequest, "no_callback_support"},
	{provider.ErrProviderUnavailable, http.StatusBadGateway, "provider_unavailable"},
}

func balancePayload(balance wallet.Balance) gin.H {
	return gin.H{
		"spendable_credits": balance.SpendableCredits,
		"bonus_credits":     balance.BonusCredits,
		"coins":             balance.Coins,
		"tier":              balance.SubscriptionTier,
	}
}

func transactionPayload(txn wallet.Transaction) gin.H {
	payload := gin.H{
		"transaction_id": txn.TransactionID,
		"kind":           txn.Kind.String(),
		"currency":       txn.Field.String(),
		"amount":         txn.Amount,
		"status":         txn.Status.String(),
		"provider":       txn.Provider.String(),
		"created_at":     txn.CreatedUnixUTC,
	}
	if txn.TransferID != nil {
		payload["transfer_id"] = *txn.TransferID
	}
	if len(txn.Metadata) > 0 {
		payload["metadata"] = txn.Metadata
	}
	return payload
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
