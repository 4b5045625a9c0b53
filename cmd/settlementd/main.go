package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pulseroom/settlement/internal/checkout"
	"github.com/pulseroom/settlement/internal/httpapi"
	"github.com/pulseroom/settlement/internal/provider"
	"github.com/pulseroom/settlement/internal/settlement"
	"github.com/pulseroom/settlement/internal/store/gormstore"
	"github.com/pulseroom/settlement/internal/store/pgstore"
	"github.com/pulseroom/settlement/pkg/wallet"
)

const (
	flagDatabaseURL      = "database-url"
	flagListenAddr       = "listen-addr"
	flagAllowedOrigins   = "allowed-origins"
	flagJWTSigningKey    = "jwt-signing-key"
	flagJWTIssuer        = "jwt-issuer"
	flagStripeSecretKey  = "stripe-secret-key"
	flagStripeWebhookKey = "stripe-webhook-secret"
	flagStripeSuccessURL = "stripe-success-url"
	flagStripeCancelURL  = "stripe-cancel-url"
	flagCryptoPayBaseURL = "cryptopay-base-url"
	flagCryptoPayAPIKey  = "cryptopay-api-key"
	flagCryptoPayIPNKey  = "cryptopay-ipn-secret"
	flagCryptoPayRetURL  = "cryptopay-callback-url"
	flagTransferFeeBps   = "transfer-fee-bps"

	configKeyDatabaseURL      = "database_url"
	configKeyListenAddr       = "listen_addr"
	configKeyAllowedOrigins   = "allowed_origins"
	configKeyJWTSigningKey    = "jwt_signing_key"
	configKeyJWTIssuer        = "jwt_issuer"
	configKeyStripeSecretKey  = "stripe_secret_key"
	configKeyStripeWebhookKey = "stripe_webhook_secret"
	configKeyStripeSuccessURL = "stripe_success_url"
	configKeyStripeCancelURL  = "stripe_cancel_url"
	configKeyCryptoPayBaseURL = "cryptopay_base_url"
	configKeyCryptoPayAPIKey  = "cryptopay_api_key"
	configKeyCryptoPayIPNKey  = "cryptopay_ipn_secret"
	configKeyCryptoPayRetURL  = "cryptopay_callback_url"
	configKeyTransferFeeBps   = "transfer_fee_bps"

	defaultDatabaseURL   = "sqlite:///tmp/settlement.db"
	defaultListenAddr    = ":8080"
	sessionSweepInterval = 5 * time.Minute
)

type runtimeConfig struct {
	DatabaseURL string
	API         httpapi.Config
	Stripe      provider.StripeConfig
	CryptoPay   provider.CryptoPayConfig
	TransferFee int64
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "settlementd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "settlementd",
		Short:         "Value settlement HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (sqlite:// or postgres://)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "HMAC key for API bearer tokens")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer")
	cmd.Flags().String(flagStripeSecretKey, "", "Stripe API secret key")
	cmd.Flags().String(flagStripeWebhookKey, "", "Stripe webhook signing secret")
	cmd.Flags().String(flagStripeSuccessURL, "", "redirect after successful Stripe checkout")
	cmd.Flags().String(flagStripeCancelURL, "", "redirect after cancelled Stripe checkout")
	cmd.Flags().String(flagCryptoPayBaseURL, "", "crypto payment API base URL")
	cmd.Flags().String(flagCryptoPayAPIKey, "", "crypto payment API key")
	cmd.Flags().String(flagCryptoPayIPNKey, "", "crypto payment IPN signing secret")
	cmd.Flags().String(flagCryptoPayRetURL, "", "crypto payment callback URL")
	cmd.Flags().Int64(flagTransferFeeBps, 0, "peer transfer fee in basis points (0 uses the default)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:      "DATABASE_URL",
		configKeyListenAddr:       "LISTEN_ADDR",
		configKeyAllowedOrigins:   "ALLOWED_ORIGINS",
		configKeyJWTSigningKey:    "JWT_SIGNING_KEY",
		configKeyJWTIssuer:        "JWT_ISSUER",
		configKeyStripeSecretKey:  "STRIPE_SECRET_KEY",
		configKeyStripeWebhookKey: "STRIPE_WEBHOOK_SECRET",
		configKeyStripeSuccessURL: "STRIPE_SUCCESS_URL",
		configKeyStripeCancelURL:  "STRIPE_CANCEL_URL",
		configKeyCryptoPayBaseURL: "CRYPTOPAY_BASE_URL",
		configKeyCryptoPayAPIKey:  "CRYPTOPAY_API_KEY",
		configKeyCryptoPayIPNKey:  "CRYPTOPAY_IPN_SECRET",
		configKeyCryptoPayRetURL:  "CRYPTOPAY_CALLBACK_URL",
		configKeyTransferFeeBps:   "TRANSFER_FEE_BPS",
	}
	for configKey, envName := range bindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}

	flagsByKey := map[string]string{
		configKeyDatabaseURL:      flagDatabaseURL,
		configKeyListenAddr:       flagListenAddr,
		configKeyAllowedOrigins:   flagAllowedOrigins,
		configKeyJWTSigningKey:    flagJWTSigningKey,
		configKeyJWTIssuer:        flagJWTIssuer,
		configKeyStripeSecretKey:  flagStripeSecretKey,
		configKeyStripeWebhookKey: flagStripeWebhookKey,
		configKeyStripeSuccessURL: flagStripeSuccessURL,
		configKeyStripeCancelURL:  flagStripeCancelURL,
		configKeyCryptoPayBaseURL: flagCryptoPayBaseURL,
		configKeyCryptoPayAPIKey:  flagCryptoPayAPIKey,
		configKeyCryptoPayIPNKey:  flagCryptoPayIPNKey,
		configKeyCryptoPayRetURL:  flagCryptoPayRetURL,
		configKeyTransferFeeBps:   flagTransferFeeBps,
	}
	for configKey, flagName := range flagsByKey {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.API = httpapi.Config{
		ListenAddr:     viper.GetString(configKeyListenAddr),
		AllowedOrigins: httpapi.ParseAllowedOrigins(viper.GetString(configKeyAllowedOrigins)),
		JWTSigningKey:  viper.GetString(configKeyJWTSigningKey),
		JWTIssuer:      viper.GetString(configKeyJWTIssuer),
	}
	cfg.Stripe = provider.StripeConfig{
		SecretKey:     viper.GetString(configKeyStripeSecretKey),
		WebhookSecret: viper.GetString(configKeyStripeWebhookKey),
		SuccessURL:    viper.GetString(configKeyStripeSuccessURL),
		CancelURL:     viper.GetString(configKeyStripeCancelURL),
	}
	cfg.CryptoPay = provider.CryptoPayConfig{
		BaseURL:     viper.GetString(configKeyCryptoPayBaseURL),
		APIKey:      viper.GetString(configKeyCryptoPayAPIKey),
		IPNSecret:   viper.GetString(configKeyCryptoPayIPNKey),
		CallbackURL: viper.GetString(configKeyCryptoPayRetURL),
	}
	cfg.TransferFee = viper.GetInt64(configKeyTransferFeeBps)
	return cfg.API.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	stores, cleanup, err := openStores(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	clock := func() time.Time { return time.Now().UTC() }

	walletOptions := []wallet.ServiceOption{
		wallet.WithOperationLogger(httpapi.NewOperationLogger(logger)),
		wallet.WithGiftTable(checkout.DefaultGifts()),
	}
	if cfg.TransferFee > 0 {
		walletOptions = append(walletOptions, wallet.WithTransferFeeRate(cfg.TransferFee))
	}
	walletService, err := wallet.NewService(stores.wallet, clock, walletOptions...)
	if err != nil {
		return fmt.Errorf("wallet service init: %w", err)
	}

	catalog, err := checkout.NewCatalog(checkout.DefaultProducts())
	if err != nil {
		return fmt.Errorf("catalog init: %w", err)
	}
	sessions, err := checkout.NewManager(stores.sessions, catalog, checkout.DefaultSessionTTL, clock)
	if err != nil {
		return fmt.Errorf("session manager init: %w", err)
	}

	adapters := []provider.Adapter{provider.NewDevPay()}
	if cfg.Stripe.SecretKey != "" {
		stripeAdapter, err := provider.NewStripe(cfg.Stripe)
		if err != nil {
			return fmt.Errorf("stripe adapter init: %w", err)
		}
		adapters = append(adapters, stripeAdapter)
	}
	if cfg.CryptoPay.APIKey != "" {
		cryptoAdapter, err := provider.NewCryptoPay(cfg.CryptoPay)
		if err != nil {
			return fmt.Errorf("crypto adapter init: %w", err)
		}
		adapters = append(adapters, cryptoAdapter)
	}

	processor, err := settlement.NewProcessor(walletService, sessions, provider.NewRegistry(adapters...), logger)
	if err != nil {
		return fmt.Errorf("settlement processor init: %w", err)
	}

	go sweepSessions(ctx, sessions, logger)

	return httpapi.Run(ctx, cfg.API, httpapi.Dependencies{
		Logger:    logger,
		Wallet:    walletService,
		Processor: processor,
	})
}

type storeSet struct {
	wallet   wallet.Store
	sessions checkout.SessionStore
}

func openStores(ctx context.Context, dsn string) (storeSet, func(), error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return storeSet{}, nil, err
		}
		store := pgstore.New(pool)
		return storeSet{wallet: store, sessions: store}, pool.Close, nil
	}

	sqlitePath, err := resolveSQLitePath(dsn)
	if err != nil {
		return storeSet{}, nil, err
	}
	db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{TranslateError: true})
	if err != nil {
		return storeSet{}, nil, err
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return storeSet{}, nil, fmt.Errorf("auto migrate: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return storeSet{}, nil, err
	}
	store := gormstore.New(db.WithContext(ctx))
	return storeSet{wallet: store, sessions: store}, func() { _ = sqlDB.Close() }, nil
}

func resolveSQLitePath(dsn string) (string, error) {
	path := dsn
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path = parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "settlement.db"
		}
	}
	return normalizeSQLitePath(path)
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func sweepSessions(ctx context.Context, sessions *checkout.Manager, logger *zap.Logger) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := sessions.SweepExpired(ctx)
			if err != nil {
				logger.Warn("session sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("expired checkout sessions removed", zap.Int64("count", removed))
			}
		}
	}
}
