package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pulseroom/settlement/pkg/wallet"
)

// DefaultSessionTTL bounds how long a pinned price stays valid.
const DefaultSessionTTL = 30 * time.Minute

// Session binds {user, product, canonical price} for the duration of one
// checkout. It is server-owned and never trusted with client price data
// after creation.
type Session struct {
	Token           string
	UserID          string
	ProductID       string
	PriceMinorUnits int64
	Currency        string
	Provider        wallet.Provider
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// SessionStore persists checkout sessions. DeleteSessionReturning must be a
// single delete-returning operation so two racing consumers see one winner.
type SessionStore interface {
	CreateSession(ctx context.Context, session Session) error
	DeleteSessionReturning(ctx context.Context, token string) (Session, bool, error)
	DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// Manager owns the session lifecycle: create, consume once, or expire.
type Manager struct {
	store   SessionStore
	catalog *Catalog
	ttl     time.Duration
	nowFn   wallet.Clock
}

// NewManager wires a Manager.
func NewManager(store SessionStore, catalog *Catalog, ttl time.Duration, now wallet.Clock) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: session store is nil", wallet.ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog is nil", wallet.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock is nil", wallet.ErrInvalidServiceConfig)
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Manager{store: store, catalog: catalog, ttl: ttl, nowFn: now}, nil
}

// Begin pins the canonical price for the product and stores a session under
// a fresh opaque token. Unknown products fail with ErrUnknownProduct.
func (manager *Manager) Begin(ctx context.Context, userID string, productID string, provider wallet.Provider) (Session, Product, error) {
	product, err := manager.catalog.Lookup(productID)
	if err != nil {
		return Session{}, Product{}, err
	}
	createdAt := manager.nowFn().UTC()
	session := Session{
		Token:           uuid.NewString(),
		UserID:          userID,
		ProductID:       product.ID,
		PriceMinorUnits: product.PriceMinorUnits,
		Currency:        product.Currency,
		Provider:        provider,
		CreatedAt:       createdAt,
		ExpiresAt:       createdAt.Add(manager.ttl),
	}
	if err := manager.store.CreateSession(ctx, session); err != nil {
		return Session{}, Product{}, err
	}
	return session, product, nil
}

// Consume deletes and returns the session in one shot. It is called exactly
// once per settlement attempt; the session is gone afterwards whether the
// capture completes or terminally fails, which is what prevents replays.
// Expiry is checked lazily here, not by a background sweep.
func (manager *Manager) Consume(ctx context.Context, token string) (Session, error) {
	session, found, err := manager.store.DeleteSessionReturning(ctx, token)
	if err != nil {
		return Session{}, err
	}
	if !found {
		return Session{}, fmt.Errorf("%w: token not found", ErrSessionExpiredOrMissing)
	}
	if manager.nowFn().UTC().After(session.ExpiresAt) {
		return Session{}, fmt.Errorf("%w: expired at %s", ErrSessionExpiredOrMissing, session.ExpiresAt.Format(time.RFC3339))
	}
	return session, nil
}

// Product resolves a catalog entry without starting a session.
func (manager *Manager) Product(productID string) (Product, error) {
	return manager.catalog.Lookup(productID)
}

// SweepExpired removes stale rows. Hygiene only; correctness never depends
// on it.
func (manager *Manager) SweepExpired(ctx context.Context) (int64, error) {
	return manager.store.DeleteExpiredSessions(ctx, manager.nowFn().UTC())
}
