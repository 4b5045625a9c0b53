package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pulseroom/settlement/pkg/wallet"
)

type memorySessionStore struct {
	sessions map[string]Session
}

func newMemorySessionStore() *memorySessionStore {
	return &memorySessionStore{sessions: map[string]Session{}}
}

func (store *memorySessionStore) CreateSession(_ context.Context, session Session) error {
	store.sessions[session.Token] = session
	return nil
}

func (store *memorySessionStore) DeleteSessionReturning(_ context.Context, token string) (Session, bool, error) {
	session, found := store.sessions[token]
	if !found {
		return Session{}, false, nil
	}
	delete(store.sessions, token)
	return session, true, nil
}

func (store *memorySessionStore) DeleteExpiredSessions(_ context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	for token, session := range store.sessions {
		if session.ExpiresAt.Before(cutoff) {
			delete(store.sessions, token)
			removed++
		}
	}
	return removed, nil
}

type adjustableClock struct {
	now time.Time
}

func (clock *adjustableClock) Now() time.Time { return clock.now }

func (clock *adjustableClock) Advance(delta time.Duration) { clock.now = clock.now.Add(delta) }

func mustManager(test *testing.T, store SessionStore, clock wallet.Clock) *Manager {
	test.Helper()
	catalog, err := NewCatalog(DefaultProducts())
	if err != nil {
		test.Fatalf("catalog init: %v", err)
	}
	manager, err := NewManager(store, catalog, DefaultSessionTTL, clock)
	if err != nil {
		test.Fatalf("manager init: %v", err)
	}
	return manager
}

func TestBeginPinsCanonicalPrice(test *testing.T) {
	test.Parallel()
	store := newMemorySessionStore()
	clock := &adjustableClock{now: time.Unix(1_700_000_000, 0).UTC()}
	manager := mustManager(test, store, clock.Now)

	session, product, err := manager.Begin(context.Background(), "user-1", "credits_500", wallet.ProviderStripe)
	if err != nil {
		test.Fatalf("begin: %v", err)
	}
	if session.PriceMinorUnits != product.PriceMinorUnits || session.Currency != product.Currency {
		test.Fatalf("session price diverges from catalog: %+v vs %+v", session, product)
	}
	if session.Token == "" {
		test.Fatalf("expected opaque token")
	}
	if !session.ExpiresAt.Equal(session.CreatedAt.Add(DefaultSessionTTL)) {
		test.Fatalf("unexpected expiry: %+v", session)
	}
	if _, stored := store.sessions[session.Token]; !stored {
		test.Fatalf("session not persisted")
	}
}

func TestBeginUnknownProduct(test *testing.T) {
	test.Parallel()
	store := newMemorySessionStore()
	clock := &adjustableClock{now: time.Unix(1_700_000_000, 0).UTC()}
	manager := mustManager(test, store, clock.Now)

	_, _, err := manager.Begin(context.Background(), "user-1", "credits_999999", wallet.ProviderStripe)
	if !errors.Is(err, ErrUnknownProduct) {
		test.Fatalf("expected ErrUnknownProduct, got %v", err)
	}
	if len(store.sessions) != 0 {
		test.Fatalf("unknown product created a session")
	}
}

func TestConsumeIsOneShot(test *testing.T) {
	test.Parallel()
	store := newMemorySessionStore()
	clock := &adjustableClock{now: time.Unix(1_700_000_000, 0).UTC()}
	manager := mustManager(test, store, clock.Now)

	session, _, err := manager.Begin(context.Background(), "user-1", "coins_1000", wallet.ProviderDevPay)
	if err != nil {
		test.Fatalf("begin: %v", err)
	}
	consumed, err := manager.Consume(context.Background(), session.Token)
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if consumed.Token != session.Token || consumed.UserID != "user-1" {
		test.Fatalf("unexpected consumed session: %+v", consumed)
	}

	_, err = manager.Consume(context.Background(), session.Token)
	if !errors.Is(err, ErrSessionExpiredOrMissing) {
		test.Fatalf("second consume must fail, got %v", err)
	}
}

func TestConsumeExpiredSession(test *testing.T) {
	test.Parallel()
	store := newMemorySessionStore()
	clock := &adjustableClock{now: time.Unix(1_700_000_000, 0).UTC()}
	manager := mustManager(test, store, clock.Now)

	session, _, err := manager.Begin(context.Background(), "user-1", "credits_500", wallet.ProviderStripe)
	if err != nil {
		test.Fatalf("begin: %v", err)
	}
	clock.Advance(DefaultSessionTTL + time.Minute)

	_, err = manager.Consume(context.Background(), session.Token)
	if !errors.Is(err, ErrSessionExpiredOrMissing) {
		test.Fatalf("expected expiry failure, got %v", err)
	}
	if _, stillThere := store.sessions[session.Token]; stillThere {
		test.Fatalf("expired session must be gone after the consume attempt")
	}
}

func TestSweepExpiredRemovesOnlyStaleSessions(test *testing.T) {
	test.Parallel()
	store := newMemorySessionStore()
	clock := &adjustableClock{now: time.Unix(1_700_000_000, 0).UTC()}
	manager := mustManager(test, store, clock.Now)

	stale, _, err := manager.Begin(context.Background(), "user-1", "credits_500", wallet.ProviderStripe)
	if err != nil {
		test.Fatalf("begin stale: %v", err)
	}
	clock.Advance(DefaultSessionTTL + time.Minute)
	fresh, _, err := manager.Begin(context.Background(), "user-2", "credits_500", wallet.ProviderStripe)
	if err != nil {
		test.Fatalf("begin fresh: %v", err)
	}

	removed, err := manager.SweepExpired(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		test.Fatalf("expected 1 removed session, got %d", removed)
	}
	if _, there := store.sessions[fresh.Token]; !there {
		test.Fatalf("fresh session swept")
	}
	if _, there := store.sessions[stale.Token]; there {
		test.Fatalf("stale session survived the sweep")
	}
}

func TestNewCatalogRejectsBadProducts(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name     string
		products []Product
	}{
		{name: "empty id", products: []Product{{Kind: KindCreditPack, PriceMinorUnits: 1, Currency: "usd"}}},
		{name: "zero price", products: []Product{{ID: "p", Kind: KindCreditPack, Currency: "usd"}}},
		{name: "no currency", products: []Product{{ID: "p", Kind: KindCreditPack, PriceMinorUnits: 1}}},
		{name: "tier without name", products: []Product{{ID: "p", Kind: KindTier, PriceMinorUnits: 1, Currency: "usd"}}},
		{name: "duplicate id", products: []Product{
			{ID: "p", Kind: KindCreditPack, PriceMinorUnits: 1, Currency: "usd"},
			{ID: "p", Kind: KindCoinPack, PriceMinorUnits: 2, Currency: "usd"},
		}},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if _, err := NewCatalog(testCase.products); !errors.Is(err, ErrInvalidProduct) {
				test.Fatalf("expected ErrInvalidProduct, got %v", err)
			}
		})
	}
}

func TestProductField(test *testing.T) {
	test.Parallel()
	coinPack := Product{Kind: KindCoinPack}
	if coinPack.Field() != wallet.FieldCoins {
		test.Fatalf("coin pack must credit coins")
	}
	creditPack := Product{Kind: KindCreditPack}
	if creditPack.Field() != wallet.FieldSpendableCredits {
		test.Fatalf("credit pack must credit spendable credits")
	}
	tier := Product{Kind: KindTier}
	if tier.Field() != wallet.FieldSpendableCredits {
		test.Fatalf("tier products credit spendable credits")
	}
}
