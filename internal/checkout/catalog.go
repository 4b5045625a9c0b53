package checkout

import (
	"errors"
	"fmt"

	"github.com/pulseroom/settlement/pkg/wallet"
)

// Catalog errors.
var (
	ErrUnknownProduct          = errors.New("unknown product")
	ErrSessionExpiredOrMissing = errors.New("checkout session expired or missing")
	ErrInvalidProduct          = errors.New("invalid product definition")
)

// ProductKind distinguishes what a purchase grants.
type ProductKind string

const (
	KindCreditPack ProductKind = "credit_pack"
	KindCoinPack   ProductKind = "coin_pack"
	KindTier       ProductKind = "tier"
)

// Product is one purchasable entry. PriceMinorUnits is the canonical price;
// no client-supplied price is ever consulted. CreditedAmount is the internal
// units granted on settlement, in the field implied by the kind.
type Product struct {
	ID              string
	Kind            ProductKind
	PriceMinorUnits int64
	Currency        string
	CreditedAmount  int64
	// BonusCredits are promotional, credited to the non-transferable field.
	BonusCredits int64
	// Tier names the subscription tier set on settlement of tier products.
	Tier string
}

// Field returns the balance field this product credits.
func (product Product) Field() wallet.BalanceField {
	if product.Kind == KindCoinPack {
		return wallet.FieldCoins
	}
	return wallet.FieldSpendableCredits
}

// Catalog is the fixed price table products are resolved against.
type Catalog struct {
	products map[string]Product
}

// NewCatalog validates and indexes the product table.
func NewCatalog(products []Product) (*Catalog, error) {
	indexed := make(map[string]Product, len(products))
	for _, product := range products {
		if product.ID == "" {
			return nil, fmt.Errorf("%w: empty id", ErrInvalidProduct)
		}
		if product.PriceMinorUnits <= 0 {
			return nil, fmt.Errorf("%w: %s has non-positive price", ErrInvalidProduct, product.ID)
		}
		if product.Currency == "" {
			return nil, fmt.Errorf("%w: %s has no currency", ErrInvalidProduct, product.ID)
		}
		if product.Kind == KindTier && product.Tier == "" {
			return nil, fmt.Errorf("%w: %s is a tier product without a tier", ErrInvalidProduct, product.ID)
		}
		if _, exists := indexed[product.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidProduct, product.ID)
		}
		indexed[product.ID] = product
	}
	return &Catalog{products: indexed}, nil
}

// Lookup resolves a product id against the table.
func (catalog *Catalog) Lookup(productID string) (Product, error) {
	product, found := catalog.products[productID]
	if !found {
		return Product{}, fmt.Errorf("%w: %q", ErrUnknownProduct, productID)
	}
	return product, nil
}

// DefaultProducts is the compiled-in price table. Deployments override it
// through configuration.
func DefaultProducts() []Product {
	return []Product{
		{ID: "credits_500", Kind: KindCreditPack, PriceMinorUnits: 499, Currency: "usd", CreditedAmount: 500},
		{ID: "credits_1200", Kind: KindCreditPack, PriceMinorUnits: 999, Currency: "usd", CreditedAmount: 1200, BonusCredits: 100},
		{ID: "credits_3000", Kind: KindCreditPack, PriceMinorUnits: 1999, Currency: "usd", CreditedAmount: 3000, BonusCredits: 400},
		{ID: "coins_1000", Kind: KindCoinPack, PriceMinorUnits: 999, Currency: "usd", CreditedAmount: 1000},
		{ID: "coins_5500", Kind: KindCoinPack, PriceMinorUnits: 4999, Currency: "usd", CreditedAmount: 5500},
		{ID: "tier_plus", Kind: KindTier, PriceMinorUnits: 999, Currency: "usd", CreditedAmount: 300, Tier: "plus"},
		{ID: "tier_premium", Kind: KindTier, PriceMinorUnits: 1999, Currency: "usd", CreditedAmount: 800, Tier: "premium"},
	}
}

// DefaultGifts is the compiled-in gift table for the wallet service.
func DefaultGifts() map[string]wallet.Gift {
	return map[string]wallet.Gift{
		"rose":     {ID: "rose", PriceCoins: 10, PayeeSharePercent: 55},
		"confetti": {ID: "confetti", PriceCoins: 100, PayeeSharePercent: 55},
		"meteor":   {ID: "meteor", PriceCoins: 1000, PayeeSharePercent: 60},
	}
}
