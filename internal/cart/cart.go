// Package cart holds the in-progress sale. The cart is a value: every
// mutation returns a new cart, so boundaries can keep snapshots for undo
// and tests stay deterministic.
package cart

import (
	"slices"

	"github.com/shopspring/decimal"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/pricing"
)

type Cart struct {
	Lines []domain.CartLine
}

// FromLines rebuilds a cart from mirrored or submitted lines.
func FromLines(lines []domain.CartLine) Cart {
	return Cart{Lines: slices.Clone(lines)}
}

// AddProduct inserts a direct product line, merging into an existing line
// with the same (product, packaging variant) identity. Quantities sum on
// merge; the unit price stays as fixed at first insertion.
func (c Cart) AddProduct(p domain.Product, packagingVariant string, quantity int, unitPrice decimal.Decimal, currency string) (Cart, error) {
	if quantity < 1 {
		return c, domain.NewValidationError("quantity must be at least 1", "quantity")
	}
	if currency != domain.CurrencyUSD && currency != domain.CurrencyKHR {
		return c, domain.NewValidationError("currency must be USD or KHR", "currency")
	}
	return c.insert(domain.CartLine{
		Kind:             domain.LineKindProduct,
		ReferenceID:      p.ID,
		PackagingVariant: packagingVariant,
		Name:             p.Name,
		Quantity:         quantity,
		UnitPrice:        unitPrice,
		Currency:         currency,
	}), nil
}

// AddPackage inserts a package line. Packages carry no packaging variant
// and are always priced in KHR at the package total.
func (c Cart) AddPackage(pkg domain.Package, quantity int) (Cart, error) {
	if quantity < 1 {
		return c, domain.NewValidationError("quantity must be at least 1", "quantity")
	}
	return c.insert(domain.CartLine{
		Kind:        domain.LineKindPackage,
		ReferenceID: pkg.ID,
		Name:        pkg.Name,
		Quantity:    quantity,
		UnitPrice:   pkg.TotalPriceKHR,
		Currency:    domain.CurrencyKHR,
	}), nil
}

func (c Cart) insert(line domain.CartLine) Cart {
	next := Cart{Lines: slices.Clone(c.Lines)}
	for i, existing := range next.Lines {
		if existing.SameIdentity(line) {
			existing.Quantity += line.Quantity
			next.Lines[i] = existing
			return next
		}
	}
	next.Lines = append(next.Lines, line)
	return next
}

// Clear empties the cart. Confirming intent with the operator is the
// calling boundary's job.
func (c Cart) Clear() Cart {
	return Cart{}
}

func (c Cart) IsEmpty() bool {
	return len(c.Lines) == 0
}

type Totals struct {
	TotalUSD      decimal.Decimal `json:"total_usd"`
	TotalKHR      decimal.Decimal `json:"total_khr"`
	TotalQuantity int             `json:"total_quantity"`
}

// Totals sums the cart in USD and derives the KHR total from it, so the
// two displayed figures can never disagree through independent rounding.
func (c Cart) Totals(rates pricing.Rates) Totals {
	totalUSD := decimal.Zero
	quantity := 0
	for _, line := range c.Lines {
		lineUSD := rates.NormalizeToUSD(line.UnitPrice, line.Currency)
		totalUSD = totalUSD.Add(lineUSD.Mul(decimal.NewFromInt(int64(line.Quantity))))
		quantity += line.Quantity
	}
	return Totals{
		TotalUSD:      totalUSD,
		TotalKHR:      rates.NormalizeToKHR(totalUSD),
		TotalQuantity: quantity,
	}
}
