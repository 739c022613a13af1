// Package pricing resolves a product's packaging hierarchy into retail
// conversion factors and per-unit prices, and normalizes amounts between
// the two sale currencies with the deployment exchange rate.
package pricing

import (
	"github.com/shopspring/decimal"

	"pharmapos/backend/internal/domain"
)

// BoxUnit returns the wholesale unit of the product, if one is configured.
func BoxUnit(p domain.Product) (domain.PackagingUnit, bool) {
	for _, unit := range p.PackagingUnits {
		if unit.IsBox {
			return unit, true
		}
	}
	return domain.PackagingUnit{}, false
}

// UnitsPerBox returns the retail-unit-per-box factor of the product's box
// unit: the tablet factor when configured, otherwise the strip factor.
// Zero means the product cannot be retail-converted.
func UnitsPerBox(p domain.Product) int {
	box, ok := BoxUnit(p)
	if !ok {
		return 0
	}
	if box.TabletsPerBox > 0 {
		return box.TabletsPerBox
	}
	return box.StripsPerBox
}

// StripsPerBox returns the strip sub-factor of the box unit, 0 when absent.
func StripsPerBox(p domain.Product) int {
	box, ok := BoxUnit(p)
	if !ok {
		return 0
	}
	return box.StripsPerBox
}

// UnitPrice returns the configured KHR retail price for the given
// packaging unit of the product.
func UnitPrice(p domain.Product, unitID string) (decimal.Decimal, error) {
	for _, unit := range p.PackagingUnits {
		if unit.UnitID != unitID {
			continue
		}
		if unit.RetailPriceKHR == nil {
			break
		}
		return *unit.RetailPriceKHR, nil
	}
	return decimal.Zero, &domain.MissingPriceError{
		ProductID:   p.ID,
		ProductName: p.Name,
		UnitID:      unitID,
	}
}

// BatchUnitPrice resolves the selling price of one retail unit from a
// converted batch: the tablet price when set, otherwise the capsule price.
func BatchUnitPrice(p domain.Product, batch domain.RetailStockEntry) (decimal.Decimal, error) {
	if batch.PricePerTabletKHR.IsPositive() {
		return batch.PricePerTabletKHR, nil
	}
	if batch.PricePerCapsuleKHR.IsPositive() {
		return batch.PricePerCapsuleKHR, nil
	}
	return decimal.Zero, &domain.MissingPriceError{
		ProductID:   p.ID,
		ProductName: p.Name,
		UnitID:      domain.UnitTablet,
	}
}

// Rates holds the fixed deployment-time exchange rate. It is injected once
// from configuration; nothing fetches a rate at runtime.
type Rates struct {
	KHRPerUSD decimal.Decimal
}

// DefaultKHRPerUSD is the observed deployment rate.
const DefaultKHRPerUSD = 4100

func NewRates(khrPerUSD float64) Rates {
	if khrPerUSD <= 0 {
		khrPerUSD = DefaultKHRPerUSD
	}
	return Rates{KHRPerUSD: decimal.NewFromFloat(khrPerUSD)}
}

// NormalizeToUSD converts an amount in the given currency to USD.
func (r Rates) NormalizeToUSD(amount decimal.Decimal, currency string) decimal.Decimal {
	if currency == domain.CurrencyKHR {
		return amount.Div(r.KHRPerUSD)
	}
	return amount
}

// NormalizeToKHR converts a USD amount to KHR.
func (r Rates) NormalizeToKHR(amountUSD decimal.Decimal) decimal.Decimal {
	return amountUSD.Mul(r.KHRPerUSD)
}
