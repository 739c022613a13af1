package pricing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"pharmapos/backend/internal/domain"
)

func khr(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func tabletProduct() domain.Product {
	return domain.Product{
		ID:   "prod-1",
		Name: "Paracetamol 500mg",
		PackagingUnits: []domain.PackagingUnit{
			{UnitID: domain.UnitBox, Label: "Box", Factor: 100, IsBox: true, StripsPerBox: 10, TabletsPerBox: 100},
			{UnitID: domain.UnitStrip, Label: "Strip", Factor: 10, RetailPriceKHR: khr(2000)},
			{UnitID: domain.UnitTablet, Label: "Tablet", Factor: 1, RetailPriceKHR: khr(200)},
		},
	}
}

func TestUnitsPerBoxPrefersTabletFactor(t *testing.T) {
	if got := UnitsPerBox(tabletProduct()); got != 100 {
		t.Fatalf("expected 100 units per box, got %d", got)
	}

	stripOnly := domain.Product{
		PackagingUnits: []domain.PackagingUnit{
			{UnitID: domain.UnitBox, IsBox: true, StripsPerBox: 10},
		},
	}
	if got := UnitsPerBox(stripOnly); got != 10 {
		t.Fatalf("expected strip fallback of 10, got %d", got)
	}
}

func TestStripsPerBox(t *testing.T) {
	if got := StripsPerBox(tabletProduct()); got != 10 {
		t.Fatalf("expected 10 strips per box, got %d", got)
	}
	if got := StripsPerBox(domain.Product{}); got != 0 {
		t.Fatalf("expected 0 when no box unit exists, got %d", got)
	}
}

func TestUnitsPerBoxZeroWhenNotConvertible(t *testing.T) {
	bottle := domain.Product{
		PackagingUnits: []domain.PackagingUnit{
			{UnitID: domain.UnitBox, Label: "Bottle", Factor: 1, IsBox: true},
		},
	}
	if got := UnitsPerBox(bottle); got != 0 {
		t.Fatalf("expected 0 for bottle product, got %d", got)
	}
	if got := UnitsPerBox(domain.Product{}); got != 0 {
		t.Fatalf("expected 0 when no box unit exists, got %d", got)
	}
}

func TestUnitPriceMissingConfiguration(t *testing.T) {
	p := tabletProduct()

	price, err := UnitPrice(p, domain.UnitTablet)
	if err != nil {
		t.Fatalf("unit price failed: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("expected 200 KHR, got %s", price)
	}

	_, err = UnitPrice(p, domain.UnitBox)
	var missing *domain.MissingPriceError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingPriceError, got %v", err)
	}
	if missing.UnitID != domain.UnitBox {
		t.Fatalf("expected error to name the box unit, got %q", missing.UnitID)
	}
}

func TestBatchUnitPriceFallsBackToCapsule(t *testing.T) {
	p := tabletProduct()

	tabletBatch := domain.RetailStockEntry{PricePerTabletKHR: decimal.NewFromInt(200)}
	price, err := BatchUnitPrice(p, tabletBatch)
	if err != nil {
		t.Fatalf("batch price failed: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("expected tablet price 200, got %s", price)
	}

	capsuleBatch := domain.RetailStockEntry{PricePerCapsuleKHR: decimal.NewFromInt(300)}
	price, err = BatchUnitPrice(p, capsuleBatch)
	if err != nil {
		t.Fatalf("batch price failed: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("expected capsule price 300, got %s", price)
	}

	var missing *domain.MissingPriceError
	if _, err := BatchUnitPrice(p, domain.RetailStockEntry{}); !errors.As(err, &missing) {
		t.Fatalf("expected MissingPriceError for unpriced batch, got %v", err)
	}
}

func TestRatesNormalization(t *testing.T) {
	rates := NewRates(4100)

	usd := rates.NormalizeToUSD(decimal.NewFromInt(12300), domain.CurrencyKHR)
	if !usd.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected 12300 KHR to be 3 USD, got %s", usd)
	}

	same := rates.NormalizeToUSD(decimal.NewFromFloat(4.5), domain.CurrencyUSD)
	if !same.Equal(decimal.NewFromFloat(4.5)) {
		t.Fatalf("expected USD amount to pass through, got %s", same)
	}

	khrTotal := rates.NormalizeToKHR(decimal.NewFromInt(9))
	if !khrTotal.Equal(decimal.NewFromInt(36900)) {
		t.Fatalf("expected 9 USD to be 36900 KHR, got %s", khrTotal)
	}
}

func TestNewRatesRejectsNonPositive(t *testing.T) {
	rates := NewRates(-1)
	if !rates.KHRPerUSD.Equal(decimal.NewFromInt(DefaultKHRPerUSD)) {
		t.Fatalf("expected default rate %d, got %s", DefaultKHRPerUSD, rates.KHRPerUSD)
	}
}
