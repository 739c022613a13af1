// Package ledger moves stock from wholesale boxes into priced retail
// batches and keeps batch bookkeeping consistent. Availability is always
// computed per batch; batches of the same product never pool.
package ledger

import (
	"context"
	"fmt"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/pricing"
	"pharmapos/backend/internal/store"
)

type Ledger struct {
	repo store.Repository
}

func New(repo store.Repository) *Ledger {
	return &Ledger{repo: repo}
}

// AvailableRetailUnits returns how many retail units the batch still
// represents: converted boxes times the product's per-box factor.
func AvailableRetailUnits(p domain.Product, batch domain.RetailStockEntry) int {
	return batch.QuantityBoxesConverted * pricing.UnitsPerBox(p)
}

// TransferToRetail converts wholesale boxes into a new retail batch. The
// local quantity check is fast-path validation only; the repository call
// deducts and creates atomically and remains the source of truth.
func (l *Ledger) TransferToRetail(ctx context.Context, req domain.RetailTransferRequest) (*domain.RetailStockEntry, error) {
	if req.QuantityBoxes < 1 {
		return nil, domain.NewValidationError("quantity of boxes must be at least 1", "quantity_boxes")
	}
	if req.PricePerTabletKHR.IsNegative() || req.PricePerCapsuleKHR.IsNegative() {
		fields := make([]string, 0, 2)
		if req.PricePerTabletKHR.IsNegative() {
			fields = append(fields, "price_per_tablet_khr")
		}
		if req.PricePerCapsuleKHR.IsNegative() {
			fields = append(fields, "price_per_capsule_khr")
		}
		return nil, domain.NewValidationError("prices must not be negative", fields...)
	}

	ws, err := l.repo.GetWholesaleStockByID(ctx, req.WholesaleStockID)
	if err != nil {
		return nil, fmt.Errorf("load wholesale stock %s: %w", req.WholesaleStockID, err)
	}
	product, err := l.repo.GetProductByID(ctx, ws.ProductID)
	if err != nil {
		return nil, fmt.Errorf("load product %s: %w", ws.ProductID, err)
	}

	unitsPerBox := pricing.UnitsPerBox(*product)
	if unitsPerBox == 0 {
		return nil, &domain.UnsupportedProductError{ProductID: product.ID, ProductName: product.Name}
	}
	if req.QuantityBoxes > ws.QuantityBoxes {
		return nil, &domain.InsufficientStockError{
			WholesaleStockID: ws.ID,
			ProductName:      product.Name,
			RequestedBoxes:   req.QuantityBoxes,
			AvailableBoxes:   ws.QuantityBoxes,
		}
	}

	units := req.QuantityBoxes * unitsPerBox
	batch := domain.RetailStockEntry{
		ProductID:          product.ID,
		PricePerTabletKHR:  req.PricePerTabletKHR,
		PricePerCapsuleKHR: req.PricePerCapsuleKHR,
	}
	// The converted units land in whichever retail pool the operator
	// priced; an unpriced pool stays empty.
	if req.PricePerTabletKHR.IsPositive() {
		batch.TabletUnitsAvailable = units
	}
	if req.PricePerCapsuleKHR.IsPositive() {
		batch.CapsuleUnitsAvailable = units
	}

	created, err := l.repo.ConvertWholesaleToRetail(ctx, ws.ID, req.QuantityBoxes, batch)
	if err != nil {
		if err == store.ErrConflict {
			return nil, &domain.RemoteRejectionError{
				Op:      "stock transfer",
				Message: fmt.Sprintf("wholesale stock %s changed during transfer", ws.ID),
			}
		}
		return nil, err
	}
	return created, nil
}

// AdjustRetailEntry overwrites the supplied batch fields. Overwrite
// semantics, not deltas: a supplied field replaces the stored value.
func (l *Ledger) AdjustRetailEntry(ctx context.Context, batchID string, adj domain.RetailBatchAdjustment) (*domain.RetailStockEntry, error) {
	fields := make([]string, 0, 4)
	if adj.TabletUnits != nil && *adj.TabletUnits < 0 {
		fields = append(fields, "tablet_units")
	}
	if adj.CapsuleUnits != nil && *adj.CapsuleUnits < 0 {
		fields = append(fields, "capsule_units")
	}
	if adj.PricePerTabletKHR != nil && adj.PricePerTabletKHR.IsNegative() {
		fields = append(fields, "price_per_tablet_khr")
	}
	if adj.PricePerCapsuleKHR != nil && adj.PricePerCapsuleKHR.IsNegative() {
		fields = append(fields, "price_per_capsule_khr")
	}
	if len(fields) > 0 {
		return nil, domain.NewValidationError("adjusted values must not be negative", fields...)
	}

	batch, err := l.repo.GetRetailBatchByID(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load retail batch %s: %w", batchID, err)
	}

	if adj.TabletUnits != nil {
		batch.TabletUnitsAvailable = *adj.TabletUnits
	}
	if adj.CapsuleUnits != nil {
		batch.CapsuleUnitsAvailable = *adj.CapsuleUnits
	}
	if adj.PricePerTabletKHR != nil {
		batch.PricePerTabletKHR = *adj.PricePerTabletKHR
	}
	if adj.PricePerCapsuleKHR != nil {
		batch.PricePerCapsuleKHR = *adj.PricePerCapsuleKHR
	}

	return l.repo.UpdateRetailBatch(ctx, *batch)
}

// ListBatches returns the retail batches, optionally filtered by product.
func (l *Ledger) ListBatches(ctx context.Context, productID string) ([]domain.RetailStockEntry, error) {
	return l.repo.ListRetailBatches(ctx, productID)
}
