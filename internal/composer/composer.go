// Package composer builds and edits package drafts: bundles of partial
// retail-batch quantities sold as one catalog line. Drafts are values;
// every operation returns the updated draft and leaves its input alone,
// so closing a composer without saving discards everything.
package composer

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/pricing"
	"pharmapos/backend/internal/store"
)

// Draft is an unsaved package. ID is empty until the first save; a saved
// package loaded for editing keeps its id so Save updates in place.
type Draft struct {
	ID    string
	Name  string
	Lines []domain.PackageItem
}

// DraftFromPackage opens a saved package for editing.
func DraftFromPackage(pkg domain.Package) Draft {
	return Draft{
		ID:    pkg.ID,
		Name:  pkg.Name,
		Lines: slices.Clone(pkg.Items),
	}
}

// TotalKHR is the running draft total, the sum of line subtotals.
func (d Draft) TotalKHR() decimal.Decimal {
	return sumSubtotals(d.Lines)
}

// WithName returns the draft renamed.
func (d Draft) WithName(name string) Draft {
	d.Name = name
	d.Lines = slices.Clone(d.Lines)
	return d
}

// RemoveLine drops the batch's line entirely; there is no partial
// reduction. Removing an absent batch is a no-op.
func (d Draft) RemoveLine(batchID string) Draft {
	lines := make([]domain.PackageItem, 0, len(d.Lines))
	for _, line := range d.Lines {
		if line.RetailStockEntryID == batchID {
			continue
		}
		lines = append(lines, line)
	}
	d.Lines = lines
	return d
}

type Composer struct {
	repo store.Repository
}

func New(repo store.Repository) *Composer {
	return &Composer{repo: repo}
}

// AddLine adds desiredUnits of the batch to the draft. When the draft
// already holds a line for the batch the quantities merge and the
// subtotal is recomputed with the line's original unit price, so editing
// never picks up a price change made since the line was first added.
func (c *Composer) AddLine(ctx context.Context, draft Draft, batchID string, desiredUnits int) (Draft, error) {
	batch, product, totalAvailable, err := c.resolveBatch(ctx, batchID)
	if err != nil {
		return draft, err
	}
	if desiredUnits <= 0 {
		return draft, domain.NewValidationError("desired units must be at least 1", "desired_units")
	}
	if desiredUnits > totalAvailable {
		return draft, &domain.StockExceededError{
			BatchID:     batch.ID,
			ProductName: product.Name,
			Requested:   desiredUnits,
			Available:   totalAvailable,
		}
	}

	next := draft
	next.Lines = slices.Clone(draft.Lines)

	for i, line := range next.Lines {
		if line.RetailStockEntryID != batchID {
			continue
		}
		line.UsedQuantity += desiredUnits
		line.SubtotalKHR = line.UnitPriceKHR.Mul(decimalFromInt(line.UsedQuantity))
		next.Lines[i] = line
		return next, nil
	}

	unitPrice, err := pricing.BatchUnitPrice(*product, *batch)
	if err != nil {
		return draft, err
	}
	next.Lines = append(next.Lines, domain.PackageItem{
		RetailStockEntryID: batchID,
		UsedQuantity:       desiredUnits,
		UnitPriceKHR:       unitPrice,
		SubtotalKHR:        unitPrice.Mul(decimalFromInt(desiredUnits)),
	})
	return next, nil
}

// SetLineQuantity overwrites a line's quantity during editing, bounded by
// the batch's available units.
func (c *Composer) SetLineQuantity(ctx context.Context, draft Draft, batchID string, newQuantity int) (Draft, error) {
	batch, product, totalAvailable, err := c.resolveBatch(ctx, batchID)
	if err != nil {
		return draft, err
	}
	if newQuantity <= 0 {
		return draft, domain.NewValidationError("quantity must be at least 1", "quantity")
	}
	if newQuantity > totalAvailable {
		return draft, &domain.StockExceededError{
			BatchID:     batch.ID,
			ProductName: product.Name,
			Requested:   newQuantity,
			Available:   totalAvailable,
		}
	}

	next := draft
	next.Lines = slices.Clone(draft.Lines)
	for i, line := range next.Lines {
		if line.RetailStockEntryID != batchID {
			continue
		}
		line.UsedQuantity = newQuantity
		line.SubtotalKHR = line.UnitPriceKHR.Mul(decimalFromInt(newQuantity))
		next.Lines[i] = line
		return next, nil
	}
	return draft, domain.NewValidationError(fmt.Sprintf("no draft line for batch %s", batchID), "batch_id")
}

// Save validates the draft, recomputes its total and persists it as a
// catalog package: created when the draft has no id, updated otherwise.
// All validation happens before the repository call; a failed save leaves
// both the draft and the catalog untouched.
func (c *Composer) Save(ctx context.Context, draft Draft) (*domain.Package, error) {
	name := strings.TrimSpace(draft.Name)
	if name == "" {
		return nil, domain.NewValidationError("package name is required", "name")
	}
	if len(draft.Lines) == 0 {
		return nil, domain.NewValidationError("package needs at least one line", "items")
	}

	items := slices.Clone(draft.Lines)
	total := sumSubtotals(items)

	pkg := domain.Package{
		ID:            draft.ID,
		Name:          name,
		Items:         items,
		TotalPriceKHR: total,
	}

	if draft.ID == "" {
		return c.repo.CreatePackage(ctx, pkg)
	}
	return c.repo.UpdatePackage(ctx, pkg)
}

// Delete removes a package from the catalog. Batch units consumed by the
// package are not restored.
func (c *Composer) Delete(ctx context.Context, packageID string) error {
	return c.repo.DeletePackage(ctx, packageID)
}

func (c *Composer) resolveBatch(ctx context.Context, batchID string) (*domain.RetailStockEntry, *domain.Product, int, error) {
	batch, err := c.repo.GetRetailBatchByID(ctx, batchID)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("load retail batch %s: %w", batchID, err)
	}
	product, err := c.repo.GetProductByID(ctx, batch.ProductID)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("load product %s: %w", batch.ProductID, err)
	}

	unitsPerBox := pricing.UnitsPerBox(*product)
	if unitsPerBox == 0 {
		return nil, nil, 0, &domain.UnsupportedProductError{ProductID: product.ID, ProductName: product.Name}
	}
	return batch, product, batch.QuantityBoxesConverted * unitsPerBox, nil
}

func decimalFromInt(n int) decimal.Decimal {
	return decimal.NewFromInt(int64(n))
}

func sumSubtotals(items []domain.PackageItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.SubtotalKHR)
	}
	return total
}
