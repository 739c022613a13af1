package store

import (
	"context"
	"errors"

	"pharmapos/backend/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflicting concurrent update")
	ErrInvalidInput = errors.New("invalid input")
)

// Repository is the persistence collaborator. Commit authority lives here:
// the wholesale deduction of ConvertWholesaleToRetail is a single atomic
// step, and CreateSale dedups on the client-generated request id.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	FindProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error)

	ListWholesaleStock(ctx context.Context) ([]domain.WholesaleStock, error)
	GetWholesaleStockByID(ctx context.Context, id string) (*domain.WholesaleStock, error)

	// ConvertWholesaleToRetail deducts quantityBoxes from the wholesale row
	// and creates the batch in one transaction. ErrConflict when the
	// wholesale quantity changed underneath the caller.
	ConvertWholesaleToRetail(ctx context.Context, wholesaleStockID string, quantityBoxes int, batch domain.RetailStockEntry) (*domain.RetailStockEntry, error)
	GetRetailBatchByID(ctx context.Context, id string) (*domain.RetailStockEntry, error)
	ListRetailBatches(ctx context.Context, productID string) ([]domain.RetailStockEntry, error)
	UpdateRetailBatch(ctx context.Context, batch domain.RetailStockEntry) (*domain.RetailStockEntry, error)

	CreatePackage(ctx context.Context, pkg domain.Package) (*domain.Package, error)
	UpdatePackage(ctx context.Context, pkg domain.Package) (*domain.Package, error)
	DeletePackage(ctx context.Context, id string) error
	GetPackageByID(ctx context.Context, id string) (*domain.Package, error)
	ListPackages(ctx context.Context) ([]domain.Package, error)

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	FindSaleByRequestID(ctx context.Context, requestID string) (*domain.Sale, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
