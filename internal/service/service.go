// Package service coordinates the engines behind the HTTP boundary:
// catalog lookups, wholesale-to-retail transfers, package composition,
// cart mirroring and sale submission, with audit logging on mutations.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"pharmapos/backend/internal/cart"
	"pharmapos/backend/internal/checkout"
	"pharmapos/backend/internal/composer"
	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/ledger"
	"pharmapos/backend/internal/mirror"
	"pharmapos/backend/internal/pricing"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo              store.Repository
	ledger            *ledger.Ledger
	composer          *composer.Composer
	mirror            mirror.CartMirror
	rates             pricing.Rates
	defaultTerminalID string
}

func New(repo store.Repository, cartMirror mirror.CartMirror, rates pricing.Rates, defaultTerminalID string) *Service {
	if cartMirror == nil {
		cartMirror = mirror.NoopCartMirror{}
	}
	if defaultTerminalID == "" {
		defaultTerminalID = "terminal-1"
	}

	return &Service{
		repo:              repo,
		ledger:            ledger.New(repo),
		composer:          composer.New(repo),
		mirror:            cartMirror,
		rates:             rates,
		defaultTerminalID: defaultTerminalID,
	}
}

func (s *Service) Rates() pricing.Rates {
	return s.rates
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, domain.NewValidationError("product id is required", "id")
	}
	product, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) FindProductByBarcode(ctx context.Context, barcode string) (domain.Product, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return domain.Product{}, domain.NewValidationError("barcode is required", "barcode")
	}
	product, err := s.repo.FindProductByBarcode(ctx, barcode)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) ListWholesaleStock(ctx context.Context) ([]domain.WholesaleStock, error) {
	return s.repo.ListWholesaleStock(ctx)
}

func (s *Service) TransferToRetail(ctx context.Context, req domain.RetailTransferRequest) (domain.RetailStockEntry, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return domain.RetailStockEntry{}, fmt.Errorf("authenticated operator required")
	}

	created, err := s.ledger.TransferToRetail(ctx, req)
	if err != nil {
		return domain.RetailStockEntry{}, err
	}

	s.logAudit(ctx, "stock_transfer", "retail_batch", created.ID,
		fmt.Sprintf("wholesale=%s,boxes=%d", req.WholesaleStockID, req.QuantityBoxes))
	return *created, nil
}

func (s *Service) AdjustRetailBatch(ctx context.Context, batchID string, adj domain.RetailBatchAdjustment) (domain.RetailStockEntry, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return domain.RetailStockEntry{}, fmt.Errorf("authenticated operator required")
	}
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return domain.RetailStockEntry{}, domain.NewValidationError("batch id is required", "batch_id")
	}

	updated, err := s.ledger.AdjustRetailEntry(ctx, batchID, adj)
	if err != nil {
		return domain.RetailStockEntry{}, err
	}

	s.logAudit(ctx, "retail_batch_adjust", "retail_batch", updated.ID, "overwrite adjustment")
	return *updated, nil
}

func (s *Service) ListRetailBatches(ctx context.Context, productID string) ([]domain.RetailStockEntry, error) {
	return s.ledger.ListBatches(ctx, strings.TrimSpace(productID))
}

func (s *Service) ListPackages(ctx context.Context) ([]domain.Package, error) {
	return s.repo.ListPackages(ctx)
}

func (s *Service) GetPackage(ctx context.Context, id string) (domain.Package, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Package{}, domain.NewValidationError("package id is required", "id")
	}
	pkg, err := s.repo.GetPackageByID(ctx, id)
	if err != nil {
		return domain.Package{}, err
	}
	return *pkg, nil
}

// SavePackage replays the requested lines through the composer so every
// line passes the same availability bounds as interactive editing, then
// persists the draft.
func (s *Service) SavePackage(ctx context.Context, req domain.PackageSaveRequest) (domain.Package, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return domain.Package{}, fmt.Errorf("authenticated operator required")
	}
	if len(req.Items) == 0 {
		return domain.Package{}, domain.NewValidationError("package needs at least one line", "items")
	}

	draft := composer.Draft{ID: strings.TrimSpace(req.ID)}
	if draft.ID != "" {
		if _, err := s.repo.GetPackageByID(ctx, draft.ID); err != nil {
			return domain.Package{}, err
		}
	}
	draft = draft.WithName(req.Name)

	var err error
	for _, item := range req.Items {
		draft, err = s.composer.AddLine(ctx, draft, strings.TrimSpace(item.RetailStockEntryID), item.UsedQuantity)
		if err != nil {
			return domain.Package{}, err
		}
	}

	saved, err := s.composer.Save(ctx, draft)
	if err != nil {
		return domain.Package{}, err
	}

	action := "package_create"
	if draft.ID != "" {
		action = "package_update"
	}
	s.logAudit(ctx, action, "package", saved.ID,
		fmt.Sprintf("name=%s,lines=%d,total_khr=%s", saved.Name, len(saved.Items), saved.TotalPriceKHR.StringFixed(0)))
	return *saved, nil
}

func (s *Service) DeletePackage(ctx context.Context, id string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return fmt.Errorf("admin role required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.NewValidationError("package id is required", "id")
	}

	if err := s.composer.Delete(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "package_delete", "package", id, "")
	return nil
}

// SubmitSale validates tender against the cart totals, partitions the
// lines into the order payload and records the sale. The request id makes
// the whole call idempotent: a replay returns the recorded sale untouched.
func (s *Service) SubmitSale(ctx context.Context, req domain.SaleSubmitRequest) (domain.SaleSubmitResponse, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return domain.SaleSubmitResponse{}, fmt.Errorf("authenticated operator required")
	}
	if req.RequestID == "" {
		req.RequestID = xid.New("req")
	}

	if existing, err := s.repo.FindSaleByRequestID(ctx, req.RequestID); err == nil {
		return domain.SaleSubmitResponse{Sale: *existing, Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.SaleSubmitResponse{}, err
	}

	c := cart.FromLines(req.Lines)
	totals := c.Totals(s.rates)

	order, err := checkout.BuildOrderPayload(c, req.PaymentMethod, time.Now().UTC())
	if err != nil {
		return domain.SaleSubmitResponse{}, err
	}

	flow := checkout.NewFlow()
	for _, step := range []checkout.State{checkout.StateReviewing, checkout.StateTenderEntry} {
		if err := flow.Advance(step); err != nil {
			return domain.SaleSubmitResponse{}, err
		}
	}

	sale := domain.Sale{
		ID:            xid.New("sale"),
		RequestID:     req.RequestID,
		SaleDate:      order.SaleDate,
		PaymentMethod: order.PaymentMethod,
		TotalUSD:      totals.TotalUSD,
		TotalKHR:      totals.TotalKHR,
		DirectItems:   order.DirectItems,
		PackageItems:  order.PackageItems,
	}

	switch req.PaymentMethod {
	case domain.PaymentMethodCash:
		tender, err := checkout.ValidateCashTender(totals, req.TenderedUSD, req.TenderedKHR, s.rates)
		if err != nil {
			return domain.SaleSubmitResponse{}, err
		}
		sale.TenderedUSD = tender.TenderedUSD
		sale.TenderedKHR = tender.TenderedKHR
		sale.ChangeUSD = tender.ChangeUSD
		sale.ChangeKHR = tender.ChangeKHR
	case domain.PaymentMethodCard:
		digits, err := checkout.ValidateCardTender(req.CardNumber)
		if err != nil {
			return domain.SaleSubmitResponse{}, err
		}
		sale.CardNumber = digits
		sale.TenderedUSD = totals.TotalUSD
		sale.TenderedKHR = totals.TotalKHR
	}

	for _, step := range []checkout.State{checkout.StateValidated, checkout.StateSubmitted} {
		if err := flow.Advance(step); err != nil {
			return domain.SaleSubmitResponse{}, err
		}
	}

	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			_ = flow.Advance(checkout.StateRejected)
			return domain.SaleSubmitResponse{}, &domain.RemoteRejectionError{
				Op:      "sale submission",
				Message: "stock changed during submission",
			}
		}
		return domain.SaleSubmitResponse{}, err
	}
	if err := flow.Advance(checkout.StateConfirmed); err != nil {
		return domain.SaleSubmitResponse{}, err
	}

	if err := s.mirror.Clear(ctx, s.defaultTerminalID); err != nil {
		log.Printf("[service] WARN: failed to clear cart mirror terminal=%s: %v", s.defaultTerminalID, err)
	}

	s.logAudit(ctx, "sale_submit", "sale", created.ID,
		fmt.Sprintf("payment=%s,total_usd=%s,lines=%d,state=%s",
			created.PaymentMethod, created.TotalUSD.StringFixed(2), len(req.Lines), flow.State()))

	return domain.SaleSubmitResponse{Sale: *created}, nil
}

func (s *Service) LoadMirroredCart(ctx context.Context, terminalID string) (domain.MirroredCart, bool, error) {
	if terminalID == "" {
		terminalID = s.defaultTerminalID
	}
	return s.mirror.Load(ctx, terminalID)
}

func (s *Service) SaveMirroredCart(ctx context.Context, terminalID string, lines []domain.CartLine) (domain.MirroredCart, error) {
	if terminalID == "" {
		terminalID = s.defaultTerminalID
	}
	snapshot := domain.MirroredCart{
		TerminalID: terminalID,
		Lines:      lines,
		SavedAt:    time.Now().UTC(),
	}
	if err := s.mirror.Save(ctx, snapshot); err != nil {
		return domain.MirroredCart{}, err
	}
	return snapshot, nil
}

func (s *Service) ClearMirroredCart(ctx context.Context, terminalID string) error {
	if terminalID == "" {
		terminalID = s.defaultTerminalID
	}
	return s.mirror.Clear(ctx, terminalID)
}

func (s *Service) CartTotals(lines []domain.CartLine) cart.Totals {
	return cart.FromLines(lines).Totals(s.rates)
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}
	if limit < 1 {
		limit = 50
	}
	return s.repo.ListAuditLogs(ctx, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}
