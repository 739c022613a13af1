package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/pricing"
	"pharmapos/backend/internal/store/memory"
)

// memoryMirror is a test double that records snapshots and clears.
type memoryMirror struct {
	mu       sync.Mutex
	carts    map[string]domain.MirroredCart
	clearLog []string
}

func newMemoryMirror() *memoryMirror {
	return &memoryMirror{carts: make(map[string]domain.MirroredCart)}
}

func (m *memoryMirror) Load(_ context.Context, terminalID string) (domain.MirroredCart, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, ok := m.carts[terminalID]
	return snapshot, ok, nil
}

func (m *memoryMirror) Save(_ context.Context, snapshot domain.MirroredCart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carts[snapshot.TerminalID] = snapshot
	return nil
}

func (m *memoryMirror) Clear(_ context.Context, terminalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.carts, terminalID)
	m.clearLog = append(m.clearLog, terminalID)
	return nil
}

func newTestService() (*Service, *memoryMirror) {
	m := newMemoryMirror()
	svc := New(memory.NewSeeded(), m, pricing.NewRates(4100), "terminal-1")
	return svc, m
}

func pharmacistCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "dara", Role: "pharmacist"})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func saleLines() []domain.CartLine {
	return []domain.CartLine{
		{
			Kind:        domain.LineKindProduct,
			ReferenceID: "prod-para-500",
			Name:        "Paracetamol 500mg",
			Quantity:    2,
			UnitPrice:   decimal.NewFromFloat(3.00),
			Currency:    domain.CurrencyUSD,
		},
		{
			Kind:        domain.LineKindPackage,
			ReferenceID: "pkg-flu",
			Name:        "Flu Combo",
			Quantity:    1,
			UnitPrice:   decimal.NewFromInt(12300),
			Currency:    domain.CurrencyKHR,
		},
	}
}

func TestSubmitSaleCash(t *testing.T) {
	svc, m := newTestService()
	tendered := decimal.NewFromInt(10)

	resp, err := svc.SubmitSale(pharmacistCtx(), domain.SaleSubmitRequest{
		RequestID:     "req-cash-1",
		PaymentMethod: domain.PaymentMethodCash,
		TenderedUSD:   &tendered,
		Lines:         saleLines(),
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if resp.Duplicate {
		t.Fatalf("fresh submission flagged duplicate")
	}

	sale := resp.Sale
	if !sale.TotalUSD.Equal(decimal.NewFromInt(9)) {
		t.Fatalf("expected total 9.00 USD, got %s", sale.TotalUSD)
	}
	if !sale.TotalKHR.Equal(decimal.NewFromInt(36900)) {
		t.Fatalf("expected total 36900 KHR, got %s", sale.TotalKHR)
	}
	if !sale.ChangeUSD.Equal(decimal.NewFromInt(1)) || !sale.ChangeKHR.Equal(decimal.NewFromInt(4100)) {
		t.Fatalf("expected change 1.00 USD / 4100 KHR, got %s / %s", sale.ChangeUSD, sale.ChangeKHR)
	}
	if len(sale.DirectItems) != 1 || len(sale.PackageItems) != 1 {
		t.Fatalf("expected partitioned items, got %d direct and %d package",
			len(sale.DirectItems), len(sale.PackageItems))
	}

	if len(m.clearLog) != 1 || m.clearLog[0] != "terminal-1" {
		t.Fatalf("expected cart mirror cleared once for terminal-1, got %v", m.clearLog)
	}
}

func TestSubmitSaleIsIdempotentByRequestID(t *testing.T) {
	svc, _ := newTestService()
	tendered := decimal.NewFromInt(10)
	req := domain.SaleSubmitRequest{
		RequestID:     "req-replay",
		PaymentMethod: domain.PaymentMethodCash,
		TenderedUSD:   &tendered,
		Lines:         saleLines(),
	}

	first, err := svc.SubmitSale(pharmacistCtx(), req)
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}

	second, err := svc.SubmitSale(pharmacistCtx(), req)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("replay not flagged duplicate")
	}
	if second.Sale.ID != first.Sale.ID {
		t.Fatalf("replay returned a different sale: %s vs %s", second.Sale.ID, first.Sale.ID)
	}
}

func TestSubmitSaleUnderpaymentRejected(t *testing.T) {
	svc, m := newTestService()
	tendered := decimal.NewFromInt(5)

	_, err := svc.SubmitSale(pharmacistCtx(), domain.SaleSubmitRequest{
		RequestID:     "req-under",
		PaymentMethod: domain.PaymentMethodCash,
		TenderedUSD:   &tendered,
		Lines:         saleLines(),
	})
	var under *domain.UnderpaymentError
	if !errors.As(err, &under) {
		t.Fatalf("expected UnderpaymentError, got %v", err)
	}

	if len(m.clearLog) != 0 {
		t.Fatalf("mirror cleared despite rejected sale")
	}
	if _, err := svc.repo.FindSaleByRequestID(context.Background(), "req-under"); err == nil {
		t.Fatalf("rejected sale was persisted")
	}
}

func TestSubmitSaleCard(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.SubmitSale(pharmacistCtx(), domain.SaleSubmitRequest{
		RequestID:     "req-card-short",
		PaymentMethod: domain.PaymentMethodCard,
		CardNumber:    "1234-5678-9012-345",
		Lines:         saleLines(),
	})
	var invalid *domain.InvalidCardError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidCardError, got %v", err)
	}

	resp, err := svc.SubmitSale(pharmacistCtx(), domain.SaleSubmitRequest{
		RequestID:     "req-card-ok",
		PaymentMethod: domain.PaymentMethodCard,
		CardNumber:    "1234 5678 9012 3456",
		Lines:         saleLines(),
	})
	if err != nil {
		t.Fatalf("card submit failed: %v", err)
	}
	if resp.Sale.CardNumber != "1234567890123456" {
		t.Fatalf("expected normalized card digits, got %q", resp.Sale.CardNumber)
	}
	if !resp.Sale.ChangeUSD.IsZero() {
		t.Fatalf("card sale must carry no change, got %s", resp.Sale.ChangeUSD)
	}
}

func TestSubmitSaleEmptyCart(t *testing.T) {
	svc, _ := newTestService()
	tendered := decimal.NewFromInt(10)

	_, err := svc.SubmitSale(pharmacistCtx(), domain.SaleSubmitRequest{
		RequestID:     "req-empty",
		PaymentMethod: domain.PaymentMethodCash,
		TenderedUSD:   &tendered,
	})
	if !errors.Is(err, domain.ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
}

func TestSubmitSaleRequiresActor(t *testing.T) {
	svc, _ := newTestService()
	tendered := decimal.NewFromInt(10)

	_, err := svc.SubmitSale(context.Background(), domain.SaleSubmitRequest{
		RequestID:     "req-anon",
		PaymentMethod: domain.PaymentMethodCash,
		TenderedUSD:   &tendered,
		Lines:         saleLines(),
	})
	if err == nil {
		t.Fatalf("expected unauthenticated submission to fail")
	}
}

func TestTransferAndPackageLifecycle(t *testing.T) {
	svc, _ := newTestService()
	ctx := pharmacistCtx()

	batch, err := svc.TransferToRetail(ctx, domain.RetailTransferRequest{
		WholesaleStockID:  "ws-para-01",
		QuantityBoxes:     2,
		PricePerTabletKHR: decimal.NewFromInt(200),
	})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	pkg, err := svc.SavePackage(ctx, domain.PackageSaveRequest{
		Name: "Fever Pack",
		Items: []domain.PackageLineRequest{
			{RetailStockEntryID: batch.ID, UsedQuantity: 10},
		},
	})
	if err != nil {
		t.Fatalf("save package failed: %v", err)
	}
	if !pkg.TotalPriceKHR.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("expected package total 2000 KHR, got %s", pkg.TotalPriceKHR)
	}

	// Pharmacists cannot delete packages.
	if err := svc.DeletePackage(ctx, pkg.ID); err == nil {
		t.Fatalf("expected pharmacist delete to be rejected")
	}
	if err := svc.DeletePackage(adminCtx(), pkg.ID); err != nil {
		t.Fatalf("admin delete failed: %v", err)
	}

	packages, err := svc.ListPackages(ctx)
	if err != nil {
		t.Fatalf("list packages failed: %v", err)
	}
	if len(packages) != 0 {
		t.Fatalf("expected no packages after delete, got %d", len(packages))
	}
}

func TestSavePackageUpdateKeepsID(t *testing.T) {
	svc, _ := newTestService()
	ctx := pharmacistCtx()

	batch, err := svc.TransferToRetail(ctx, domain.RetailTransferRequest{
		WholesaleStockID:  "ws-ibu-01",
		QuantityBoxes:     1,
		PricePerTabletKHR: decimal.NewFromInt(250),
	})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	created, err := svc.SavePackage(ctx, domain.PackageSaveRequest{
		Name:  "Pain Pack",
		Items: []domain.PackageLineRequest{{RetailStockEntryID: batch.ID, UsedQuantity: 5}},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	updated, err := svc.SavePackage(ctx, domain.PackageSaveRequest{
		ID:    created.ID,
		Name:  "Pain Pack XL",
		Items: []domain.PackageLineRequest{{RetailStockEntryID: batch.ID, UsedQuantity: 8}},
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.ID != created.ID {
		t.Fatalf("update created a new package: %s vs %s", updated.ID, created.ID)
	}
	if !updated.TotalPriceKHR.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("expected recomputed total 2000, got %s", updated.TotalPriceKHR)
	}
}

func TestMirroredCartRoundTrip(t *testing.T) {
	svc, _ := newTestService()
	ctx := pharmacistCtx()

	_, found, err := svc.LoadMirroredCart(ctx, "")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if found {
		t.Fatalf("expected no mirrored cart initially")
	}

	saved, err := svc.SaveMirroredCart(ctx, "", saleLines())
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if saved.TerminalID != "terminal-1" {
		t.Fatalf("expected default terminal id, got %s", saved.TerminalID)
	}

	loaded, found, err := svc.LoadMirroredCart(ctx, "terminal-1")
	if err != nil || !found {
		t.Fatalf("expected mirrored cart found, err=%v", err)
	}
	if len(loaded.Lines) != 2 {
		t.Fatalf("expected 2 mirrored lines, got %d", len(loaded.Lines))
	}

	if err := svc.ClearMirroredCart(ctx, ""); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if _, found, _ := svc.LoadMirroredCart(ctx, "terminal-1"); found {
		t.Fatalf("expected mirror empty after clear")
	}
}

func TestNoopMirrorDefault(t *testing.T) {
	svc := New(memory.NewSeeded(), nil, pricing.NewRates(4100), "")
	if _, found, err := svc.LoadMirroredCart(context.Background(), ""); err != nil || found {
		t.Fatalf("expected noop mirror to report nothing, found=%v err=%v", found, err)
	}
}

func TestAuditLogsAdminOnly(t *testing.T) {
	svc, _ := newTestService()

	if _, err := svc.ListAuditLogs(pharmacistCtx(), 10); err == nil {
		t.Fatalf("expected pharmacist audit access to be rejected")
	}

	tendered := decimal.NewFromInt(10)
	if _, err := svc.SubmitSale(pharmacistCtx(), domain.SaleSubmitRequest{
		RequestID:     "req-audit",
		PaymentMethod: domain.PaymentMethodCash,
		TenderedUSD:   &tendered,
		Lines:         saleLines(),
	}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	logs, err := svc.ListAuditLogs(adminCtx(), 10)
	if err != nil {
		t.Fatalf("admin audit access failed: %v", err)
	}
	if len(logs) == 0 {
		t.Fatalf("expected at least one audit entry after sale")
	}

	var submitted *domain.AuditLog
	for i := range logs {
		if logs[i].Action == "sale_submit" {
			submitted = &logs[i]
			break
		}
	}
	if submitted == nil {
		t.Fatalf("expected a sale_submit audit entry, got %v", logs)
	}
	// The checkout flow runs inside submission and finishes confirmed.
	if !strings.Contains(submitted.Detail, "state=confirmed") {
		t.Fatalf("expected confirmed checkout state in detail, got %q", submitted.Detail)
	}
}

func TestCartTotalsHelper(t *testing.T) {
	svc, _ := newTestService()
	totals := svc.CartTotals(saleLines())
	if !totals.TotalUSD.Equal(decimal.NewFromInt(9)) {
		t.Fatalf("expected 9.00 USD, got %s", totals.TotalUSD)
	}
}
