package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/xid"
)

type Store struct {
	mu               sync.RWMutex
	products         map[string]domain.Product
	wholesaleByID    map[string]domain.WholesaleStock
	retailBatchByID  map[string]domain.RetailStockEntry
	packagesByID     map[string]domain.Package
	salesByID        map[string]domain.Sale
	salesByRequestID map[string]string
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_PHARMACIST_PASSWORD;
// hardcoded dev defaults are used with a warning when unset. Production
// deployments use PostgreSQL (DATABASE_URL) and never touch these.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	pharmacistPwd := envOr("SEED_PHARMACIST_PASSWORD", "pharma123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_PHARMACIST_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_PHARMACIST_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"pharmacist", pharmacistPwd, "pharmacist"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func khr(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func NewSeeded() *Store {
	now := time.Now().UTC()
	products := []domain.Product{
		{
			ID:           "prod-para-500",
			Name:         "Paracetamol 500mg",
			Barcode:      "8850123400017",
			BasePriceUSD: decimal.NewFromFloat(4.50),
			PackagingUnits: []domain.PackagingUnit{
				{UnitID: domain.UnitBox, Label: "Box (10 strips)", Factor: 100, IsBox: true, StripsPerBox: 10, TabletsPerBox: 100},
				{UnitID: domain.UnitStrip, Label: "Strip (10 tablets)", Factor: 10, RetailPriceKHR: khr(2000)},
				{UnitID: domain.UnitTablet, Label: "Tablet", Factor: 1, RetailPriceKHR: khr(200)},
			},
			Active:    true,
			CreatedAt: now,
		},
		{
			ID:           "prod-amox-250",
			Name:         "Amoxicillin 250mg",
			Barcode:      "8850123400024",
			BasePriceUSD: decimal.NewFromFloat(6.00),
			PackagingUnits: []domain.PackagingUnit{
				{UnitID: domain.UnitBox, Label: "Box (10 strips)", Factor: 100, IsBox: true, StripsPerBox: 10, TabletsPerBox: 100},
				{UnitID: domain.UnitCapsule, Label: "Capsule", Factor: 1, RetailPriceKHR: khr(300)},
			},
			Active:    true,
			CreatedAt: now,
		},
		{
			ID:           "prod-ibu-400",
			Name:         "Ibuprofen 400mg",
			Barcode:      "8850123400031",
			BasePriceUSD: decimal.NewFromFloat(5.25),
			PackagingUnits: []domain.PackagingUnit{
				{UnitID: domain.UnitBox, Label: "Box (5 strips)", Factor: 50, IsBox: true, StripsPerBox: 5, TabletsPerBox: 50},
				{UnitID: domain.UnitStrip, Label: "Strip (10 tablets)", Factor: 10, RetailPriceKHR: khr(2500)},
				{UnitID: domain.UnitTablet, Label: "Tablet", Factor: 1, RetailPriceKHR: khr(250)},
			},
			Active:    true,
			CreatedAt: now,
		},
		{
			// Bottled syrup: no box sub-factors, cannot be retail-converted.
			ID:           "prod-syrup-100",
			Name:         "Cough Syrup 100ml",
			Barcode:      "8850123400048",
			BasePriceUSD: decimal.NewFromFloat(2.75),
			PackagingUnits: []domain.PackagingUnit{
				{UnitID: domain.UnitBox, Label: "Bottle", Factor: 1, IsBox: true},
			},
			Active:    true,
			CreatedAt: now,
		},
	}

	wholesale := []domain.WholesaleStock{
		{ID: "ws-para-01", ProductID: "prod-para-500", QuantityBoxes: 40, ReceivedAt: now},
		{ID: "ws-amox-01", ProductID: "prod-amox-250", QuantityBoxes: 25, ReceivedAt: now},
		{ID: "ws-ibu-01", ProductID: "prod-ibu-400", QuantityBoxes: 30, ReceivedAt: now},
		{ID: "ws-syrup-01", ProductID: "prod-syrup-100", QuantityBoxes: 60, ReceivedAt: now},
	}

	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}
	wholesaleMap := make(map[string]domain.WholesaleStock, len(wholesale))
	for _, ws := range wholesale {
		wholesaleMap[ws.ID] = ws
	}

	return &Store{
		products:         productMap,
		wholesaleByID:    wholesaleMap,
		retailBatchByID:  make(map[string]domain.RetailStockEntry),
		packagesByID:     make(map[string]domain.Package),
		salesByID:        make(map[string]domain.Sale),
		salesByRequestID: make(map[string]string),
		auditLogs:        make([]domain.AuditLog, 0, 64),
		usersByUsername:  seedUsers(),
	}
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := p
	return &copied, nil
}

func (s *Store) FindProductByBarcode(_ context.Context, barcode string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.products {
		if p.Active && p.Barcode != "" && p.Barcode == barcode {
			copied := p
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListWholesaleStock(_ context.Context) ([]domain.WholesaleStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stocks := make([]domain.WholesaleStock, 0, len(s.wholesaleByID))
	for _, ws := range s.wholesaleByID {
		stocks = append(stocks, ws)
	}
	slices.SortFunc(stocks, func(a, b domain.WholesaleStock) int {
		return strings.Compare(a.ID, b.ID)
	})
	return stocks, nil
}

func (s *Store) GetWholesaleStockByID(_ context.Context, id string) (*domain.WholesaleStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ws, ok := s.wholesaleByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := ws
	return &copied, nil
}

func (s *Store) ConvertWholesaleToRetail(_ context.Context, wholesaleStockID string, quantityBoxes int, batch domain.RetailStockEntry) (*domain.RetailStockEntry, error) {
	if quantityBoxes < 1 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.wholesaleByID[wholesaleStockID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if ws.QuantityBoxes < quantityBoxes {
		return nil, store.ErrConflict
	}

	if batch.ID == "" {
		batch.ID = xid.New("batch")
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	batch.SourceWholesaleStockID = wholesaleStockID
	batch.QuantityBoxesConverted = quantityBoxes

	ws.QuantityBoxes -= quantityBoxes
	s.wholesaleByID[wholesaleStockID] = ws
	s.retailBatchByID[batch.ID] = batch

	created := batch
	return &created, nil
}

func (s *Store) GetRetailBatchByID(_ context.Context, id string) (*domain.RetailStockEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, ok := s.retailBatchByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := batch
	return &copied, nil
}

func (s *Store) ListRetailBatches(_ context.Context, productID string) ([]domain.RetailStockEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batches := make([]domain.RetailStockEntry, 0, len(s.retailBatchByID))
	for _, batch := range s.retailBatchByID {
		if productID != "" && batch.ProductID != productID {
			continue
		}
		batches = append(batches, batch)
	}
	slices.SortFunc(batches, func(a, b domain.RetailStockEntry) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return batches, nil
}

func (s *Store) UpdateRetailBatch(_ context.Context, batch domain.RetailStockEntry) (*domain.RetailStockEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.retailBatchByID[batch.ID]; !ok {
		return nil, store.ErrNotFound
	}
	s.retailBatchByID[batch.ID] = batch
	updated := batch
	return &updated, nil
}

func (s *Store) CreatePackage(_ context.Context, pkg domain.Package) (*domain.Package, error) {
	if pkg.Name == "" || len(pkg.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if pkg.ID == "" {
		pkg.ID = xid.New("pkg")
	}
	now := time.Now().UTC()
	if pkg.CreatedAt.IsZero() {
		pkg.CreatedAt = now
	}
	pkg.UpdatedAt = now
	pkg.Items = slices.Clone(pkg.Items)
	s.packagesByID[pkg.ID] = pkg

	created := pkg
	return &created, nil
}

func (s *Store) UpdatePackage(_ context.Context, pkg domain.Package) (*domain.Package, error) {
	if pkg.Name == "" || len(pkg.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.packagesByID[pkg.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	pkg.CreatedAt = existing.CreatedAt
	pkg.UpdatedAt = time.Now().UTC()
	pkg.Items = slices.Clone(pkg.Items)
	s.packagesByID[pkg.ID] = pkg

	updated := pkg
	return &updated, nil
}

func (s *Store) DeletePackage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.packagesByID[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.packagesByID, id)
	return nil
}

func (s *Store) GetPackageByID(_ context.Context, id string) (*domain.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pkg, ok := s.packagesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := pkg
	copied.Items = slices.Clone(pkg.Items)
	return &copied, nil
}

func (s *Store) ListPackages(_ context.Context) ([]domain.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	packages := make([]domain.Package, 0, len(s.packagesByID))
	for _, pkg := range s.packagesByID {
		copied := pkg
		copied.Items = slices.Clone(pkg.Items)
		packages = append(packages, copied)
	}
	slices.SortFunc(packages, func(a, b domain.Package) int {
		return strings.Compare(a.Name, b.Name)
	})
	return packages, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.DirectItems) == 0 && len(sale.PackageItems) == 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.RequestID != "" {
		if existingID, ok := s.salesByRequestID[sale.RequestID]; ok {
			existing := s.salesByID[existingID]
			return &existing, nil
		}
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.DirectItems = slices.Clone(sale.DirectItems)
	sale.PackageItems = slices.Clone(sale.PackageItems)

	s.salesByID[sale.ID] = sale
	if sale.RequestID != "" {
		s.salesByRequestID[sale.RequestID] = sale.ID
	}

	created := sale
	return &created, nil
}

func (s *Store) FindSaleByRequestID(_ context.Context, requestID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.salesByRequestID[requestID]
	if !ok {
		return nil, store.ErrNotFound
	}
	sale := s.salesByID[id]
	return &sale, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 || limit > len(s.auditLogs) {
		limit = len(s.auditLogs)
	}
	logs := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(logs) < limit; i-- {
		logs = append(logs, s.auditLogs[i])
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrConflict
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	if username == "" || password == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}
