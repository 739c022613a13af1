package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, barcode, base_price_usd, packaging_units, active, created_at
		FROM products
		WHERE active = true
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	return s.findProduct(ctx, "id", id)
}

func (s *Store) FindProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	return s.findProduct(ctx, "barcode", barcode)
}

func (s *Store) findProduct(ctx context.Context, column string, value string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, barcode, base_price_usd, packaging_units, active, created_at
		FROM products
		WHERE `+column+` = $1
	`, value)

	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	var barcode sql.NullString
	var unitsJSON []byte
	if err := row.Scan(&p.ID, &p.Name, &barcode, &p.BasePriceUSD, &unitsJSON, &p.Active, &p.CreatedAt); err != nil {
		return domain.Product{}, err
	}
	p.Barcode = barcode.String
	if len(unitsJSON) > 0 {
		if err := json.Unmarshal(unitsJSON, &p.PackagingUnits); err != nil {
			return domain.Product{}, err
		}
	}
	return p, nil
}

func (s *Store) ListWholesaleStock(ctx context.Context) ([]domain.WholesaleStock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, quantity_boxes, received_at
		FROM wholesale_stocks
		ORDER BY received_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stocks := make([]domain.WholesaleStock, 0, 64)
	for rows.Next() {
		var ws domain.WholesaleStock
		if err := rows.Scan(&ws.ID, &ws.ProductID, &ws.QuantityBoxes, &ws.ReceivedAt); err != nil {
			return nil, err
		}
		stocks = append(stocks, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stocks, nil
}

func (s *Store) GetWholesaleStockByID(ctx context.Context, id string) (*domain.WholesaleStock, error) {
	var ws domain.WholesaleStock
	err := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, quantity_boxes, received_at
		FROM wholesale_stocks
		WHERE id = $1
	`, id).Scan(&ws.ID, &ws.ProductID, &ws.QuantityBoxes, &ws.ReceivedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &ws, nil
}

// ConvertWholesaleToRetail deducts the boxes and creates the batch in one
// serializable transaction. The guarded UPDATE is the commit authority: a
// wholesale row that no longer holds enough boxes yields ErrConflict.
func (s *Store) ConvertWholesaleToRetail(ctx context.Context, wholesaleStockID string, quantityBoxes int, batch domain.RetailStockEntry) (*domain.RetailStockEntry, error) {
	if quantityBoxes < 1 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE wholesale_stocks
		SET quantity_boxes = quantity_boxes - $2
		WHERE id = $1 AND quantity_boxes >= $2
	`, wholesaleStockID, quantityBoxes)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM wholesale_stocks WHERE id = $1)
		`, wholesaleStockID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrConflict
	}

	if batch.ID == "" {
		batch.ID = xid.New("batch")
	}
	batch.SourceWholesaleStockID = wholesaleStockID
	batch.QuantityBoxesConverted = quantityBoxes
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO retail_batches
			(id, product_id, source_wholesale_stock_id, quantity_boxes_converted,
			 tablet_units_available, capsule_units_available,
			 price_per_tablet_khr, price_per_capsule_khr, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, batch.ID, batch.ProductID, batch.SourceWholesaleStockID, batch.QuantityBoxesConverted,
		batch.TabletUnitsAvailable, batch.CapsuleUnitsAvailable,
		batch.PricePerTabletKHR, batch.PricePerCapsuleKHR, batch.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := batch
	return &created, nil
}

func (s *Store) GetRetailBatchByID(ctx context.Context, id string) (*domain.RetailStockEntry, error) {
	var b domain.RetailStockEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, source_wholesale_stock_id, quantity_boxes_converted,
		       tablet_units_available, capsule_units_available,
		       price_per_tablet_khr, price_per_capsule_khr, created_at
		FROM retail_batches
		WHERE id = $1
	`, id).Scan(&b.ID, &b.ProductID, &b.SourceWholesaleStockID, &b.QuantityBoxesConverted,
		&b.TabletUnitsAvailable, &b.CapsuleUnitsAvailable,
		&b.PricePerTabletKHR, &b.PricePerCapsuleKHR, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (s *Store) ListRetailBatches(ctx context.Context, productID string) ([]domain.RetailStockEntry, error) {
	query := `
		SELECT id, product_id, source_wholesale_stock_id, quantity_boxes_converted,
		       tablet_units_available, capsule_units_available,
		       price_per_tablet_khr, price_per_capsule_khr, created_at
		FROM retail_batches
	`
	args := []any{}
	if productID != "" {
		query += ` WHERE product_id = $1`
		args = append(args, productID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.RetailStockEntry, 0, 64)
	for rows.Next() {
		var b domain.RetailStockEntry
		if err := rows.Scan(&b.ID, &b.ProductID, &b.SourceWholesaleStockID, &b.QuantityBoxesConverted,
			&b.TabletUnitsAvailable, &b.CapsuleUnitsAvailable,
			&b.PricePerTabletKHR, &b.PricePerCapsuleKHR, &b.CreatedAt); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return batches, nil
}

func (s *Store) UpdateRetailBatch(ctx context.Context, batch domain.RetailStockEntry) (*domain.RetailStockEntry, error) {
	if batch.ID == "" {
		return nil, store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE retail_batches
		SET tablet_units_available = $2, capsule_units_available = $3,
		    price_per_tablet_khr = $4, price_per_capsule_khr = $5
		WHERE id = $1
	`, batch.ID, batch.TabletUnitsAvailable, batch.CapsuleUnitsAvailable,
		batch.PricePerTabletKHR, batch.PricePerCapsuleKHR)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := batch
	return &updated, nil
}

func (s *Store) CreatePackage(ctx context.Context, pkg domain.Package) (*domain.Package, error) {
	if pkg.Name == "" || len(pkg.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	if pkg.ID == "" {
		pkg.ID = xid.New("pkg")
	}
	now := time.Now().UTC()
	pkg.CreatedAt = now
	pkg.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO packages (id, name, total_price_khr, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5)
	`, pkg.ID, pkg.Name, pkg.TotalPriceKHR, pkg.CreatedAt, pkg.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	if err := insertPackageItems(ctx, tx, pkg.ID, pkg.Items); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := pkg
	return &created, nil
}

func (s *Store) UpdatePackage(ctx context.Context, pkg domain.Package) (*domain.Package, error) {
	if pkg.ID == "" || pkg.Name == "" || len(pkg.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	pkg.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE packages
		SET name = $2, total_price_khr = $3, updated_at = $4
		WHERE id = $1
	`, pkg.ID, pkg.Name, pkg.TotalPriceKHR, pkg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM package_items WHERE package_id = $1`, pkg.ID); err != nil {
		return nil, err
	}
	if err := insertPackageItems(ctx, tx, pkg.ID, pkg.Items); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	updated := pkg
	return &updated, nil
}

func insertPackageItems(ctx context.Context, tx *sql.Tx, packageID string, items []domain.PackageItem) error {
	for _, item := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO package_items (package_id, retail_stock_entry_id, used_quantity, unit_price_khr, subtotal_khr)
			VALUES ($1,$2,$3,$4,$5)
		`, packageID, item.RetailStockEntryID, item.UsedQuantity, item.UnitPriceKHR, item.SubtotalKHR)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeletePackage(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM package_items WHERE package_id = $1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM packages WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}

	return tx.Commit()
}

func (s *Store) GetPackageByID(ctx context.Context, id string) (*domain.Package, error) {
	var pkg domain.Package
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, total_price_khr, created_at, updated_at
		FROM packages
		WHERE id = $1
	`, id).Scan(&pkg.ID, &pkg.Name, &pkg.TotalPriceKHR, &pkg.CreatedAt, &pkg.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	items, err := s.listPackageItems(ctx, id)
	if err != nil {
		return nil, err
	}
	pkg.Items = items
	return &pkg, nil
}

func (s *Store) ListPackages(ctx context.Context) ([]domain.Package, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, total_price_khr, created_at, updated_at
		FROM packages
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	packages := make([]domain.Package, 0, 32)
	for rows.Next() {
		var pkg domain.Package
		if err := rows.Scan(&pkg.ID, &pkg.Name, &pkg.TotalPriceKHR, &pkg.CreatedAt, &pkg.UpdatedAt); err != nil {
			return nil, err
		}
		packages = append(packages, pkg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range packages {
		items, err := s.listPackageItems(ctx, packages[i].ID)
		if err != nil {
			return nil, err
		}
		packages[i].Items = items
	}
	return packages, nil
}

func (s *Store) listPackageItems(ctx context.Context, packageID string) ([]domain.PackageItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT retail_stock_entry_id, used_quantity, unit_price_khr, subtotal_khr
		FROM package_items
		WHERE package_id = $1
	`, packageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.PackageItem, 0, 8)
	for rows.Next() {
		var item domain.PackageItem
		if err := rows.Scan(&item.RetailStockEntryID, &item.UsedQuantity, &item.UnitPriceKHR, &item.SubtotalKHR); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CreateSale records a sale and its line partitions. The unique constraint
// on request_id carries the idempotency guarantee: a replay fetches and
// returns the already-recorded sale.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.RequestID == "" {
		return nil, store.ErrInvalidInput
	}
	if len(sale.DirectItems) == 0 && len(sale.PackageItems) == 0 {
		return nil, store.ErrInvalidInput
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales
			(id, request_id, sale_date, payment_method, card_number,
			 total_usd, total_khr, tendered_usd, tendered_khr, change_usd, change_khr, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, sale.ID, sale.RequestID, sale.SaleDate, sale.PaymentMethod, sale.CardNumber,
		sale.TotalUSD, sale.TotalKHR, sale.TenderedUSD, sale.TenderedKHR,
		sale.ChangeUSD, sale.ChangeKHR, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return s.FindSaleByRequestID(ctx, sale.RequestID)
		}
		return nil, err
	}

	for _, item := range sale.DirectItems {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, product_id, quantity, unit_price, currency)
			VALUES ($1,$2,$3,$4,$5)
		`, sale.ID, item.ProductID, item.Quantity, item.UnitPrice, item.Currency)
		if err != nil {
			return nil, err
		}
	}
	for _, item := range sale.PackageItems {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_package_items (sale_id, package_id, quantity, unit_price_khr)
			VALUES ($1,$2,$3,$4)
		`, sale.ID, item.PackageID, item.Quantity, item.UnitPrice)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := sale
	return &created, nil
}

func (s *Store) FindSaleByRequestID(ctx context.Context, requestID string) (*domain.Sale, error) {
	var sale domain.Sale
	var cardNumber sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, sale_date, payment_method, card_number,
		       total_usd, total_khr, tendered_usd, tendered_khr, change_usd, change_khr, created_at
		FROM sales
		WHERE request_id = $1
	`, requestID).Scan(&sale.ID, &sale.RequestID, &sale.SaleDate, &sale.PaymentMethod, &cardNumber,
		&sale.TotalUSD, &sale.TotalKHR, &sale.TenderedUSD, &sale.TenderedKHR,
		&sale.ChangeUSD, &sale.ChangeKHR, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CardNumber = cardNumber.String

	itemRows, err := s.db.QueryContext(ctx, `
		SELECT product_id, quantity, unit_price, currency
		FROM sale_items
		WHERE sale_id = $1
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var item domain.DirectSaleItem
		if err := itemRows.Scan(&item.ProductID, &item.Quantity, &item.UnitPrice, &item.Currency); err != nil {
			return nil, err
		}
		sale.DirectItems = append(sale.DirectItems, item)
	}
	if err := itemRows.Err(); err != nil {
		return nil, err
	}

	pkgRows, err := s.db.QueryContext(ctx, `
		SELECT package_id, quantity, unit_price_khr
		FROM sale_package_items
		WHERE sale_id = $1
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer pkgRows.Close()
	for pkgRows.Next() {
		var item domain.PackageSaleItem
		if err := pkgRows.Scan(&item.PackageID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, err
		}
		sale.PackageItems = append(sale.PackageItems, item)
	}
	if err := pkgRows.Err(); err != nil {
		return nil, err
	}

	return &sale, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
