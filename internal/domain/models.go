package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	CurrencyUSD = "USD"
	CurrencyKHR = "KHR"
)

const (
	PaymentMethodCash = "cash"
	PaymentMethodCard = "card"
)

// Well-known packaging unit ids. A product may define any subset of these;
// the box unit is the wholesale unit, tablet and capsule are the retail
// consumption units.
const (
	UnitBox     = "box"
	UnitStrip   = "strip"
	UnitTablet  = "tablet"
	UnitCapsule = "capsule"
)

// PackagingUnit is one level of a product's packaging hierarchy. Factor is
// the multiple of the base unit this unit represents. RetailPriceKHR is the
// per-unit retail price, unset when the unit is not sold individually.
// StripsPerBox and TabletsPerBox are only meaningful on the box unit and
// derive retail-unit equivalents for wholesale-to-retail conversion.
type PackagingUnit struct {
	UnitID         string           `json:"unit_id"`
	Label          string           `json:"label"`
	Factor         int              `json:"factor"`
	RetailPriceKHR *decimal.Decimal `json:"retail_price_khr,omitempty"`
	IsBox          bool             `json:"is_box"`
	StripsPerBox   int              `json:"strips_per_box,omitempty"`
	TabletsPerBox  int              `json:"tablets_per_box,omitempty"`
}

type Product struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Barcode        string          `json:"barcode,omitempty"`
	BasePriceUSD   decimal.Decimal `json:"base_price_usd"`
	PackagingUnits []PackagingUnit `json:"packaging_units"`
	Active         bool            `json:"active"`
	CreatedAt      time.Time       `json:"created_at"`
}

// WholesaleStock is an on-hand quantity of unopened boxes for one product.
type WholesaleStock struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"product_id"`
	QuantityBoxes int       `json:"quantity_boxes"`
	ReceivedAt    time.Time `json:"received_at"`
}

// RetailStockEntry is a batch of retail units converted from wholesale
// boxes, with its own per-unit pricing. Unit counts and prices never go
// negative; only ledger operations mutate a batch.
type RetailStockEntry struct {
	ID                     string          `json:"id"`
	ProductID              string          `json:"product_id"`
	SourceWholesaleStockID string          `json:"source_wholesale_stock_id"`
	QuantityBoxesConverted int             `json:"quantity_boxes_converted"`
	TabletUnitsAvailable   int             `json:"tablet_units_available"`
	CapsuleUnitsAvailable  int             `json:"capsule_units_available"`
	PricePerTabletKHR      decimal.Decimal `json:"price_per_tablet_khr"`
	PricePerCapsuleKHR     decimal.Decimal `json:"price_per_capsule_khr"`
	CreatedAt              time.Time       `json:"created_at"`
}

type RetailTransferRequest struct {
	WholesaleStockID   string          `json:"wholesale_stock_id"`
	QuantityBoxes      int             `json:"quantity_boxes"`
	PricePerTabletKHR  decimal.Decimal `json:"price_per_tablet_khr"`
	PricePerCapsuleKHR decimal.Decimal `json:"price_per_capsule_khr"`
}

// RetailBatchAdjustment overwrites batch fields; nil means leave untouched.
type RetailBatchAdjustment struct {
	TabletUnits        *int             `json:"tablet_units,omitempty"`
	CapsuleUnits       *int             `json:"capsule_units,omitempty"`
	PricePerTabletKHR  *decimal.Decimal `json:"price_per_tablet_khr,omitempty"`
	PricePerCapsuleKHR *decimal.Decimal `json:"price_per_capsule_khr,omitempty"`
}

// PackageItem is one partial-batch line inside an operator-assembled
// package. SubtotalKHR is always UsedQuantity times UnitPriceKHR.
type PackageItem struct {
	RetailStockEntryID string          `json:"retail_stock_entry_id"`
	UsedQuantity       int             `json:"used_quantity"`
	UnitPriceKHR       decimal.Decimal `json:"unit_price_khr"`
	SubtotalKHR        decimal.Decimal `json:"subtotal_khr"`
}

// Package is a sellable bundle of partial retail doses. Deleting a package
// removes it from the catalog only; consumed batch units are not restored.
type Package struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Items         []PackageItem   `json:"items"`
	TotalPriceKHR decimal.Decimal `json:"total_price_khr"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type LineKind string

const (
	LineKindProduct LineKind = "product"
	LineKindPackage LineKind = "package"
)

// CartLine is one ephemeral sale line. Identity is the (Kind, ReferenceID,
// PackagingVariant) triple; the cart merges lines sharing it. UnitPrice is
// fixed at first insertion and survives later merges.
type CartLine struct {
	Kind             LineKind        `json:"kind"`
	ReferenceID      string          `json:"reference_id"`
	PackagingVariant string          `json:"packaging_variant,omitempty"`
	Name             string          `json:"name"`
	Quantity         int             `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	Currency         string          `json:"currency"`
}

// SameIdentity reports whether two lines merge into one.
func (l CartLine) SameIdentity(other CartLine) bool {
	return l.Kind == other.Kind &&
		l.ReferenceID == other.ReferenceID &&
		l.PackagingVariant == other.PackagingVariant
}

// MirroredCart is the durable snapshot of the in-progress cart written to
// the key-value mirror so a terminal restart does not lose an unsubmitted
// sale.
type MirroredCart struct {
	TerminalID string     `json:"terminal_id"`
	Lines      []CartLine `json:"lines"`
	SavedAt    time.Time  `json:"saved_at"`
}

type DirectSaleItem struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Currency  string          `json:"currency"`
}

type PackageSaleItem struct {
	PackageID string          `json:"package_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Order is the submission payload: DirectItems and PackageItems together
// partition the submitted cart with no line duplicated or dropped.
type Order struct {
	SaleDate      time.Time         `json:"sale_date"`
	PaymentMethod string            `json:"payment_method"`
	DirectItems   []DirectSaleItem  `json:"items"`
	PackageItems  []PackageSaleItem `json:"sale_retail_items"`
}

// Sale is the persisted record of a confirmed order.
type Sale struct {
	ID            string            `json:"id"`
	RequestID     string            `json:"request_id"`
	SaleDate      time.Time         `json:"sale_date"`
	PaymentMethod string            `json:"payment_method"`
	CardNumber    string            `json:"card_number,omitempty"`
	TotalUSD      decimal.Decimal   `json:"total_usd"`
	TotalKHR      decimal.Decimal   `json:"total_khr"`
	TenderedUSD   decimal.Decimal   `json:"tendered_usd"`
	TenderedKHR   decimal.Decimal   `json:"tendered_khr"`
	ChangeUSD     decimal.Decimal   `json:"change_usd"`
	ChangeKHR     decimal.Decimal   `json:"change_khr"`
	DirectItems   []DirectSaleItem  `json:"items"`
	PackageItems  []PackageSaleItem `json:"sale_retail_items"`
	CreatedAt     time.Time         `json:"created_at"`
}

type PackageLineRequest struct {
	RetailStockEntryID string `json:"retail_stock_entry_id"`
	UsedQuantity       int    `json:"used_quantity"`
}

// PackageSaveRequest creates a package when ID is empty and replaces the
// named package's lines otherwise.
type PackageSaveRequest struct {
	ID    string               `json:"id,omitempty"`
	Name  string               `json:"name"`
	Items []PackageLineRequest `json:"items"`
}

// SaleSubmitRequest is the terminal's submission of a finished sale.
// RequestID is client-generated; resubmitting the same id returns the
// already-recorded sale instead of creating a second one. Exactly one of
// TenderedUSD and TenderedKHR is set for cash sales.
type SaleSubmitRequest struct {
	RequestID     string           `json:"request_id"`
	PaymentMethod string           `json:"payment_method"`
	CardNumber    string           `json:"card_number,omitempty"`
	TenderedUSD   *decimal.Decimal `json:"tendered_usd,omitempty"`
	TenderedKHR   *decimal.Decimal `json:"tendered_khr,omitempty"`
	Lines         []CartLine       `json:"lines"`
}

// SaleSubmitResponse flags replays so the terminal can tell a fresh
// confirmation from an idempotent one.
type SaleSubmitResponse struct {
	Sale      Sale `json:"sale"`
	Duplicate bool `json:"duplicate"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type PharmacistCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type PharmacistUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
