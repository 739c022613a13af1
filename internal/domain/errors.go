package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrEmptyCart blocks entry into the review step; it carries no detail
// because there is nothing to name.
var ErrEmptyCart = errors.New("cart is empty")

// ValidationError reports one or more invalid input fields. Fields holds
// the offending field names so the boundary can attach the error to them.
type ValidationError struct {
	Fields []string
	Msg    string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Msg, strings.Join(e.Fields, ", "))
}

func NewValidationError(msg string, fields ...string) *ValidationError {
	return &ValidationError{Fields: fields, Msg: msg}
}

// StockExceededError is returned when a package line asks for more retail
// units than the referenced batch holds.
type StockExceededError struct {
	BatchID     string
	ProductName string
	Requested   int
	Available   int
}

func (e *StockExceededError) Error() string {
	return fmt.Sprintf("batch %s (%s): requested %d units but only %d available",
		e.BatchID, e.ProductName, e.Requested, e.Available)
}

// InsufficientStockError is returned when a wholesale transfer asks for
// more boxes than remain on the wholesale row.
type InsufficientStockError struct {
	WholesaleStockID string
	ProductName      string
	RequestedBoxes   int
	AvailableBoxes   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("wholesale stock %s (%s): requested %d boxes but only %d remain",
		e.WholesaleStockID, e.ProductName, e.RequestedBoxes, e.AvailableBoxes)
}

// UnsupportedProductError marks a product with no box conversion factor;
// it cannot be split into retail units or composed into packages.
type UnsupportedProductError struct {
	ProductID   string
	ProductName string
}

func (e *UnsupportedProductError) Error() string {
	return fmt.Sprintf("product %s (%s) has no retail conversion factor", e.ProductID, e.ProductName)
}

// MissingPriceError marks a packaging unit with no configured price.
type MissingPriceError struct {
	ProductID   string
	ProductName string
	UnitID      string
}

func (e *MissingPriceError) Error() string {
	return fmt.Sprintf("product %s (%s): no price configured for unit %q", e.ProductID, e.ProductName, e.UnitID)
}

// UnderpaymentError names the currency the operator entered and how short
// the tendered amount is.
type UnderpaymentError struct {
	Currency string
	Required decimal.Decimal
	Tendered decimal.Decimal
}

func (e *UnderpaymentError) Error() string {
	return fmt.Sprintf("tendered %s %s is below the %s %s total",
		e.Tendered.StringFixed(2), e.Currency, e.Required.StringFixed(2), e.Currency)
}

// InvalidCardError reports a card number with fewer than 16 digits.
type InvalidCardError struct {
	Digits int
}

func (e *InvalidCardError) Error() string {
	return fmt.Sprintf("card number has %d digits, at least 16 required", e.Digits)
}

// RemoteRejectionError wraps a persistence-side rejection of a locally
// valid submission, e.g. stock that changed between screen-open and
// submit. The flow returns to its last interactive step; no local state
// is corrupted.
type RemoteRejectionError struct {
	Op      string
	Message string
}

func (e *RemoteRejectionError) Error() string {
	return fmt.Sprintf("%s rejected by server: %s", e.Op, e.Message)
}
