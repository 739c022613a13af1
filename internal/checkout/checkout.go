// Package checkout validates tender, partitions the cart into the
// submission payload, and tracks the sale through its terminal states.
package checkout

import (
	"fmt"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"pharmapos/backend/internal/cart"
	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/pricing"
)

// State names one step of the checkout flow.
type State string

const (
	StateDraft       State = "draft"
	StateReviewing   State = "reviewing"
	StateTenderEntry State = "tender_entry"
	StateValidated   State = "validated"
	StateSubmitted   State = "submitted"
	StateConfirmed   State = "confirmed"
	StateRejected    State = "rejected"
)

var transitions = map[State][]State{
	StateDraft:       {StateReviewing},
	StateReviewing:   {StateDraft, StateTenderEntry},
	StateTenderEntry: {StateReviewing, StateValidated},
	StateValidated:   {StateTenderEntry, StateSubmitted},
	StateSubmitted:   {StateConfirmed, StateRejected},
	StateRejected:    {StateTenderEntry},
}

// Flow is the checkout state machine. The zero value starts in Draft.
type Flow struct {
	state State
}

func NewFlow() *Flow {
	return &Flow{state: StateDraft}
}

func (f *Flow) State() State {
	if f.state == "" {
		return StateDraft
	}
	return f.state
}

// Advance moves the flow into the target state. A transition the machine
// does not allow fails without changing state.
func (f *Flow) Advance(to State) error {
	from := f.State()
	for _, allowed := range transitions[from] {
		if allowed == to {
			f.state = to
			return nil
		}
	}
	return fmt.Errorf("checkout: cannot move from %s to %s", from, to)
}

// Terminal reports whether the flow finished in Confirmed. Rejected is
// recoverable: the flow may re-enter tender entry and submit again.
func (f *Flow) Terminal() bool {
	return f.State() == StateConfirmed
}

// TenderResult carries the accepted tender and computed change in both
// currencies. Change is computed once in USD and converted, never derived
// twice.
type TenderResult struct {
	TenderedUSD decimal.Decimal `json:"tendered_usd"`
	TenderedKHR decimal.Decimal `json:"tendered_khr"`
	ChangeUSD   decimal.Decimal `json:"change_usd"`
	ChangeKHR   decimal.Decimal `json:"change_khr"`
}

// ValidateCashTender accepts the amount the operator entered in exactly
// one currency, derives the counterpart, and rejects any tender below the
// total in the entered currency.
func ValidateCashTender(totals cart.Totals, tenderedUSD, tenderedKHR *decimal.Decimal, rates pricing.Rates) (TenderResult, error) {
	if tenderedUSD == nil && tenderedKHR == nil {
		return TenderResult{}, domain.NewValidationError("a tendered amount is required", "tendered_usd", "tendered_khr")
	}
	if tenderedUSD != nil && tenderedKHR != nil {
		return TenderResult{}, domain.NewValidationError("tender one currency only", "tendered_usd", "tendered_khr")
	}

	var usd decimal.Decimal
	if tenderedUSD != nil {
		usd = *tenderedUSD
		if usd.LessThan(totals.TotalUSD) {
			return TenderResult{}, &domain.UnderpaymentError{
				Currency: domain.CurrencyUSD,
				Required: totals.TotalUSD,
				Tendered: usd,
			}
		}
	} else {
		khr := *tenderedKHR
		if khr.LessThan(totals.TotalKHR) {
			return TenderResult{}, &domain.UnderpaymentError{
				Currency: domain.CurrencyKHR,
				Required: totals.TotalKHR,
				Tendered: khr,
			}
		}
		usd = rates.NormalizeToUSD(khr, domain.CurrencyKHR)
	}

	changeUSD := usd.Sub(totals.TotalUSD)
	return TenderResult{
		TenderedUSD: usd,
		TenderedKHR: rates.NormalizeToKHR(usd),
		ChangeUSD:   changeUSD,
		ChangeKHR:   rates.NormalizeToKHR(changeUSD),
	}, nil
}

// ValidateCardTender strips formatting from the entered card number and
// requires at least 16 digits. The count is in runes, not bytes, so
// multi-byte numerals cannot inflate it. It returns the digits-only form;
// no issuer or checksum validation happens locally.
func ValidateCardTender(raw string) (string, error) {
	digits := make([]rune, 0, len(raw))
	for _, r := range raw {
		if unicode.IsDigit(r) {
			digits = append(digits, r)
		}
	}
	if len(digits) < 16 {
		return "", &domain.InvalidCardError{Digits: len(digits)}
	}
	return string(digits), nil
}

// BuildOrderPayload partitions the cart into direct product items and
// package items. Every line lands in exactly one slice.
func BuildOrderPayload(c cart.Cart, paymentMethod string, saleDate time.Time) (domain.Order, error) {
	if c.IsEmpty() {
		return domain.Order{}, domain.ErrEmptyCart
	}
	if paymentMethod != domain.PaymentMethodCash && paymentMethod != domain.PaymentMethodCard {
		return domain.Order{}, domain.NewValidationError("payment method must be cash or card", "payment_method")
	}

	order := domain.Order{
		SaleDate:      saleDate,
		PaymentMethod: paymentMethod,
		DirectItems:   []domain.DirectSaleItem{},
		PackageItems:  []domain.PackageSaleItem{},
	}
	for _, line := range c.Lines {
		switch line.Kind {
		case domain.LineKindProduct:
			order.DirectItems = append(order.DirectItems, domain.DirectSaleItem{
				ProductID: line.ReferenceID,
				Quantity:  line.Quantity,
				UnitPrice: line.UnitPrice,
				Currency:  line.Currency,
			})
		case domain.LineKindPackage:
			order.PackageItems = append(order.PackageItems, domain.PackageSaleItem{
				PackageID: line.ReferenceID,
				Quantity:  line.Quantity,
				UnitPrice: line.UnitPrice,
			})
		default:
			return domain.Order{}, fmt.Errorf("checkout: unknown line kind %q", line.Kind)
		}
	}
	return order, nil
}
