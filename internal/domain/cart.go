package domain

import (
	"strings"

	"golang.org/x/text/currency"
)

// CheckoutMode distinguishes carts checked out for the shopper themselves from
// carts checked out on behalf of someone else.
type CheckoutMode string

const (
	CheckoutModeSelf  CheckoutMode = "self"
	CheckoutModeOther CheckoutMode = "other"
)

// CheckoutStage tracks how far the shopper has progressed through checkout.
// Stage transitions gate which refresh side effects a mutation must trigger.
type CheckoutStage string

const (
	StageInformation CheckoutStage = "information"
	StageAddress     CheckoutStage = "address"
	StagePayment     CheckoutStage = "payment"
)

// ItemKey uniquely identifies a cart line. The composite key is required
// because the same product and size can appear more than once when fulfilled
// from different stores.
type ItemKey struct {
	ProductID string
	Size      string
	StoreID   string
	ItemIndex int
}

// LineItem is a single purchasable line inside a cart snapshot.
type LineItem struct {
	Key               ItemKey
	ArticleID         string
	Quantity          int
	UnitPrice         int64
	LinePrice         int64
	Currency          string
	MinQuantity       int
	MaxQuantity       int
	CustomOrder       bool
	OutOfStock        bool
	Deliverable       bool
	FulfillmentOption string
	Promotions        []string
}

// BreakupComponent is one priced row of the cart breakup (subtotal, discount,
// tax, total and so on). Values are minor units.
type BreakupComponent struct {
	Key      string
	Label    string
	Value    int64
	Currency string
}

// Coupon captures the applied-coupon portion of the breakup. It is mutated
// only through apply/remove operations, never set directly by callers.
type Coupon struct {
	ID        string
	Code      string
	Value     int64
	IsApplied bool
	Message   string
}

// RewardPoints captures loyalty redemption state as reported by the gateway.
type RewardPoints struct {
	IsApplied bool
	Points    int64
}

// CartSnapshot is the authoritative server-returned view of the active cart.
// Snapshots are replaced wholesale on every successful mutation; they are
// never patched field by field.
type CartSnapshot struct {
	ID               string
	Items            []LineItem
	Breakup          []BreakupComponent
	Coupon           Coupon
	RewardPoints     RewardPoints
	Mode             CheckoutMode
	Currency         string
	Valid            bool
	HasOutOfStock    bool
	HasUndeliverable bool
	BuyNow           bool
}

// Breakup component keys the orchestration core depends on.
const (
	BreakupKeySubtotal = "subtotal"
	BreakupKeyDiscount = "discount"
	BreakupKeyCoupon   = "coupon"
	BreakupKeyTotal    = "total"
)

// Component returns the named breakup row when present.
func (s CartSnapshot) Component(key string) (BreakupComponent, bool) {
	for _, c := range s.Breakup {
		if strings.EqualFold(c.Key, key) {
			return c, true
		}
	}
	return BreakupComponent{}, false
}

// Total returns the payable total in minor units. The breakup total row is
// authoritative; the line sum is only a fallback for snapshots returned
// without a breakup.
func (s CartSnapshot) Total() int64 {
	if c, ok := s.Component(BreakupKeyTotal); ok {
		return c.Value
	}
	var total int64
	for _, item := range s.Items {
		if item.Quantity <= 0 || item.UnitPrice <= 0 {
			continue
		}
		total += item.UnitPrice * int64(item.Quantity)
	}
	return total
}

// Empty reports whether the snapshot holds no purchasable lines.
func (s CartSnapshot) Empty() bool {
	return len(s.Items) == 0
}

// ValidCurrency reports whether code is a recognised ISO 4217 currency.
func ValidCurrency(code string) bool {
	_, err := currency.ParseISO(strings.TrimSpace(code))
	return err == nil
}
