// Package gateway defines the contract against the remote commerce platform.
// The platform is the source of truth for cart state; every mutation returns
// an authoritative snapshot and the orchestration layer never patches state
// locally.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/threadline/checkout/internal/domain"
)

// OperationKind names the cart mutation operations the platform accepts.
type OperationKind string

const (
	OperationUpdateItem OperationKind = "update_item"
	OperationRemoveItem OperationKind = "remove_item"
	OperationEditItem   OperationKind = "edit_item"
)

// Error is the normalised failure shape for gateway calls. Transport errors
// and business rejections travel through the same type so callers branch on
// classification, not on concrete error types per endpoint.
type Error struct {
	Transport bool
	Status    int
	Code      string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return "gateway: unknown error"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Transport {
		return fmt.Sprintf("gateway: transport failure: %s", msg)
	}
	return fmt.Sprintf("gateway: rejected: %s", msg)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransport reports whether err is a gateway transport failure (network,
// timeout, 5xx) as opposed to a business rejection.
func IsTransport(err error) bool {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Transport
	}
	return false
}

// RejectionMessage extracts the most specific server-supplied message from a
// gateway business rejection, or empty when none is available.
func RejectionMessage(err error) string {
	var gerr *Error
	if errors.As(err, &gerr) && !gerr.Transport {
		return strings.TrimSpace(gerr.Message)
	}
	return ""
}

// FetchCartRequest parameterises a snapshot fetch.
type FetchCartRequest struct {
	CartID          string
	BuyNow          bool
	IncludeAllItems bool
	IncludeBreakup  bool
}

// UpdateItem is one line-item mutation inside an update call.
type UpdateItem struct {
	ArticleID         string
	ProductID         string
	StoreID           string
	ItemSize          string
	ItemIndex         int
	Quantity          int
	FulfillmentOption string
}

// UpdateCartRequest submits one or more line-item mutations.
type UpdateCartRequest struct {
	CartID    string
	BuyNow    bool
	Operation OperationKind
	Items     []UpdateItem
}

// UpdateCartResult is the platform's verdict on a mutation. Success carries
// the updated cart, but callers refetch the full snapshot regardless and
// never render the embedded cart directly.
type UpdateCartResult struct {
	Success bool
	Message string
	Cart    domain.CartSnapshot
}

// CouponResult reports the coupon portion of the breakup after apply/remove.
type CouponResult struct {
	Code    string
	Applied bool
	Message string
}

// LoyaltyResult reports a loyalty redemption toggle.
type LoyaltyResult struct {
	Success bool
	Message string
}

// OptionsRequest parameterises a payment-option resolution. Amount is the
// payable total in minor units; the returned set is only valid for exactly
// this amount.
type OptionsRequest struct {
	CartID      string
	Pincode     string
	Mode        domain.CheckoutMode
	AmountMinor int64
}

// SelectModeRequest records the chosen payment mode against the cart before
// checkout, returning the refreshed breakup.
type SelectModeRequest struct {
	CartID string
	Mode   string
	Legs   []domain.PaymentLeg
}

// CheckoutRequest is the final checkout submission.
type CheckoutRequest struct {
	CartID     string
	Mode       domain.CheckoutMode
	Aggregator string
	Pincode    string
	Legs       []domain.PaymentLeg
	Meta       map[string]string
	JourneyID  string
}

// VPAResult reports remote validation of a manually entered UPI VPA.
type VPAResult struct {
	Valid   bool
	Message string
}

// Gateway is the remote commerce platform client used by the orchestration
// services. Implementations must honour at-least-once calling semantics: a
// retried call after a transport failure must be safe because mutations are
// idempotent by cart identifier on the platform side.
type Gateway interface {
	FetchCart(ctx context.Context, req FetchCartRequest) (domain.CartSnapshot, error)
	UpdateCart(ctx context.Context, req UpdateCartRequest) (UpdateCartResult, error)
	ApplyCoupon(ctx context.Context, cartID, code string) (CouponResult, error)
	RemoveCoupon(ctx context.Context, cartID, couponID string) (CouponResult, error)
	ApplyLoyaltyPoints(ctx context.Context, cartID string, redeem bool) (LoyaltyResult, error)
	ResolvePaymentOptions(ctx context.Context, req OptionsRequest) (domain.PaymentOptionSet, error)
	SelectPaymentMode(ctx context.Context, req SelectModeRequest) ([]domain.BreakupComponent, error)
	CheckoutPayment(ctx context.Context, req CheckoutRequest) (domain.ChargeResult, error)
	ValidateVPA(ctx context.Context, cartID, vpa string) (VPAResult, error)
}
