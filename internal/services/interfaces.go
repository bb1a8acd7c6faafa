// Package services holds the checkout orchestration core: cart consistency,
// coupon and reward flows, payment option resolution and the payment
// dispatch state machine. Services own all sequencing rules; handlers stay
// thin and the gateway stays dumb.
package services

import (
	"context"

	"github.com/threadline/checkout/internal/domain"
)

// Domain aliases keep service signatures short without re-exporting the
// domain package wholesale.
type (
	CartSnapshot     = domain.CartSnapshot
	ItemKey          = domain.ItemKey
	CheckoutMode     = domain.CheckoutMode
	CheckoutStage    = domain.CheckoutStage
	MethodKind       = domain.MethodKind
	MethodSelection  = domain.MethodSelection
	PaymentOptionSet = domain.PaymentOptionSet
	PaymentLeg       = domain.PaymentLeg
	StoreCredit      = domain.StoreCredit
)

// CartView is what every cart operation hands back: the authoritative
// snapshot plus the flags the caller needs to render the outcome.
type CartView struct {
	Snapshot CartSnapshot
	// Dropped reports that a refresh arrived while another fetch was in
	// flight and was discarded; the snapshot is the last known good state.
	Dropped bool
	// MaxReached reports that the requested quantity exceeded the line's
	// maximum and was clamped rather than rejected.
	MaxReached bool
	// Message carries a server-supplied notice about the operation, empty
	// when the operation was wholly successful.
	Message string
}

// RefreshCommand requests the authoritative cart snapshot.
type RefreshCommand struct {
	SessionID string
	CartID    string
	BuyNow    bool
	Stage     CheckoutStage
}

// UpdateItemCommand mutates one cart line. Quantity carries the requested
// absolute quantity; zero requests removal.
type UpdateItemCommand struct {
	SessionID         string
	CartID            string
	BuyNow            bool
	Stage             CheckoutStage
	Key               ItemKey
	ArticleID         string
	Quantity          int
	FulfillmentOption string
}

// RemoveItemsCommand removes a batch of lines. An empty Keys slice removes
// every unavailable line (out of stock or undeliverable) in the snapshot.
type RemoveItemsCommand struct {
	SessionID string
	CartID    string
	BuyNow    bool
	Stage     CheckoutStage
	Keys      []ItemKey
}

// RemoveItemsResult reports partial completion of a batch removal.
type RemoveItemsResult struct {
	Requested int
	Removed   int
	View      CartView
}

// CartService is the cart consistency controller. The server snapshot is the
// single source of truth; every operation that changes the cart replaces the
// snapshot wholesale with a refetched one.
type CartService interface {
	Refresh(ctx context.Context, cmd RefreshCommand) (CartView, error)
	// Resync is a refresh that waits for in-flight work instead of being
	// dropped; chained flows (coupon apply, reward toggle) use it so their
	// follow-up snapshot is never stale.
	Resync(ctx context.Context, cmd RefreshCommand) (CartView, error)
	UpdateItem(ctx context.Context, cmd UpdateItemCommand) (CartView, error)
	RemoveItems(ctx context.Context, cmd RemoveItemsCommand) (RemoveItemsResult, error)
	// Snapshot returns the last known snapshot for the session without
	// touching the gateway.
	Snapshot(sessionID string) (CartSnapshot, bool)
}

// CouponCommand applies or removes a coupon code.
type CouponCommand struct {
	SessionID string
	CartID    string
	BuyNow    bool
	Stage     CheckoutStage
	Code      string
}

// CouponOutcome reports the coupon state after the operation plus the
// refreshed cart view.
type CouponOutcome struct {
	Applied bool
	Code    string
	Message string
	// StageReset reports that the operation changed the payable total while
	// the shopper was on the payment stage, so method selection must start
	// over.
	StageReset bool
	View       CartView
}

// RewardCommand toggles loyalty point redemption.
type RewardCommand struct {
	SessionID string
	CartID    string
	BuyNow    bool
	Stage     CheckoutStage
	Redeem    bool
}

// RewardOutcome reports redemption state. ShowToast is true exactly once per
// cart: the first successful redemption for a given cart identifier.
type RewardOutcome struct {
	Applied   bool
	ShowToast bool
	View      CartView
}

// CouponService owns coupon and loyalty reward flows, including the chained
// snapshot and payment-option refreshes those flows require.
type CouponService interface {
	Apply(ctx context.Context, cmd CouponCommand) (CouponOutcome, error)
	Remove(ctx context.Context, cmd CouponCommand) (CouponOutcome, error)
	ApplyRewardPoints(ctx context.Context, cmd RewardCommand) (RewardOutcome, error)
}

// OptionsCommand requests the payment option set for the session's current
// payable total.
type OptionsCommand struct {
	SessionID string
	CartID    string
	Pincode   string
	Mode      CheckoutMode
	// AmountMinor is the payable total the options must be valid for.
	AmountMinor int64
}

// OptionsService resolves and caches the ranked payment option set. A cached
// set is only served while the payable total is unchanged.
type OptionsService interface {
	Resolve(ctx context.Context, cmd OptionsCommand) (PaymentOptionSet, error)
	// Invalidate drops the cached set for the session, forcing the next
	// Resolve to hit the gateway.
	Invalidate(sessionID string)
}

// CheckoutCommand is the final payment submission for a cart.
type CheckoutCommand struct {
	SessionID   string
	CartID      string
	BuyNow      bool
	Mode        CheckoutMode
	Pincode     string
	JourneyID   string
	Selection   MethodSelection
	StoreCredit StoreCredit
	Meta        map[string]string
}

// CheckoutOutcome is the normalised terminal result of a checkout attempt.
type CheckoutOutcome struct {
	Status      domain.ChargeStatus
	OrderID     string
	RedirectURL string
	Code        string
	Message     string

	// ResetPolling tells the caller to tear down any QR image or UPI
	// polling surface; set on terminal results of those flows.
	ResetPolling bool
}

// PaymentService runs the payment method state machine: method validation,
// leg construction, store-credit splitting and dispatch.
type PaymentService interface {
	Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutOutcome, error)
	// ValidateSelection checks a method selection against the current
	// option set without dispatching, so callers can gate the pay button.
	ValidateSelection(ctx context.Context, cmd CheckoutCommand) error
	// EnsureOpen reports whether the payment step accepts entry for the
	// session. Every payment-step entry point consults it: once a
	// checkout has succeeded it returns ErrOrderCompleted until a new
	// session begins.
	EnsureOpen(ctx context.Context, sessionID string) error
}
