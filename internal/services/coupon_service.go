package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/threadline/checkout/internal/domain"
	"github.com/threadline/checkout/internal/gateway"
	"github.com/threadline/checkout/internal/session"
)

var (
	errCouponGatewayRequired = errors.New("coupon service: gateway is required")
	errCouponCartRequired    = errors.New("coupon service: cart service is required")
	errCouponClockRequired   = errors.New("coupon service: clock is required")
)

// ErrCouponInvalidInput indicates the caller supplied invalid input.
var ErrCouponInvalidInput = errors.New("coupon service: invalid input")

// ErrCouponUnavailable indicates the platform could not be reached.
var ErrCouponUnavailable = errors.New("coupon service: unavailable")

// CouponServiceDeps wires the dependencies for coupon and reward flows.
type CouponServiceDeps struct {
	Gateway  gateway.Gateway
	Cart     CartService
	Sessions session.Store
	Clock    func() time.Time
	Logger   func(context.Context, string, map[string]any)
}

type couponService struct {
	gw       gateway.Gateway
	cart     CartService
	sessions session.Store
	now      func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewCouponService constructs a CouponService enforcing dependency
// validation.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Gateway == nil {
		return nil, errCouponGatewayRequired
	}
	if deps.Cart == nil {
		return nil, errCouponCartRequired
	}
	if deps.Clock == nil {
		return nil, errCouponClockRequired
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &couponService{
		gw:       deps.Gateway,
		cart:     deps.Cart,
		sessions: deps.Sessions,
		now:      func() time.Time { return deps.Clock().UTC() },
		logger:   logger,
	}, nil
}

// Apply implements the CouponService interface. A coupon the platform turns
// down is a normal outcome, not an error: the rejection message comes back
// on the outcome and the snapshot is left untouched.
func (s *couponService) Apply(ctx context.Context, cmd CouponCommand) (CouponOutcome, error) {
	if s == nil || s.gw == nil {
		return CouponOutcome{}, ErrCouponUnavailable
	}
	sessionID := strings.TrimSpace(cmd.SessionID)
	code := strings.TrimSpace(cmd.Code)
	if sessionID == "" || code == "" {
		return CouponOutcome{}, ErrCouponInvalidInput
	}

	result, err := s.gw.ApplyCoupon(ctx, cmd.CartID, code)
	if err != nil {
		if gateway.IsTransport(err) {
			return CouponOutcome{}, fmt.Errorf("%w: %v", ErrCouponUnavailable, err)
		}
		message := gateway.RejectionMessage(err)
		if message == "" {
			message = "This coupon could not be applied"
		}
		snapshot, _ := s.cart.Snapshot(sessionID)
		return CouponOutcome{
			Code:    code,
			Message: message,
			View:    CartView{Snapshot: snapshot},
		}, nil
	}
	if !result.Applied {
		snapshot, _ := s.cart.Snapshot(sessionID)
		return CouponOutcome{
			Code:    code,
			Message: strings.TrimSpace(result.Message),
			View:    CartView{Snapshot: snapshot},
		}, nil
	}

	view, err := s.resync(ctx, cmd)
	if err != nil {
		return CouponOutcome{Applied: true, Code: result.Code}, err
	}

	s.logger(ctx, "coupon.applied", map[string]any{
		"sessionId": sessionID,
		"cartId":    view.Snapshot.ID,
		"code":      result.Code,
	})
	return CouponOutcome{
		Applied: true,
		Code:    result.Code,
		Message: strings.TrimSpace(result.Message),
		View:    view,
	}, nil
}

// Remove implements the CouponService interface. Removing a coupon changes
// the payable total, so a shopper on the payment stage is pushed back to
// method selection via StageReset.
func (s *couponService) Remove(ctx context.Context, cmd CouponCommand) (CouponOutcome, error) {
	if s == nil || s.gw == nil {
		return CouponOutcome{}, ErrCouponUnavailable
	}
	sessionID := strings.TrimSpace(cmd.SessionID)
	if sessionID == "" {
		return CouponOutcome{}, ErrCouponInvalidInput
	}

	snapshot, known := s.cart.Snapshot(sessionID)
	couponID := ""
	if known {
		couponID = snapshot.Coupon.ID
	}

	if _, err := s.gw.RemoveCoupon(ctx, cmd.CartID, couponID); err != nil {
		if gateway.IsTransport(err) {
			return CouponOutcome{}, fmt.Errorf("%w: %v", ErrCouponUnavailable, err)
		}
		return CouponOutcome{}, fmt.Errorf("%w: %s", ErrCouponInvalidInput, gateway.RejectionMessage(err))
	}

	view, err := s.resync(ctx, cmd)
	if err != nil {
		return CouponOutcome{}, err
	}

	s.logger(ctx, "coupon.removed", map[string]any{
		"sessionId": sessionID,
		"cartId":    view.Snapshot.ID,
	})
	return CouponOutcome{
		Applied:    false,
		StageReset: cmd.Stage == domain.StagePayment,
		View:       view,
	}, nil
}

// ApplyRewardPoints implements the CouponService interface. The redemption
// toast fires at most once per cart: the marker is written before the
// gateway call and rolled back if redemption fails, so a crash between the
// two at worst suppresses a toast, never duplicates one.
func (s *couponService) ApplyRewardPoints(ctx context.Context, cmd RewardCommand) (RewardOutcome, error) {
	if s == nil || s.gw == nil {
		return RewardOutcome{}, ErrCouponUnavailable
	}
	sessionID := strings.TrimSpace(cmd.SessionID)
	if sessionID == "" {
		return RewardOutcome{}, ErrCouponInvalidInput
	}

	markerKey := session.LoyaltyToastKey(cmd.CartID)
	alreadyShown := false
	markerPending := false
	if cmd.Redeem && s.sessions != nil {
		shown, err := session.Flag(ctx, s.sessions, sessionID, markerKey)
		if err != nil {
			s.logger(ctx, "reward.marker.read_failed", map[string]any{
				"sessionId": sessionID,
				"error":     err.Error(),
			})
		}
		alreadyShown = shown
		if !alreadyShown {
			if err := session.SetFlag(ctx, s.sessions, sessionID, markerKey, true); err == nil {
				markerPending = true
			}
		}
	}

	result, err := s.gw.ApplyLoyaltyPoints(ctx, cmd.CartID, cmd.Redeem)
	if err != nil || !result.Success {
		if markerPending {
			if delErr := s.sessions.Delete(ctx, sessionID, markerKey); delErr != nil {
				s.logger(ctx, "reward.marker.rollback_failed", map[string]any{
					"sessionId": sessionID,
					"error":     delErr.Error(),
				})
			}
		}
		if err != nil {
			if gateway.IsTransport(err) {
				return RewardOutcome{}, fmt.Errorf("%w: %v", ErrCouponUnavailable, err)
			}
			return RewardOutcome{}, fmt.Errorf("%w: %s", ErrCouponInvalidInput, gateway.RejectionMessage(err))
		}
		return RewardOutcome{}, fmt.Errorf("%w: %s", ErrCouponInvalidInput, strings.TrimSpace(result.Message))
	}

	view, err := s.cart.Resync(ctx, RefreshCommand{
		SessionID: sessionID,
		CartID:    cmd.CartID,
		BuyNow:    cmd.BuyNow,
		Stage:     cmd.Stage,
	})
	if err != nil {
		// The toggle landed server-side but could not be read back.
		// Applied state only ever comes from a server read, so report
		// the last confirmed snapshot and hold the toast.
		out := RewardOutcome{}
		if snap, known := s.cart.Snapshot(sessionID); known {
			out.Applied = snap.RewardPoints.IsApplied
			out.View = CartView{Snapshot: snap}
		}
		return out, err
	}

	return RewardOutcome{
		Applied:   view.Snapshot.RewardPoints.IsApplied,
		ShowToast: cmd.Redeem && markerPending,
		View:      view,
	}, nil
}

func (s *couponService) resync(ctx context.Context, cmd CouponCommand) (CartView, error) {
	return s.cart.Resync(ctx, RefreshCommand{
		SessionID: cmd.SessionID,
		CartID:    cmd.CartID,
		BuyNow:    cmd.BuyNow,
		Stage:     cmd.Stage,
	})
}
