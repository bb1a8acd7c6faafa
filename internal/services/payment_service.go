package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/threadline/checkout/internal/aggregator"
	"github.com/threadline/checkout/internal/domain"
	"github.com/threadline/checkout/internal/gateway"
	"github.com/threadline/checkout/internal/session"
)

var (
	errPaymentGatewayRequired = errors.New("payment service: gateway is required")
	errPaymentCartRequired    = errors.New("payment service: cart service is required")
	errPaymentOptionsRequired = errors.New("payment service: options service is required")
	errPaymentClockRequired   = errors.New("payment service: clock is required")
)

// ErrPaymentInvalidInput indicates the selection or command is malformed.
var ErrPaymentInvalidInput = errors.New("payment service: invalid input")

// ErrPaymentUnavailable indicates the platform or aggregator could not be
// reached.
var ErrPaymentUnavailable = errors.New("payment service: unavailable")

// ErrMethodNotEligible indicates the selected method is not in the option
// set resolved for the current total.
var ErrMethodNotEligible = errors.New("payment service: method not eligible")

// ErrInvalidVPA indicates remote validation rejected a manually entered UPI
// VPA. Distinct from ErrPaymentInvalidInput so callers render it inline on
// the VPA field rather than as a generic failure.
var ErrInvalidVPA = errors.New("payment service: invalid vpa")

// ErrOrderCompleted indicates a checkout already succeeded in this session;
// the payment step is locked until a new session begins.
var ErrOrderCompleted = errors.New("payment service: order already completed")

// ErrCheckoutInProgress indicates another checkout for the session is still
// running.
var ErrCheckoutInProgress = errors.New("payment service: checkout in progress")

// OrderEvent describes a completed checkout for downstream consumers.
type OrderEvent struct {
	OrderID     string
	CartID      string
	SessionID   string
	AmountMinor int64
	Currency    string
	Method      string
	JourneyID   string
	CompletedAt time.Time
}

// orderPublisher delivers completed-order events. Publishing is best effort;
// a failure never rolls back a successful charge.
type orderPublisher interface {
	OrderCompleted(ctx context.Context, evt OrderEvent) error
}

// PaymentServiceDeps wires the collaborators of the payment state machine.
type PaymentServiceDeps struct {
	Gateway     gateway.Gateway
	Cart        CartService
	Options     OptionsService
	Sessions    session.Store
	Aggregators *aggregator.Registry
	Publisher   orderPublisher
	Clock       func() time.Time
	Logger      func(context.Context, string, map[string]any)
	IDGenerator func() string
}

type paymentService struct {
	gw          gateway.Gateway
	cart        CartService
	options     OptionsService
	sessions    session.Store
	aggregators *aggregator.Registry
	publisher   orderPublisher
	now         func() time.Time
	logger      func(context.Context, string, map[string]any)
	newID       func() string

	mu      sync.Mutex
	loading map[string]bool
}

// NewPaymentService constructs a PaymentService enforcing dependency
// validation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Gateway == nil {
		return nil, errPaymentGatewayRequired
	}
	if deps.Cart == nil {
		return nil, errPaymentCartRequired
	}
	if deps.Options == nil {
		return nil, errPaymentOptionsRequired
	}
	if deps.Clock == nil {
		return nil, errPaymentClockRequired
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	return &paymentService{
		gw:          deps.Gateway,
		cart:        deps.Cart,
		options:     deps.Options,
		sessions:    deps.Sessions,
		aggregators: deps.Aggregators,
		publisher:   deps.Publisher,
		now:         func() time.Time { return deps.Clock().UTC() },
		logger:      logger,
		newID:       idGen,
		loading:     make(map[string]bool),
	}, nil
}

// EnsureOpen implements the PaymentService interface.
func (s *paymentService) EnsureOpen(ctx context.Context, sessionID string) error {
	if s == nil {
		return ErrPaymentUnavailable
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrPaymentInvalidInput
	}
	if s.sessions == nil {
		return nil
	}
	completed, err := session.Flag(ctx, s.sessions, sessionID, session.KeyOrderCompleted)
	if err != nil {
		s.logger(ctx, "payment.completion_flag.read_failed", map[string]any{
			"sessionId": sessionID,
			"error":     err.Error(),
		})
	}
	if completed {
		return ErrOrderCompleted
	}
	return nil
}

// ValidateSelection implements the PaymentService interface.
func (s *paymentService) ValidateSelection(ctx context.Context, cmd CheckoutCommand) error {
	if s == nil || s.gw == nil {
		return ErrPaymentUnavailable
	}
	sessionID := strings.TrimSpace(cmd.SessionID)
	if sessionID == "" {
		return ErrPaymentInvalidInput
	}
	if err := s.EnsureOpen(ctx, sessionID); err != nil {
		return err
	}

	total, _, err := s.payableTotal(ctx, cmd)
	if err != nil {
		return err
	}
	if total == 0 || cmd.StoreCredit.FullyApplied(total) {
		// Nothing to validate: no primary method will be charged.
		return nil
	}
	_, _, err = s.validateMethod(ctx, cmd, total)
	return err
}

// Checkout implements the PaymentService interface. The per-session loading
// flag is cleared on every exit path so an aborted attempt can never wedge
// the session.
func (s *paymentService) Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutOutcome, error) {
	if s == nil || s.gw == nil {
		return CheckoutOutcome{}, ErrPaymentUnavailable
	}
	sessionID := strings.TrimSpace(cmd.SessionID)
	if sessionID == "" {
		return CheckoutOutcome{}, ErrPaymentInvalidInput
	}

	if !s.beginCheckout(sessionID) {
		return CheckoutOutcome{}, ErrCheckoutInProgress
	}
	defer s.endCheckout(sessionID)

	if err := s.EnsureOpen(ctx, sessionID); err != nil {
		return CheckoutOutcome{}, err
	}

	total, snapshot, err := s.payableTotal(ctx, cmd)
	if err != nil {
		return CheckoutOutcome{}, err
	}

	journeyID := strings.TrimSpace(cmd.JourneyID)
	if journeyID == "" {
		journeyID = s.newID()
	}

	legs, option, err := s.buildLegs(ctx, cmd, total)
	if err != nil {
		return CheckoutOutcome{}, err
	}
	if err := s.selectMode(ctx, cmd, legs, total); err != nil {
		return CheckoutOutcome{}, err
	}

	result, err := s.dispatch(ctx, cmd, snapshot, option, legs, total, journeyID)
	if err != nil {
		return CheckoutOutcome{}, err
	}

	outcome := CheckoutOutcome{
		Status:       result.Status,
		OrderID:      result.OrderID,
		RedirectURL:  result.RedirectURL,
		Code:         result.Code,
		Message:      result.Message,
		ResetPolling: cmd.Selection.Kind.Polls() && result.Status != domain.ChargeRedirect,
	}

	switch result.Status {
	case domain.ChargeSucceeded:
		s.completeOrder(ctx, cmd, snapshot, outcome, journeyID)
	case domain.ChargeRejected:
		if outcome.Code == "" {
			outcome.Code = "payment_rejected"
		}
		if outcome.Message == "" {
			outcome.Message = "Payment was not accepted"
		}
		s.logger(ctx, "payment.rejected", map[string]any{
			"sessionId": sessionID,
			"cartId":    cmd.CartID,
			"code":      outcome.Code,
		})
	}
	return outcome, nil
}

func (s *paymentService) beginCheckout(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loading[sessionID] {
		return false
	}
	s.loading[sessionID] = true
	return true
}

func (s *paymentService) endCheckout(sessionID string) {
	s.mu.Lock()
	delete(s.loading, sessionID)
	s.mu.Unlock()
}

// payableTotal returns the authoritative total, resyncing the snapshot when
// the session has none.
func (s *paymentService) payableTotal(ctx context.Context, cmd CheckoutCommand) (int64, CartSnapshot, error) {
	snapshot, known := s.cart.Snapshot(cmd.SessionID)
	if !known {
		view, err := s.cart.Resync(ctx, RefreshCommand{
			SessionID: cmd.SessionID,
			CartID:    cmd.CartID,
			BuyNow:    cmd.BuyNow,
			Stage:     domain.StagePayment,
		})
		if err != nil {
			return 0, CartSnapshot{}, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
		}
		snapshot = view.Snapshot
	}
	if snapshot.Empty() {
		return 0, snapshot, fmt.Errorf("%w: cart is empty", ErrPaymentInvalidInput)
	}
	if snapshot.HasOutOfStock || snapshot.HasUndeliverable {
		return 0, snapshot, fmt.Errorf("%w: cart has unavailable items", ErrPaymentInvalidInput)
	}
	total := snapshot.Total()
	if total < 0 {
		return 0, snapshot, fmt.Errorf("%w: negative total", ErrPaymentInvalidInput)
	}
	return total, snapshot, nil
}

// validateMethod resolves the option set for the collectable amount and runs
// the method's table validation, including remote VPA validation when the
// selection carries a manually entered VPA.
func (s *paymentService) validateMethod(ctx context.Context, cmd CheckoutCommand, total int64) (methodHandler, domain.PaymentOption, error) {
	collect := total - cmd.StoreCredit.AppliedAmount(total)

	handler, ok := methodHandlers[cmd.Selection.Kind]
	if !ok {
		handler = methodHandlers[domain.MethodOther]
	}

	set, err := s.options.Resolve(ctx, OptionsCommand{
		SessionID:   cmd.SessionID,
		CartID:      cmd.CartID,
		Pincode:     cmd.Pincode,
		Mode:        cmd.Mode,
		AmountMinor: total,
	})
	if err != nil {
		return methodHandler{}, domain.PaymentOption{}, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	}
	option, ok := set.Find(cmd.Selection.Kind)
	if !ok {
		return methodHandler{}, domain.PaymentOption{}, fmt.Errorf("%w: %s", ErrMethodNotEligible, cmd.Selection.Kind)
	}

	if err := handler.validate(cmd, option, collect); err != nil {
		return methodHandler{}, domain.PaymentOption{}, err
	}

	if handler.needsVPACheck != nil && handler.needsVPACheck(cmd) {
		result, err := s.gw.ValidateVPA(ctx, cmd.CartID, cmd.Selection.UPI.VPA)
		if err != nil {
			return methodHandler{}, domain.PaymentOption{}, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
		}
		if !result.Valid {
			message := result.Message
			if message == "" {
				message = "The UPI ID could not be verified"
			}
			return methodHandler{}, domain.PaymentOption{}, fmt.Errorf("%w: %s", ErrInvalidVPA, message)
		}
	}
	return handler, option, nil
}

// selectMode records the chosen payment mode and leg split against the cart
// before the checkout submission. The platform requires the selection on the
// cart; the refreshed breakup it returns is ignored because callers refetch.
func (s *paymentService) selectMode(ctx context.Context, cmd CheckoutCommand, legs []domain.PaymentLeg, total int64) error {
	if len(legs) == 0 {
		return nil
	}
	mode := cmd.Selection.Kind.ModeCode()
	if total == 0 || cmd.StoreCredit.FullyApplied(total) {
		mode = legs[0].Mode
	}
	if _, err := s.gw.SelectPaymentMode(ctx, gateway.SelectModeRequest{
		CartID: cmd.CartID,
		Mode:   mode,
		Legs:   legs,
	}); err != nil {
		if gateway.IsTransport(err) {
			return fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
		}
		return fmt.Errorf("%w: %s", ErrPaymentInvalidInput, gateway.RejectionMessage(err))
	}
	return nil
}

// buildLegs produces the payment legs for the checkout submission. Store
// credit fully covering the total yields a single CREDITNOTE leg and skips
// method selection entirely; partial credit yields two legs that always sum
// to the total.
func (s *paymentService) buildLegs(ctx context.Context, cmd CheckoutCommand, total int64) ([]domain.PaymentLeg, domain.PaymentOption, error) {
	if total == 0 {
		// Fully discounted order: auto-select the zero-value-compatible
		// method so the submission still names a mode; nothing is
		// collected on delivery.
		return []domain.PaymentLeg{{
			Mode:        domain.MethodCOD.ModeCode(),
			AmountMinor: 0,
		}}, domain.PaymentOption{}, nil
	}

	credit := cmd.StoreCredit.AppliedAmount(total)
	if cmd.StoreCredit.FullyApplied(total) {
		return []domain.PaymentLeg{{
			Mode:        domain.MethodStoreCredit.ModeCode(),
			AmountMinor: total,
		}}, domain.PaymentOption{}, nil
	}

	handler, option, err := s.validateMethod(ctx, cmd, total)
	if err != nil {
		return nil, domain.PaymentOption{}, err
	}

	primary := handler.buildLeg(cmd, option, total-credit)
	if credit > 0 {
		return []domain.PaymentLeg{
			{Mode: domain.MethodStoreCredit.ModeCode(), AmountMinor: credit},
			primary,
		}, option, nil
	}
	return []domain.PaymentLeg{primary}, option, nil
}

// dispatch submits the checkout, either through an aggregator SDK bridge
// when the routed aggregator asks for one, or through the platform checkout
// endpoint.
func (s *paymentService) dispatch(ctx context.Context, cmd CheckoutCommand, snapshot CartSnapshot, option domain.PaymentOption, legs []domain.PaymentLeg, total int64, journeyID string) (domain.ChargeResult, error) {
	route, hasRoute := option.Route(cmd.Selection.Aggregator)
	if !hasRoute && len(option.Routes) > 0 {
		route = option.Routes[0]
		hasRoute = true
	}

	if hasRoute && route.SDK && s.aggregators != nil && s.aggregators.Supports(route.Aggregator) {
		collect := total - cmd.StoreCredit.AppliedAmount(total)
		result, err := s.aggregators.Charge(ctx, aggregator.ChargeRequest{
			CartID:      cmd.CartID,
			AmountMinor: collect,
			Currency:    snapshot.Currency,
			Method:      cmd.Selection.Kind,
			Route:       route,
			Card:        cmd.Selection.Card,
			SavedCard:   cmd.Selection.SavedCard,
			UPI:         cmd.Selection.UPI,
			JourneyID:   journeyID,
			Meta:        cmd.Meta,
		})
		if err != nil {
			return domain.ChargeResult{}, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
		}
		if result.Status == domain.ChargeSucceeded {
			// The bridge collects only the remainder; the platform still
			// needs the full leg set, store-credit leg included, to
			// record the order.
			recorded, err := s.gw.CheckoutPayment(ctx, gateway.CheckoutRequest{
				CartID:     cmd.CartID,
				Mode:       cmd.Mode,
				Aggregator: route.Aggregator,
				Pincode:    cmd.Pincode,
				Legs:       legs,
				Meta:       cmd.Meta,
				JourneyID:  journeyID,
			})
			if err != nil {
				s.logger(ctx, "payment.record_failed", map[string]any{
					"cartId":    cmd.CartID,
					"journeyId": journeyID,
					"error":     err.Error(),
				})
			} else if recorded.OrderID != "" {
				result.OrderID = recorded.OrderID
			}
		}
		return result, nil
	}

	aggregatorName := strings.TrimSpace(cmd.Selection.Aggregator)
	if aggregatorName == "" && hasRoute {
		aggregatorName = route.Aggregator
	}

	result, err := s.gw.CheckoutPayment(ctx, gateway.CheckoutRequest{
		CartID:     cmd.CartID,
		Mode:       cmd.Mode,
		Aggregator: aggregatorName,
		Pincode:    cmd.Pincode,
		Legs:       legs,
		Meta:       cmd.Meta,
		JourneyID:  journeyID,
	})
	if err != nil {
		if gateway.IsTransport(err) {
			return domain.ChargeResult{}, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
		}
		// A business rejection at checkout is a terminal outcome, not an
		// error: normalise it into the shared result shape.
		var gerr *gateway.Error
		if errors.As(err, &gerr) {
			code := gerr.Code
			if code == "" {
				code = "payment_rejected"
			}
			return domain.ChargeResult{
				Status:  domain.ChargeRejected,
				Code:    code,
				Message: gerr.Message,
			}, nil
		}
		return domain.ChargeResult{}, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	}
	return result, nil
}

// completeOrder locks the session against payment re-entry and publishes the
// completion event. Both are best effort: the order already exists.
func (s *paymentService) completeOrder(ctx context.Context, cmd CheckoutCommand, snapshot CartSnapshot, outcome CheckoutOutcome, journeyID string) {
	sessionID := strings.TrimSpace(cmd.SessionID)

	if s.sessions != nil {
		if err := session.SetFlag(ctx, s.sessions, sessionID, session.KeyOrderCompleted, true); err != nil {
			s.logger(ctx, "payment.completion_flag.write_failed", map[string]any{
				"sessionId": sessionID,
				"orderId":   outcome.OrderID,
				"error":     err.Error(),
			})
		}
	}

	if s.publisher != nil {
		evt := OrderEvent{
			OrderID:     outcome.OrderID,
			CartID:      cmd.CartID,
			SessionID:   sessionID,
			AmountMinor: snapshot.Total(),
			Currency:    snapshot.Currency,
			Method:      string(cmd.Selection.Kind),
			JourneyID:   journeyID,
			CompletedAt: s.now(),
		}
		if err := s.publisher.OrderCompleted(ctx, evt); err != nil {
			s.logger(ctx, "payment.event.publish_failed", map[string]any{
				"sessionId": sessionID,
				"orderId":   outcome.OrderID,
				"error":     err.Error(),
			})
		}
	}

	s.logger(ctx, "payment.completed", map[string]any{
		"sessionId": sessionID,
		"cartId":    cmd.CartID,
		"orderId":   outcome.OrderID,
	})
}
