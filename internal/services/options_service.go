package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/threadline/checkout/internal/domain"
	"github.com/threadline/checkout/internal/gateway"
)

var (
	errOptionsGatewayRequired = errors.New("options service: gateway is required")
	errOptionsClockRequired   = errors.New("options service: clock is required")
)

// ErrOptionsInvalidInput indicates the caller supplied invalid input.
var ErrOptionsInvalidInput = errors.New("options service: invalid input")

// ErrOptionsUnavailable indicates the option set could not be resolved.
var ErrOptionsUnavailable = errors.New("options service: unavailable")

// OptionsServiceDeps wires the gateway dependency for option resolution.
type OptionsServiceDeps struct {
	Gateway gateway.Gateway
	Clock   func() time.Time
	Logger  func(context.Context, string, map[string]any)
	// TTL bounds how long a cached set may be served even when the amount
	// is unchanged. Zero disables the time bound.
	TTL time.Duration
}

type cachedOptions struct {
	set        domain.PaymentOptionSet
	resolvedAt time.Time
}

type optionsService struct {
	gw     gateway.Gateway
	now    func() time.Time
	logger func(context.Context, string, map[string]any)
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cachedOptions
}

// NewOptionsService constructs an OptionsService enforcing dependency
// validation.
func NewOptionsService(deps OptionsServiceDeps) (OptionsService, error) {
	if deps.Gateway == nil {
		return nil, errOptionsGatewayRequired
	}
	if deps.Clock == nil {
		return nil, errOptionsClockRequired
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &optionsService{
		gw:     deps.Gateway,
		now:    func() time.Time { return deps.Clock().UTC() },
		logger: logger,
		ttl:    deps.TTL,
		cache:  make(map[string]cachedOptions),
	}, nil
}

// Resolve implements the OptionsService interface. A cached set is served
// only while its amount matches the requested amount exactly; any difference
// means the total moved and the set must be re-resolved.
func (s *optionsService) Resolve(ctx context.Context, cmd OptionsCommand) (PaymentOptionSet, error) {
	if s == nil || s.gw == nil {
		return PaymentOptionSet{}, ErrOptionsUnavailable
	}
	sessionID := strings.TrimSpace(cmd.SessionID)
	if sessionID == "" || cmd.AmountMinor < 0 {
		return PaymentOptionSet{}, ErrOptionsInvalidInput
	}

	// A zero total needs no payment method at all; skip the gateway and
	// hand back an empty set scoped to the amount.
	if cmd.AmountMinor == 0 {
		return PaymentOptionSet{CartID: cmd.CartID, AmountMinor: 0}, nil
	}

	s.mu.Lock()
	cached, ok := s.cache[sessionID]
	s.mu.Unlock()
	if ok && cached.set.AmountMinor == cmd.AmountMinor && s.fresh(cached) {
		return cached.set, nil
	}

	set, err := s.gw.ResolvePaymentOptions(ctx, gateway.OptionsRequest{
		CartID:      cmd.CartID,
		Pincode:     cmd.Pincode,
		Mode:        cmd.Mode,
		AmountMinor: cmd.AmountMinor,
	})
	if err != nil {
		if gateway.IsTransport(err) {
			return PaymentOptionSet{}, fmt.Errorf("%w: %v", ErrOptionsUnavailable, err)
		}
		if msg := gateway.RejectionMessage(err); msg != "" {
			return PaymentOptionSet{}, fmt.Errorf("%w: %s", ErrOptionsInvalidInput, msg)
		}
		return PaymentOptionSet{}, fmt.Errorf("%w: %v", ErrOptionsUnavailable, err)
	}

	s.mu.Lock()
	s.cache[sessionID] = cachedOptions{set: set, resolvedAt: s.now()}
	s.mu.Unlock()

	s.logger(ctx, "options.resolved", map[string]any{
		"sessionId": sessionID,
		"cartId":    cmd.CartID,
		"amount":    cmd.AmountMinor,
		"options":   len(set.Options),
	})
	return set, nil
}

// Invalidate implements the OptionsService interface.
func (s *optionsService) Invalidate(sessionID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.cache, strings.TrimSpace(sessionID))
	s.mu.Unlock()
}

func (s *optionsService) fresh(cached cachedOptions) bool {
	if s.ttl <= 0 {
		return true
	}
	return s.now().Sub(cached.resolvedAt) < s.ttl
}
