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
	"github.com/threadline/checkout/internal/session"
)

var (
	errCartGatewayRequired = errors.New("cart service: gateway is required")
	errCartClockRequired   = errors.New("cart service: clock is required")
)

// ErrCartInvalidInput indicates the caller supplied invalid input.
var ErrCartInvalidInput = errors.New("cart service: invalid input")

// ErrCartUnavailable indicates the platform could not be reached.
var ErrCartUnavailable = errors.New("cart service: unavailable")

// ErrCartLineNotFound indicates the referenced line is not in the snapshot.
var ErrCartLineNotFound = errors.New("cart service: line not found")

// optionsInvalidator lets the cart service drop a stale payment option cache
// without depending on the options service directly.
type optionsInvalidator interface {
	Invalidate(sessionID string)
}

// CartServiceDeps wires the gateway and session dependencies for cart
// operations.
type CartServiceDeps struct {
	Gateway  gateway.Gateway
	Sessions session.Store
	Options  optionsInvalidator
	Clock    func() time.Time
	Logger   func(context.Context, string, map[string]any)
}

// cartState is the per-session view of the cart. The fetching flag gates
// concurrent refreshes: while a fetch is in flight, further refresh requests
// are dropped rather than queued, so a burst of refreshes produces exactly
// one gateway call. The generation counter orders commits: every fetch claims
// a generation when it starts, and only the latest claim may replace the
// snapshot, so a response from an older fetch can never overwrite the result
// of a newer one.
type cartState struct {
	mu       sync.Mutex
	op       sync.Mutex
	fetching bool
	gen      uint64
	snapshot domain.CartSnapshot
	known    bool
}

type cartService struct {
	gw       gateway.Gateway
	sessions session.Store
	options  optionsInvalidator
	now      func() time.Time
	logger   func(context.Context, string, map[string]any)

	mu     sync.Mutex
	states map[string]*cartState
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Gateway == nil {
		return nil, errCartGatewayRequired
	}
	if deps.Clock == nil {
		return nil, errCartClockRequired
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &cartService{
		gw:       deps.Gateway,
		sessions: deps.Sessions,
		options:  deps.Options,
		now:      func() time.Time { return deps.Clock().UTC() },
		logger:   logger,
		states:   make(map[string]*cartState),
	}, nil
}

func (s *cartService) state(sessionID string) *cartState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[sessionID]
	if !ok {
		st = &cartState{}
		s.states[sessionID] = st
	}
	return st
}

// Refresh implements the CartService interface.
func (s *cartService) Refresh(ctx context.Context, cmd RefreshCommand) (CartView, error) {
	if s == nil || s.gw == nil {
		return CartView{}, ErrCartUnavailable
	}
	sessionID := strings.TrimSpace(cmd.SessionID)
	if sessionID == "" {
		return CartView{}, ErrCartInvalidInput
	}

	st := s.state(sessionID)
	st.mu.Lock()
	if st.fetching {
		view := CartView{Snapshot: st.snapshot, Dropped: true}
		st.mu.Unlock()
		s.logger(ctx, "cart.refresh.dropped", map[string]any{
			"sessionId": sessionID,
			"cartId":    cmd.CartID,
		})
		return view, nil
	}
	st.fetching = true
	st.gen++
	gen := st.gen
	st.mu.Unlock()

	snap, err := s.gw.FetchCart(ctx, gateway.FetchCartRequest{
		CartID:          cmd.CartID,
		BuyNow:          cmd.BuyNow,
		IncludeAllItems: true,
		IncludeBreakup:  true,
	})

	st.mu.Lock()
	if st.gen == gen {
		st.fetching = false
	}
	if err != nil {
		view := CartView{Snapshot: st.snapshot}
		st.mu.Unlock()
		return view, s.translateGatewayError(err)
	}
	if st.gen != gen {
		// A mutation refetched while this fetch was outstanding; its
		// snapshot is newer, so this response is discarded.
		view := CartView{Snapshot: st.snapshot, Dropped: true}
		st.mu.Unlock()
		s.logger(ctx, "cart.refresh.superseded", map[string]any{
			"sessionId": sessionID,
			"cartId":    cmd.CartID,
		})
		return view, nil
	}
	s.commitLocked(ctx, sessionID, st, snap)
	st.mu.Unlock()
	return CartView{Snapshot: snap}, nil
}

// commitLocked replaces the session snapshot wholesale. Caller holds st.mu.
// A cart identifier change drops the previous cart's loyalty toast markers
// and the cached option set; a changed total also invalidates options, since
// an option set is only valid for the exact amount it was resolved for.
func (s *cartService) commitLocked(ctx context.Context, sessionID string, st *cartState, snap domain.CartSnapshot) {
	cartChanged := st.known && snap.ID != "" && st.snapshot.ID != snap.ID
	totalChanged := st.known && st.snapshot.Total() != snap.Total()

	if cartChanged && s.sessions != nil {
		if _, err := s.sessions.DeletePrefix(ctx, sessionID, session.LoyaltyToastPrefix); err != nil {
			s.logger(ctx, "cart.markers.reset_failed", map[string]any{
				"sessionId": sessionID,
				"error":     err.Error(),
			})
		}
	}
	if (cartChanged || totalChanged) && s.options != nil {
		s.options.Invalidate(sessionID)
	}

	st.snapshot = snap
	st.known = true
}

// Resync implements the CartService interface. Unlike Refresh it serialises
// behind any in-flight mutation instead of dropping, so callers chaining a
// refetch after a coupon or reward change always get the post-change state.
func (s *cartService) Resync(ctx context.Context, cmd RefreshCommand) (CartView, error) {
	if s == nil || s.gw == nil {
		return CartView{}, ErrCartUnavailable
	}
	sessionID := strings.TrimSpace(cmd.SessionID)
	if sessionID == "" {
		return CartView{}, ErrCartInvalidInput
	}

	st := s.state(sessionID)
	st.op.Lock()
	defer st.op.Unlock()
	return s.refetch(ctx, sessionID, st, cmd.CartID, cmd.BuyNow, cmd.Stage, false)
}

// Snapshot implements the CartService interface.
func (s *cartService) Snapshot(sessionID string) (CartSnapshot, bool) {
	if s == nil {
		return CartSnapshot{}, false
	}
	st := s.state(strings.TrimSpace(sessionID))
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot, st.known
}

// UpdateItem implements the CartService interface.
func (s *cartService) UpdateItem(ctx context.Context, cmd UpdateItemCommand) (CartView, error) {
	if s == nil || s.gw == nil {
		return CartView{}, ErrCartUnavailable
	}
	sessionID := strings.TrimSpace(cmd.SessionID)
	if sessionID == "" || cmd.Quantity < 0 {
		return CartView{}, ErrCartInvalidInput
	}

	st := s.state(sessionID)
	st.op.Lock()
	defer st.op.Unlock()

	snap, err := s.currentSnapshot(ctx, sessionID, st, cmd.CartID, cmd.BuyNow)
	if err != nil {
		return CartView{}, err
	}

	line, ok := findLine(snap, cmd.Key)
	if !ok {
		return CartView{Snapshot: snap}, ErrCartLineNotFound
	}

	quantity, maxReached := clampQuantity(line, cmd.Quantity)
	if cmd.Quantity == 0 && line.Quantity > lineMinimum(line) {
		// Zeroing a line that sits above its minimum is a manual edit,
		// not a removal: reset to the minimum. Removal intent only
		// applies once the line is already at its minimum.
		quantity = lineMinimum(line)
	}
	if quantity == line.Quantity && quantity != 0 {
		// Clamping landed on the current quantity; nothing to submit.
		return CartView{Snapshot: snap, MaxReached: maxReached}, nil
	}

	operation := gateway.OperationUpdateItem
	if quantity == 0 {
		operation = gateway.OperationRemoveItem
	}
	if cmd.FulfillmentOption != "" && cmd.FulfillmentOption != line.FulfillmentOption {
		operation = gateway.OperationEditItem
	}

	articleID := cmd.ArticleID
	if articleID == "" {
		articleID = line.ArticleID
	}

	result, err := s.gw.UpdateCart(ctx, gateway.UpdateCartRequest{
		CartID:    cmd.CartID,
		BuyNow:    cmd.BuyNow,
		Operation: operation,
		Items: []gateway.UpdateItem{{
			ArticleID:         articleID,
			ProductID:         cmd.Key.ProductID,
			StoreID:           cmd.Key.StoreID,
			ItemSize:          cmd.Key.Size,
			ItemIndex:         cmd.Key.ItemIndex,
			Quantity:          quantity,
			FulfillmentOption: cmd.FulfillmentOption,
		}},
	})

	message := ""
	switch {
	case err != nil && gateway.IsTransport(err):
		return CartView{Snapshot: snap}, s.translateGatewayError(err)
	case err != nil:
		message = gateway.RejectionMessage(err)
	case !result.Success:
		message = strings.TrimSpace(result.Message)
	}

	view, err := s.refetch(ctx, sessionID, st, cmd.CartID, cmd.BuyNow, cmd.Stage, true)
	if err != nil {
		return CartView{Snapshot: snap, Message: message, MaxReached: maxReached}, err
	}
	view.Message = message
	view.MaxReached = maxReached
	return view, nil
}

// RemoveItems implements the CartService interface. Removals run one by one
// and individual failures do not abort the batch; the cart is refetched once
// at the end regardless of how many removals landed.
func (s *cartService) RemoveItems(ctx context.Context, cmd RemoveItemsCommand) (RemoveItemsResult, error) {
	if s == nil || s.gw == nil {
		return RemoveItemsResult{}, ErrCartUnavailable
	}
	sessionID := strings.TrimSpace(cmd.SessionID)
	if sessionID == "" {
		return RemoveItemsResult{}, ErrCartInvalidInput
	}

	st := s.state(sessionID)
	st.op.Lock()
	defer st.op.Unlock()

	snap, err := s.currentSnapshot(ctx, sessionID, st, cmd.CartID, cmd.BuyNow)
	if err != nil {
		return RemoveItemsResult{}, err
	}

	targets := make([]domain.LineItem, 0, len(cmd.Keys))
	if len(cmd.Keys) == 0 {
		for _, line := range snap.Items {
			if line.OutOfStock || !line.Deliverable {
				targets = append(targets, line)
			}
		}
	} else {
		for _, key := range cmd.Keys {
			line, ok := findLine(snap, key)
			if !ok {
				continue
			}
			targets = append(targets, line)
		}
	}
	if len(targets) == 0 {
		return RemoveItemsResult{View: CartView{Snapshot: snap}}, nil
	}

	removed := 0
	for _, line := range targets {
		result, err := s.gw.UpdateCart(ctx, gateway.UpdateCartRequest{
			CartID:    cmd.CartID,
			BuyNow:    cmd.BuyNow,
			Operation: gateway.OperationRemoveItem,
			Items: []gateway.UpdateItem{{
				ArticleID: line.ArticleID,
				ProductID: line.Key.ProductID,
				StoreID:   line.Key.StoreID,
				ItemSize:  line.Key.Size,
				ItemIndex: line.Key.ItemIndex,
				Quantity:  0,
			}},
		})
		if err != nil {
			s.logger(ctx, "cart.remove.failed", map[string]any{
				"sessionId": sessionID,
				"productId": line.Key.ProductID,
				"error":     err.Error(),
			})
			continue
		}
		if !result.Success {
			s.logger(ctx, "cart.remove.rejected", map[string]any{
				"sessionId": sessionID,
				"productId": line.Key.ProductID,
				"message":   result.Message,
			})
			continue
		}
		removed++
	}

	view, err := s.refetch(ctx, sessionID, st, cmd.CartID, cmd.BuyNow, cmd.Stage, true)
	if err != nil {
		return RemoveItemsResult{Requested: len(targets), Removed: removed}, err
	}
	if removed < len(targets) {
		view.Message = fmt.Sprintf("Removed %d of %d items", removed, len(targets))
	}
	return RemoveItemsResult{
		Requested: len(targets),
		Removed:   removed,
		View:      view,
	}, nil
}

// currentSnapshot returns the session's snapshot, fetching one when the
// session has none yet.
func (s *cartService) currentSnapshot(ctx context.Context, sessionID string, st *cartState, cartID string, buyNow bool) (domain.CartSnapshot, error) {
	st.mu.Lock()
	if st.known {
		snap := st.snapshot
		st.mu.Unlock()
		return snap, nil
	}
	st.gen++
	gen := st.gen
	st.mu.Unlock()

	snap, err := s.gw.FetchCart(ctx, gateway.FetchCartRequest{
		CartID:          cartID,
		BuyNow:          buyNow,
		IncludeAllItems: true,
		IncludeBreakup:  true,
	})
	if err != nil {
		return domain.CartSnapshot{}, s.translateGatewayError(err)
	}

	st.mu.Lock()
	if st.gen == gen {
		s.commitLocked(ctx, sessionID, st, snap)
	} else {
		snap = st.snapshot
	}
	st.mu.Unlock()
	return snap, nil
}

// refetch replaces the snapshot after a mutation and runs the post-mutation
// side effects: silent loyalty re-apply (when reapplyLoyalty is set) and, on
// the payment stage, option cache invalidation. Intentional loyalty toggles
// resync with reapplyLoyalty false so an un-redeem is not undone.
func (s *cartService) refetch(ctx context.Context, sessionID string, st *cartState, cartID string, buyNow bool, stage CheckoutStage, reapplyLoyalty bool) (CartView, error) {
	st.mu.Lock()
	prev := st.snapshot
	hadPrev := st.known
	st.fetching = true
	st.gen++
	gen := st.gen
	st.mu.Unlock()

	snap, err := s.gw.FetchCart(ctx, gateway.FetchCartRequest{
		CartID:          cartID,
		BuyNow:          buyNow,
		IncludeAllItems: true,
		IncludeBreakup:  true,
	})
	if err != nil {
		st.mu.Lock()
		if st.gen == gen {
			st.fetching = false
		}
		st.mu.Unlock()
		return CartView{}, s.translateGatewayError(err)
	}

	// A mutation can silently shed the loyalty redemption server-side.
	// Re-apply without surfacing anything to the shopper; a failure here
	// only logs because the cart itself is already consistent.
	if reapplyLoyalty && hadPrev && prev.RewardPoints.IsApplied && !snap.RewardPoints.IsApplied && !snap.Empty() {
		if _, err := s.gw.ApplyLoyaltyPoints(ctx, cartID, true); err != nil {
			s.logger(ctx, "cart.loyalty.reapply_failed", map[string]any{
				"sessionId": sessionID,
				"error":     err.Error(),
			})
		} else if reapplied, err := s.gw.FetchCart(ctx, gateway.FetchCartRequest{
			CartID:          cartID,
			BuyNow:          buyNow,
			IncludeAllItems: true,
			IncludeBreakup:  true,
		}); err == nil {
			snap = reapplied
		}
	}

	st.mu.Lock()
	if st.gen == gen {
		st.fetching = false
		s.commitLocked(ctx, sessionID, st, snap)
	} else {
		snap = st.snapshot
	}
	st.mu.Unlock()

	if stage == domain.StagePayment && s.options != nil {
		s.options.Invalidate(sessionID)
	}
	return CartView{Snapshot: snap}, nil
}

func (s *cartService) translateGatewayError(err error) error {
	if gateway.IsTransport(err) {
		return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
	}
	if msg := gateway.RejectionMessage(err); msg != "" {
		return fmt.Errorf("%w: %s", ErrCartInvalidInput, msg)
	}
	return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
}

func findLine(snap domain.CartSnapshot, key domain.ItemKey) (domain.LineItem, bool) {
	for _, line := range snap.Items {
		if line.Key == key {
			return line, true
		}
	}
	return domain.LineItem{}, false
}

// lineMinimum is the smallest quantity a line may hold while staying in the
// cart. Lines without an explicit minimum bottom out at one.
func lineMinimum(line domain.LineItem) int {
	if line.MinQuantity > 0 {
		return line.MinQuantity
	}
	return 1
}

// clampQuantity bounds the requested quantity to the line's limits. Custom
// order lines bypass the upper bound entirely. The clamp is silent: the
// caller gets the adjusted quantity plus a flag, never an error.
func clampQuantity(line domain.LineItem, requested int) (int, bool) {
	if requested == 0 {
		return 0, false
	}
	quantity := requested
	maxReached := false
	if !line.CustomOrder && line.MaxQuantity > 0 && quantity >= line.MaxQuantity {
		maxReached = quantity > line.MaxQuantity
		quantity = line.MaxQuantity
	}
	if line.MinQuantity > 0 && quantity < line.MinQuantity {
		quantity = line.MinQuantity
	}
	return quantity, maxReached
}
