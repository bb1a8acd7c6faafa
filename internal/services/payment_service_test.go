package services

import (
	"context"
	"errors"
	"testing"

	"github.com/threadline/checkout/internal/aggregator"
	"github.com/threadline/checkout/internal/domain"
	"github.com/threadline/checkout/internal/gateway"
	"github.com/threadline/checkout/internal/session"
)

type capturedEvent struct {
	events []OrderEvent
	err    error
}

func (c *capturedEvent) OrderCompleted(_ context.Context, evt OrderEvent) error {
	c.events = append(c.events, evt)
	return c.err
}

type paymentFixture struct {
	gw      *stubGateway
	store   *session.MemoryStore
	events  *capturedEvent
	payment PaymentService
	cart    CartService
}

func newPaymentFixture(t *testing.T, gw *stubGateway) *paymentFixture {
	t.Helper()
	store := session.NewMemoryStore()
	cart := newTestCartService(t, gw, store, nil)
	options, err := NewOptionsService(OptionsServiceDeps{Gateway: gw, Clock: testClock})
	if err != nil {
		t.Fatalf("NewOptionsService: %v", err)
	}
	events := &capturedEvent{}
	payment, err := NewPaymentService(PaymentServiceDeps{
		Gateway:   gw,
		Cart:      cart,
		Options:   options,
		Sessions:  store,
		Publisher: events,
		Clock:     testClock,
		IDGenerator: func() string {
			return "journey-test"
		},
	})
	if err != nil {
		t.Fatalf("NewPaymentService: %v", err)
	}
	return &paymentFixture{gw: gw, store: store, events: events, payment: payment, cart: cart}
}

func paymentGateway(total int64) *stubGateway {
	snap := snapshotFixture("cart-1", total)
	return &stubGateway{
		fetchFunc: func(_ context.Context, _ gateway.FetchCartRequest) (domain.CartSnapshot, error) {
			return snap, nil
		},
		optionsFunc: func(_ context.Context, req gateway.OptionsRequest) (domain.PaymentOptionSet, error) {
			set := optionSetFixture(req.AmountMinor)
			set.Options = append(set.Options, domain.PaymentOption{
				Code: "NB", Kind: domain.MethodNetBanking, DisplayPriority: 3,
				Routes: []domain.AggregatorRoute{{Aggregator: "platform"}},
			})
			return set, nil
		},
	}
}

func upiCommand(sessionID string) CheckoutCommand {
	return CheckoutCommand{
		SessionID: sessionID,
		CartID:    "cart-1",
		Mode:      domain.CheckoutModeSelf,
		Pincode:   "560001",
		Selection: MethodSelection{
			Kind: domain.MethodUPI,
			UPI:  &domain.UPISelection{VPA: "shopper@upi"},
		},
	}
}

func TestCheckoutZeroTotalBypassesMethodSelection(t *testing.T) {
	gw := paymentGateway(0)
	snap := snapshotFixture("cart-1", 0)
	snap.Breakup = []domain.BreakupComponent{{Key: domain.BreakupKeyTotal, Value: 0, Currency: "INR"}}
	snap.Items[0].UnitPrice = 0
	gw.fetchFunc = func(_ context.Context, _ gateway.FetchCartRequest) (domain.CartSnapshot, error) {
		return snap, nil
	}

	var submitted gateway.CheckoutRequest
	gw.payFunc = func(_ context.Context, req gateway.CheckoutRequest) (domain.ChargeResult, error) {
		submitted = req
		return domain.ChargeResult{Status: domain.ChargeSucceeded, OrderID: "ord-1"}, nil
	}
	optionCalls := 0
	base := gw.optionsFunc
	gw.optionsFunc = func(ctx context.Context, req gateway.OptionsRequest) (domain.PaymentOptionSet, error) {
		optionCalls++
		return base(ctx, req)
	}

	fx := newPaymentFixture(t, gw)
	outcome, err := fx.payment.Checkout(context.Background(), CheckoutCommand{
		SessionID: "sess-1",
		CartID:    "cart-1",
		Mode:      domain.CheckoutModeSelf,
	})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if outcome.Status != domain.ChargeSucceeded {
		t.Fatalf("status = %q", outcome.Status)
	}
	if len(submitted.Legs) != 1 {
		t.Fatalf("zero-total checkout submitted %d legs, want 1", len(submitted.Legs))
	}
	if submitted.Legs[0].Mode != domain.MethodCOD.ModeCode() || submitted.Legs[0].AmountMinor != 0 {
		t.Fatalf("leg = %+v, want zero-value %s leg", submitted.Legs[0], domain.MethodCOD.ModeCode())
	}
	if optionCalls != 0 {
		t.Fatalf("option resolution calls = %d, want 0", optionCalls)
	}
}

func TestCheckoutFullStoreCreditSingleLeg(t *testing.T) {
	gw := paymentGateway(120000)
	var submitted gateway.CheckoutRequest
	gw.payFunc = func(_ context.Context, req gateway.CheckoutRequest) (domain.ChargeResult, error) {
		submitted = req
		return domain.ChargeResult{Status: domain.ChargeSucceeded, OrderID: "ord-1"}, nil
	}

	fx := newPaymentFixture(t, gw)
	outcome, err := fx.payment.Checkout(context.Background(), CheckoutCommand{
		SessionID:   "sess-1",
		CartID:      "cart-1",
		Mode:        domain.CheckoutModeSelf,
		StoreCredit: StoreCredit{Applied: true, BalanceMinor: 150000},
	})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if outcome.Status != domain.ChargeSucceeded {
		t.Fatalf("status = %q", outcome.Status)
	}
	if len(submitted.Legs) != 1 {
		t.Fatalf("legs = %d, want single credit leg", len(submitted.Legs))
	}
	leg := submitted.Legs[0]
	if leg.Mode != "CREDITNOTE" || leg.AmountMinor != 120000 {
		t.Fatalf("credit leg = %+v", leg)
	}
}

func TestCheckoutPartialStoreCreditTwoLegsSumToTotal(t *testing.T) {
	gw := paymentGateway(120000)
	var submitted gateway.CheckoutRequest
	gw.payFunc = func(_ context.Context, req gateway.CheckoutRequest) (domain.ChargeResult, error) {
		submitted = req
		return domain.ChargeResult{Status: domain.ChargeSucceeded, OrderID: "ord-1"}, nil
	}

	fx := newPaymentFixture(t, gw)
	cmd := upiCommand("sess-1")
	cmd.StoreCredit = StoreCredit{Applied: true, BalanceMinor: 50000}
	if _, err := fx.payment.Checkout(context.Background(), cmd); err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	if len(submitted.Legs) != 2 {
		t.Fatalf("legs = %d, want 2", len(submitted.Legs))
	}
	credit, primary := submitted.Legs[0], submitted.Legs[1]
	if credit.Mode != "CREDITNOTE" || credit.AmountMinor != 50000 {
		t.Fatalf("credit leg = %+v", credit)
	}
	if primary.Mode != "UPI" || primary.AmountMinor != 70000 {
		t.Fatalf("primary leg = %+v", primary)
	}
	if credit.AmountMinor+primary.AmountMinor != 120000 {
		t.Fatal("legs do not sum to the total")
	}
}

func TestCheckoutMethodNotEligible(t *testing.T) {
	gw := paymentGateway(120000)
	fx := newPaymentFixture(t, gw)

	cmd := upiCommand("sess-1")
	cmd.Selection = MethodSelection{Kind: domain.MethodWallet, WalletCode: "paytm"}
	_, err := fx.payment.Checkout(context.Background(), cmd)
	if !errors.Is(err, ErrMethodNotEligible) {
		t.Fatalf("err = %v, want ErrMethodNotEligible", err)
	}
}

func TestCheckoutInvalidVPAIsDistinct(t *testing.T) {
	gw := paymentGateway(120000)
	gw.vpaFunc = func(_ context.Context, _, _ string) (gateway.VPAResult, error) {
		return gateway.VPAResult{Valid: false, Message: "VPA not found"}, nil
	}
	fx := newPaymentFixture(t, gw)

	_, err := fx.payment.Checkout(context.Background(), upiCommand("sess-1"))
	if !errors.Is(err, ErrInvalidVPA) {
		t.Fatalf("err = %v, want ErrInvalidVPA", err)
	}
	if errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatal("invalid VPA must not alias the generic invalid-input error")
	}
}

func TestCheckoutIntentAppSkipsVPAValidation(t *testing.T) {
	gw := paymentGateway(120000)
	vpaCalls := 0
	gw.vpaFunc = func(_ context.Context, _, _ string) (gateway.VPAResult, error) {
		vpaCalls++
		return gateway.VPAResult{Valid: true}, nil
	}
	fx := newPaymentFixture(t, gw)

	cmd := upiCommand("sess-1")
	cmd.Selection.UPI = &domain.UPISelection{IntentApp: "gpay"}
	if _, err := fx.payment.Checkout(context.Background(), cmd); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if vpaCalls != 0 {
		t.Fatalf("vpa validation calls = %d, want 0 for intent flow", vpaCalls)
	}
}

func TestCheckoutSuccessLocksSession(t *testing.T) {
	gw := paymentGateway(120000)
	gw.payFunc = func(_ context.Context, _ gateway.CheckoutRequest) (domain.ChargeResult, error) {
		return domain.ChargeResult{Status: domain.ChargeSucceeded, OrderID: "ord-1"}, nil
	}
	fx := newPaymentFixture(t, gw)
	ctx := context.Background()

	outcome, err := fx.payment.Checkout(ctx, upiCommand("sess-1"))
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if outcome.OrderID != "ord-1" {
		t.Fatalf("order id = %q", outcome.OrderID)
	}

	if _, err := fx.payment.Checkout(ctx, upiCommand("sess-1")); !errors.Is(err, ErrOrderCompleted) {
		t.Fatalf("second checkout err = %v, want ErrOrderCompleted", err)
	}

	// A different session is unaffected.
	if _, err := fx.payment.Checkout(ctx, upiCommand("sess-2")); err != nil {
		t.Fatalf("other session checkout: %v", err)
	}
}

func TestCheckoutRejectionIsNormalised(t *testing.T) {
	gw := paymentGateway(120000)
	gw.payFunc = func(_ context.Context, _ gateway.CheckoutRequest) (domain.ChargeResult, error) {
		return domain.ChargeResult{}, &gateway.Error{Status: 400, Code: "insufficient_funds", Message: "Insufficient balance"}
	}
	fx := newPaymentFixture(t, gw)

	outcome, err := fx.payment.Checkout(context.Background(), upiCommand("sess-1"))
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if outcome.Status != domain.ChargeRejected {
		t.Fatalf("status = %q", outcome.Status)
	}
	if outcome.Code != "insufficient_funds" || outcome.Message != "Insufficient balance" {
		t.Fatalf("rejection = {%q %q}", outcome.Code, outcome.Message)
	}
	if shown, _ := session.Flag(context.Background(), fx.store, "sess-1", session.KeyOrderCompleted); shown {
		t.Fatal("rejected checkout locked the session")
	}
}

func TestCheckoutRejectionLeavesSessionRetryable(t *testing.T) {
	gw := paymentGateway(120000)
	attempt := 0
	gw.payFunc = func(_ context.Context, _ gateway.CheckoutRequest) (domain.ChargeResult, error) {
		attempt++
		if attempt == 1 {
			return domain.ChargeResult{Status: domain.ChargeRejected, Code: "card_declined", Message: "declined"}, nil
		}
		return domain.ChargeResult{Status: domain.ChargeSucceeded, OrderID: "ord-2"}, nil
	}
	fx := newPaymentFixture(t, gw)
	ctx := context.Background()

	first, err := fx.payment.Checkout(ctx, upiCommand("sess-1"))
	if err != nil || first.Status != domain.ChargeRejected {
		t.Fatalf("first attempt = %+v err=%v", first, err)
	}
	second, err := fx.payment.Checkout(ctx, upiCommand("sess-1"))
	if err != nil {
		t.Fatalf("retry after rejection: %v", err)
	}
	if second.Status != domain.ChargeSucceeded {
		t.Fatalf("retry status = %q", second.Status)
	}
}

func TestCheckoutRedirectDoesNotLockSession(t *testing.T) {
	gw := paymentGateway(120000)
	gw.payFunc = func(_ context.Context, _ gateway.CheckoutRequest) (domain.ChargeResult, error) {
		return domain.ChargeResult{Status: domain.ChargeRedirect, RedirectURL: "https://pay.example.com/r/1"}, nil
	}
	fx := newPaymentFixture(t, gw)

	outcome, err := fx.payment.Checkout(context.Background(), upiCommand("sess-1"))
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if outcome.Status != domain.ChargeRedirect || outcome.RedirectURL == "" {
		t.Fatalf("outcome = %+v", outcome)
	}
	if shown, _ := session.Flag(context.Background(), fx.store, "sess-1", session.KeyOrderCompleted); shown {
		t.Fatal("redirect locked the session before confirmation")
	}
	if len(fx.events.events) != 0 {
		t.Fatal("redirect published a completion event")
	}
}

func TestCheckoutTerminalResultResetsPolling(t *testing.T) {
	cases := []struct {
		name   string
		kind   domain.MethodKind
		status domain.ChargeStatus
		want   bool
	}{
		{name: "upi success tears down polling", kind: domain.MethodUPI, status: domain.ChargeSucceeded, want: true},
		{name: "upi rejection tears down polling", kind: domain.MethodUPI, status: domain.ChargeRejected, want: true},
		{name: "upi redirect keeps polling open", kind: domain.MethodUPI, status: domain.ChargeRedirect, want: false},
		{name: "cod success has no polling surface", kind: domain.MethodCOD, status: domain.ChargeSucceeded, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := paymentGateway(120000)
			gw.payFunc = func(_ context.Context, _ gateway.CheckoutRequest) (domain.ChargeResult, error) {
				return domain.ChargeResult{Status: tc.status, OrderID: "ord-1", RedirectURL: "https://pay.example.com/r/1"}, nil
			}
			fx := newPaymentFixture(t, gw)

			cmd := upiCommand("sess-1")
			cmd.Selection.Kind = tc.kind
			if tc.kind == domain.MethodCOD {
				cmd.Selection.UPI = nil
			}

			outcome, err := fx.payment.Checkout(context.Background(), cmd)
			if err != nil {
				t.Fatalf("Checkout: %v", err)
			}
			if outcome.ResetPolling != tc.want {
				t.Fatalf("reset polling = %v, want %v", outcome.ResetPolling, tc.want)
			}
		})
	}
}

func TestCheckoutPublishesCompletionEvent(t *testing.T) {
	gw := paymentGateway(120000)
	gw.payFunc = func(_ context.Context, _ gateway.CheckoutRequest) (domain.ChargeResult, error) {
		return domain.ChargeResult{Status: domain.ChargeSucceeded, OrderID: "ord-1"}, nil
	}
	fx := newPaymentFixture(t, gw)

	if _, err := fx.payment.Checkout(context.Background(), upiCommand("sess-1")); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if len(fx.events.events) != 1 {
		t.Fatalf("events published = %d, want 1", len(fx.events.events))
	}
	evt := fx.events.events[0]
	if evt.OrderID != "ord-1" || evt.CartID != "cart-1" || evt.AmountMinor != 120000 {
		t.Fatalf("event = %+v", evt)
	}
	if evt.JourneyID != "journey-test" {
		t.Fatalf("journey id = %q", evt.JourneyID)
	}
	if !evt.CompletedAt.Equal(testClock()) {
		t.Fatalf("completed at = %v", evt.CompletedAt)
	}
}

func TestCheckoutPublishFailureDoesNotFailCheckout(t *testing.T) {
	gw := paymentGateway(120000)
	gw.payFunc = func(_ context.Context, _ gateway.CheckoutRequest) (domain.ChargeResult, error) {
		return domain.ChargeResult{Status: domain.ChargeSucceeded, OrderID: "ord-1"}, nil
	}
	fx := newPaymentFixture(t, gw)
	fx.events.err = errors.New("broker down")

	outcome, err := fx.payment.Checkout(context.Background(), upiCommand("sess-1"))
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if outcome.Status != domain.ChargeSucceeded {
		t.Fatalf("status = %q", outcome.Status)
	}
}

func TestCheckoutConcurrentAttemptRejected(t *testing.T) {
	gw := paymentGateway(120000)
	started := make(chan struct{})
	release := make(chan struct{})
	gw.payFunc = func(_ context.Context, _ gateway.CheckoutRequest) (domain.ChargeResult, error) {
		close(started)
		<-release
		return domain.ChargeResult{Status: domain.ChargeSucceeded, OrderID: "ord-1"}, nil
	}
	fx := newPaymentFixture(t, gw)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := fx.payment.Checkout(ctx, upiCommand("sess-1"))
		done <- err
	}()
	<-started

	_, err := fx.payment.Checkout(ctx, upiCommand("sess-1"))
	if !errors.Is(err, ErrCheckoutInProgress) {
		t.Fatalf("concurrent err = %v, want ErrCheckoutInProgress", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first checkout: %v", err)
	}
}

func TestCheckoutLoadingClearedAfterFailure(t *testing.T) {
	gw := paymentGateway(120000)
	gw.payFunc = func(_ context.Context, _ gateway.CheckoutRequest) (domain.ChargeResult, error) {
		return domain.ChargeResult{}, &gateway.Error{Transport: true, Message: "timeout"}
	}
	fx := newPaymentFixture(t, gw)
	ctx := context.Background()

	if _, err := fx.payment.Checkout(ctx, upiCommand("sess-1")); !errors.Is(err, ErrPaymentUnavailable) {
		t.Fatalf("err = %v, want ErrPaymentUnavailable", err)
	}

	// The loading flag must not wedge the session after a failure.
	gw.payFunc = func(_ context.Context, _ gateway.CheckoutRequest) (domain.ChargeResult, error) {
		return domain.ChargeResult{Status: domain.ChargeSucceeded, OrderID: "ord-1"}, nil
	}
	if _, err := fx.payment.Checkout(ctx, upiCommand("sess-1")); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestCheckoutRejectsUnavailableItems(t *testing.T) {
	snap := snapshotFixture("cart-1", 120000)
	snap.Items[0].OutOfStock = true
	snap.HasOutOfStock = true
	gw := paymentGateway(120000)
	gw.fetchFunc = func(_ context.Context, _ gateway.FetchCartRequest) (domain.CartSnapshot, error) {
		return snap, nil
	}
	fx := newPaymentFixture(t, gw)

	_, err := fx.payment.Checkout(context.Background(), upiCommand("sess-1"))
	if !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("err = %v, want ErrPaymentInvalidInput", err)
	}
}

func TestValidateSelectionTable(t *testing.T) {
	gw := paymentGateway(120000)
	fx := newPaymentFixture(t, gw)
	ctx := context.Background()

	cases := []struct {
		name      string
		selection MethodSelection
		wantErr   error
	}{
		{
			name:      "upi manual vpa ok",
			selection: MethodSelection{Kind: domain.MethodUPI, UPI: &domain.UPISelection{VPA: "shopper@upi"}},
		},
		{
			name:      "upi both vpa and app",
			selection: MethodSelection{Kind: domain.MethodUPI, UPI: &domain.UPISelection{VPA: "a@b", IntentApp: "gpay"}},
			wantErr:   ErrPaymentInvalidInput,
		},
		{
			name:      "upi neither",
			selection: MethodSelection{Kind: domain.MethodUPI, UPI: &domain.UPISelection{}},
			wantErr:   ErrPaymentInvalidInput,
		},
		{
			name:      "cod within limit",
			selection: MethodSelection{Kind: domain.MethodCOD},
		},
		{
			name:      "netbanking missing bank",
			selection: MethodSelection{Kind: domain.MethodNetBanking},
			wantErr:   ErrPaymentInvalidInput,
		},
		{
			name:      "wallet not in option set",
			selection: MethodSelection{Kind: domain.MethodWallet, WalletCode: "paytm"},
			wantErr:   ErrMethodNotEligible,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := CheckoutCommand{
				SessionID: "sess-validate",
				CartID:    "cart-1",
				Mode:      domain.CheckoutModeSelf,
				Selection: tc.selection,
			}
			err := fx.payment.ValidateSelection(ctx, cmd)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("ValidateSelection: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestCheckoutCODLimitEnforced(t *testing.T) {
	gw := paymentGateway(500000)
	snap := snapshotFixture("cart-1", 500000)
	gw.fetchFunc = func(_ context.Context, _ gateway.FetchCartRequest) (domain.CartSnapshot, error) {
		return snap, nil
	}
	fx := newPaymentFixture(t, gw)

	cmd := CheckoutCommand{
		SessionID: "sess-1",
		CartID:    "cart-1",
		Mode:      domain.CheckoutModeSelf,
		Selection: MethodSelection{Kind: domain.MethodCOD},
	}
	_, err := fx.payment.Checkout(context.Background(), cmd)
	if !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("err = %v, want ErrPaymentInvalidInput (cod limit)", err)
	}

	// Store credit bringing the collect amount under the limit unblocks COD.
	cmd.StoreCredit = StoreCredit{Applied: true, BalanceMinor: 350000}
	if _, err := fx.payment.Checkout(context.Background(), cmd); err != nil {
		t.Fatalf("Checkout with credit under limit: %v", err)
	}
}

type stubBridge struct {
	charges []aggregator.ChargeRequest
	result  domain.ChargeResult
	err     error
}

func (b *stubBridge) Charge(_ context.Context, req aggregator.ChargeRequest) (domain.ChargeResult, error) {
	b.charges = append(b.charges, req)
	return b.result, b.err
}

func newBridgedPaymentFixture(t *testing.T, gw *stubGateway, bridge *stubBridge) *paymentFixture {
	t.Helper()
	registry, err := aggregator.NewRegistry(map[string]aggregator.Bridge{"stripe": bridge})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	store := session.NewMemoryStore()
	cart := newTestCartService(t, gw, store, nil)
	options, err := NewOptionsService(OptionsServiceDeps{Gateway: gw, Clock: testClock})
	if err != nil {
		t.Fatalf("NewOptionsService: %v", err)
	}
	events := &capturedEvent{}
	payment, err := NewPaymentService(PaymentServiceDeps{
		Gateway:     gw,
		Cart:        cart,
		Options:     options,
		Sessions:    store,
		Aggregators: registry,
		Publisher:   events,
		Clock:       testClock,
		IDGenerator: func() string {
			return "journey-test"
		},
	})
	if err != nil {
		t.Fatalf("NewPaymentService: %v", err)
	}
	return &paymentFixture{gw: gw, store: store, events: events, payment: payment, cart: cart}
}

func TestCheckoutSDKChargeRecordsAllLegsWithPlatform(t *testing.T) {
	gw := paymentGateway(120000)
	var recorded gateway.CheckoutRequest
	recordCalls := 0
	gw.payFunc = func(_ context.Context, req gateway.CheckoutRequest) (domain.ChargeResult, error) {
		recordCalls++
		recorded = req
		return domain.ChargeResult{Status: domain.ChargeSucceeded, OrderID: "ord-7"}, nil
	}
	bridge := &stubBridge{result: domain.ChargeResult{Status: domain.ChargeSucceeded}}
	fx := newBridgedPaymentFixture(t, gw, bridge)

	cmd := upiCommand("sess-1")
	cmd.StoreCredit = StoreCredit{Applied: true, BalanceMinor: 50000}
	outcome, err := fx.payment.Checkout(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if outcome.Status != domain.ChargeSucceeded {
		t.Fatalf("status = %q", outcome.Status)
	}

	// The bridge collects only the uncovered remainder.
	if len(bridge.charges) != 1 {
		t.Fatalf("bridge charges = %d, want 1", len(bridge.charges))
	}
	if got := bridge.charges[0].AmountMinor; got != 70000 {
		t.Fatalf("bridge amount = %d, want 70000", got)
	}

	// The platform still records the full split, store-credit leg included.
	if recordCalls != 1 {
		t.Fatalf("platform record calls = %d, want 1", recordCalls)
	}
	if len(recorded.Legs) != 2 {
		t.Fatalf("recorded legs = %d, want 2", len(recorded.Legs))
	}
	var creditLeg, primaryLeg *domain.PaymentLeg
	for i := range recorded.Legs {
		if recorded.Legs[i].Mode == domain.MethodStoreCredit.ModeCode() {
			creditLeg = &recorded.Legs[i]
		} else {
			primaryLeg = &recorded.Legs[i]
		}
	}
	if creditLeg == nil || creditLeg.AmountMinor != 50000 {
		t.Fatalf("store-credit leg = %+v", creditLeg)
	}
	if primaryLeg == nil || primaryLeg.AmountMinor != 70000 {
		t.Fatalf("primary leg = %+v", primaryLeg)
	}
	if outcome.OrderID != "ord-7" {
		t.Fatalf("order id = %q, want platform order id", outcome.OrderID)
	}
}

func TestCheckoutSelectsModeBeforeSubmission(t *testing.T) {
	gw := paymentGateway(120000)
	var sequence []string
	var selected gateway.SelectModeRequest
	gw.selectFunc = func(_ context.Context, req gateway.SelectModeRequest) ([]domain.BreakupComponent, error) {
		sequence = append(sequence, "select")
		selected = req
		return nil, nil
	}
	gw.payFunc = func(_ context.Context, _ gateway.CheckoutRequest) (domain.ChargeResult, error) {
		sequence = append(sequence, "checkout")
		return domain.ChargeResult{Status: domain.ChargeSucceeded, OrderID: "ord-1"}, nil
	}

	fx := newPaymentFixture(t, gw)
	cmd := upiCommand("sess-1")
	cmd.StoreCredit = StoreCredit{Applied: true, BalanceMinor: 50000}
	if _, err := fx.payment.Checkout(context.Background(), cmd); err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	if len(sequence) != 2 || sequence[0] != "select" || sequence[1] != "checkout" {
		t.Fatalf("call order = %v, want [select checkout]", sequence)
	}
	if selected.CartID != "cart-1" || selected.Mode != domain.MethodUPI.ModeCode() {
		t.Fatalf("selection = %+v", selected)
	}
	var sum int64
	for _, leg := range selected.Legs {
		sum += leg.AmountMinor
	}
	if len(selected.Legs) != 2 || sum != 120000 {
		t.Fatalf("selection legs = %+v, want split summing to 120000", selected.Legs)
	}
}

func TestCheckoutModeSelectionFailureStopsSubmission(t *testing.T) {
	gw := paymentGateway(120000)
	gw.selectFunc = func(_ context.Context, _ gateway.SelectModeRequest) ([]domain.BreakupComponent, error) {
		return nil, &gateway.Error{Transport: true, Message: "timeout"}
	}
	payCalls := 0
	gw.payFunc = func(_ context.Context, _ gateway.CheckoutRequest) (domain.ChargeResult, error) {
		payCalls++
		return domain.ChargeResult{Status: domain.ChargeSucceeded}, nil
	}

	fx := newPaymentFixture(t, gw)
	_, err := fx.payment.Checkout(context.Background(), upiCommand("sess-1"))
	if !errors.Is(err, ErrPaymentUnavailable) {
		t.Fatalf("err = %v, want ErrPaymentUnavailable", err)
	}
	if payCalls != 0 {
		t.Fatalf("checkout submitted %d times after failed mode selection", payCalls)
	}
}

func TestPaymentStepLockedAfterCompletion(t *testing.T) {
	gw := paymentGateway(120000)
	gw.payFunc = func(_ context.Context, _ gateway.CheckoutRequest) (domain.ChargeResult, error) {
		return domain.ChargeResult{Status: domain.ChargeSucceeded, OrderID: "ord-1"}, nil
	}
	fx := newPaymentFixture(t, gw)
	ctx := context.Background()

	if err := fx.payment.ValidateSelection(ctx, upiCommand("sess-1")); err != nil {
		t.Fatalf("ValidateSelection before checkout: %v", err)
	}
	if _, err := fx.payment.Checkout(ctx, upiCommand("sess-1")); err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	// Every payment-step entry point is locked for the session.
	if err := fx.payment.EnsureOpen(ctx, "sess-1"); !errors.Is(err, ErrOrderCompleted) {
		t.Fatalf("EnsureOpen err = %v, want ErrOrderCompleted", err)
	}
	if err := fx.payment.ValidateSelection(ctx, upiCommand("sess-1")); !errors.Is(err, ErrOrderCompleted) {
		t.Fatalf("ValidateSelection err = %v, want ErrOrderCompleted", err)
	}
	if err := fx.payment.EnsureOpen(ctx, "sess-2"); err != nil {
		t.Fatalf("EnsureOpen for fresh session: %v", err)
	}
}
