package aggregator

import (
	"context"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v78"

	"github.com/threadline/checkout/internal/domain"
)

type stubBridge struct {
	result domain.ChargeResult
	err    error
	calls  int
}

func (s *stubBridge) Charge(context.Context, ChargeRequest) (domain.ChargeResult, error) {
	s.calls++
	return s.result, s.err
}

func TestNewRegistryValidation(t *testing.T) {
	if _, err := NewRegistry(nil); err == nil {
		t.Fatal("expected error for empty bridge map")
	}
	if _, err := NewRegistry(map[string]Bridge{"  ": &stubBridge{}}); err == nil {
		t.Fatal("expected error for blank bridge key")
	}
	if _, err := NewRegistry(map[string]Bridge{"stripe": nil}); err == nil {
		t.Fatal("expected error for nil bridge")
	}
}

func TestRegistryRoutesByAggregatorName(t *testing.T) {
	stripeBridge := &stubBridge{result: domain.ChargeResult{Status: domain.ChargeSucceeded}}
	otherBridge := &stubBridge{result: domain.ChargeResult{Status: domain.ChargeRejected}}
	registry, err := NewRegistry(map[string]Bridge{
		"stripe": stripeBridge,
		"juspay": otherBridge,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	result, err := registry.Charge(context.Background(), ChargeRequest{
		Route: domain.AggregatorRoute{Aggregator: "Juspay"},
	})
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if result.Status != domain.ChargeRejected {
		t.Fatalf("routed to wrong bridge, status = %q", result.Status)
	}
	if otherBridge.calls != 1 || stripeBridge.calls != 0 {
		t.Fatalf("bridge calls = juspay:%d stripe:%d", otherBridge.calls, stripeBridge.calls)
	}
}

func TestRegistryFallsBackToDefault(t *testing.T) {
	stripeBridge := &stubBridge{result: domain.ChargeResult{Status: domain.ChargeSucceeded}}
	registry, err := NewRegistry(map[string]Bridge{"stripe": stripeBridge})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	// Stripe auto-registers as default; an unknown aggregator still charges.
	if _, err := registry.Charge(context.Background(), ChargeRequest{
		Route: domain.AggregatorRoute{Aggregator: "razorpay"},
	}); err != nil {
		t.Fatalf("Charge via default: %v", err)
	}
	if stripeBridge.calls != 1 {
		t.Fatalf("default bridge calls = %d", stripeBridge.calls)
	}
}

func TestRegistryUnsupportedAggregator(t *testing.T) {
	registry, err := NewRegistry(map[string]Bridge{
		"juspay":   &stubBridge{},
		"razorpay": &stubBridge{},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	_, err = registry.Charge(context.Background(), ChargeRequest{
		Route: domain.AggregatorRoute{Aggregator: "unknown"},
	})
	if !errors.Is(err, ErrUnsupportedAggregator) {
		t.Fatalf("err = %v, want ErrUnsupportedAggregator", err)
	}
	if registry.Supports("unknown") {
		t.Fatal("Supports reported true for unknown aggregator")
	}
	if !registry.Supports("JUSPAY") {
		t.Fatal("Supports is case sensitive")
	}
}

type stubIntentAPI struct {
	newIntent *stripe.PaymentIntent
	newErr    error
	lastParam *stripe.PaymentIntentParams
}

func (s *stubIntentAPI) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.lastParam = params
	return s.newIntent, s.newErr
}

func (s *stubIntentAPI) Confirm(string, *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
	return nil, errors.New("not used")
}

func TestStripeBridgeRequiresAPIKeyOrClients(t *testing.T) {
	if _, err := NewStripeBridge(StripeBridgeConfig{}); err == nil {
		t.Fatal("expected configuration error")
	}
}

func TestStripeBridgeChargeOutcomes(t *testing.T) {
	cases := []struct {
		name       string
		intent     *stripe.PaymentIntent
		newErr     error
		wantStatus domain.ChargeStatus
		wantCode   string
	}{
		{
			name:       "succeeded",
			intent:     &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusSucceeded},
			wantStatus: domain.ChargeSucceeded,
		},
		{
			name: "requires redirect",
			intent: &stripe.PaymentIntent{
				ID:     "pi_2",
				Status: stripe.PaymentIntentStatusRequiresAction,
				NextAction: &stripe.PaymentIntentNextAction{
					RedirectToURL: &stripe.PaymentIntentNextActionRedirectToURL{URL: "https://hooks.stripe.com/r/1"},
				},
			},
			wantStatus: domain.ChargeRedirect,
		},
		{
			name: "declined",
			intent: &stripe.PaymentIntent{
				ID:     "pi_3",
				Status: stripe.PaymentIntentStatusCanceled,
				LastPaymentError: &stripe.Error{
					Code: stripe.ErrorCodeCardDeclined,
					Msg:  "Your card was declined.",
				},
			},
			wantStatus: domain.ChargeRejected,
			wantCode:   string(stripe.ErrorCodeCardDeclined),
		},
		{
			name:       "api error normalised",
			newErr:     &stripe.Error{Code: stripe.ErrorCodeExpiredCard, Msg: "Your card has expired."},
			wantStatus: domain.ChargeRejected,
			wantCode:   string(stripe.ErrorCodeExpiredCard),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := &stubIntentAPI{newIntent: tc.intent, newErr: tc.newErr}
			bridge, err := NewStripeBridge(StripeBridgeConfig{Intents: api})
			if err != nil {
				t.Fatalf("NewStripeBridge: %v", err)
			}

			result, err := bridge.Charge(context.Background(), ChargeRequest{
				CartID:      "cart-1",
				AmountMinor: 120000,
				Currency:    "INR",
				Method:      domain.MethodCard,
				Route:       domain.AggregatorRoute{Aggregator: "stripe"},
				JourneyID:   "journey-1",
			})
			if err != nil {
				t.Fatalf("Charge: %v", err)
			}
			if result.Status != tc.wantStatus {
				t.Fatalf("status = %q, want %q", result.Status, tc.wantStatus)
			}
			if tc.wantCode != "" && result.Code != tc.wantCode {
				t.Fatalf("code = %q, want %q", result.Code, tc.wantCode)
			}
			if tc.newErr == nil && api.lastParam != nil {
				if got := api.lastParam.Metadata["cart_id"]; got != "cart-1" {
					t.Fatalf("cart_id metadata = %q", got)
				}
				if key := api.lastParam.IdempotencyKey; key == nil || *key == "" {
					t.Fatal("missing idempotency key")
				}
			}
		})
	}
}

func TestStripeBridgeRejectsNonPositiveAmount(t *testing.T) {
	bridge, err := NewStripeBridge(StripeBridgeConfig{Intents: &stubIntentAPI{}})
	if err != nil {
		t.Fatalf("NewStripeBridge: %v", err)
	}
	if _, err := bridge.Charge(context.Background(), ChargeRequest{AmountMinor: 0}); err == nil {
		t.Fatal("expected error for zero amount")
	}
}

func TestStripeBridgeRejectsUnknownCurrency(t *testing.T) {
	api := &stubIntentAPI{}
	bridge, err := NewStripeBridge(StripeBridgeConfig{Intents: api})
	if err != nil {
		t.Fatalf("NewStripeBridge: %v", err)
	}
	_, err = bridge.Charge(context.Background(), ChargeRequest{
		CartID:      "cart-1",
		AmountMinor: 120000,
		Currency:    "XXQ",
		Method:      domain.MethodCard,
	})
	if err == nil {
		t.Fatal("expected error for unknown currency")
	}
	if api.lastParam != nil {
		t.Fatal("intent created despite invalid currency")
	}
}
