package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/threadline/checkout/internal/domain"
	"github.com/threadline/checkout/internal/gateway"
)

func optionSetFixture(amount int64) domain.PaymentOptionSet {
	return domain.PaymentOptionSet{
		CartID:      "cart-1",
		AmountMinor: amount,
		Options: []domain.PaymentOption{
			{Code: "UPI", Kind: domain.MethodUPI, DisplayPriority: 1,
				Routes: []domain.AggregatorRoute{{Aggregator: "stripe", SDK: true}}},
			{Code: "COD", Kind: domain.MethodCOD, DisplayPriority: 9, CODLimit: 200000,
				Routes: []domain.AggregatorRoute{{Aggregator: "platform"}}},
		},
	}
}

func newTestOptionsService(t *testing.T, gw *stubGateway, ttl time.Duration) OptionsService {
	t.Helper()
	svc, err := NewOptionsService(OptionsServiceDeps{
		Gateway: gw,
		Clock:   testClock,
		TTL:     ttl,
	})
	if err != nil {
		t.Fatalf("NewOptionsService: %v", err)
	}
	return svc
}

func TestResolveZeroTotalSkipsGateway(t *testing.T) {
	calls := 0
	gw := &stubGateway{
		optionsFunc: func(_ context.Context, _ gateway.OptionsRequest) (domain.PaymentOptionSet, error) {
			calls++
			return optionSetFixture(0), nil
		},
	}
	svc := newTestOptionsService(t, gw, 0)

	set, err := svc.Resolve(context.Background(), OptionsCommand{
		SessionID:   "sess-1",
		CartID:      "cart-1",
		AmountMinor: 0,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(set.Options) != 0 || set.AmountMinor != 0 {
		t.Fatalf("zero-total set = %+v", set)
	}
	if calls != 0 {
		t.Fatalf("gateway calls = %d, want 0", calls)
	}
}

func TestResolveCachesPerAmount(t *testing.T) {
	calls := 0
	gw := &stubGateway{
		optionsFunc: func(_ context.Context, req gateway.OptionsRequest) (domain.PaymentOptionSet, error) {
			calls++
			return optionSetFixture(req.AmountMinor), nil
		},
	}
	svc := newTestOptionsService(t, gw, 0)
	ctx := context.Background()

	if _, err := svc.Resolve(ctx, OptionsCommand{SessionID: "sess-1", CartID: "cart-1", AmountMinor: 120000}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := svc.Resolve(ctx, OptionsCommand{SessionID: "sess-1", CartID: "cart-1", AmountMinor: 120000}); err != nil {
		t.Fatalf("Resolve cached: %v", err)
	}
	if calls != 1 {
		t.Fatalf("gateway calls = %d, want 1 (second resolve served from cache)", calls)
	}

	// A different total makes the cached set stale.
	set, err := svc.Resolve(ctx, OptionsCommand{SessionID: "sess-1", CartID: "cart-1", AmountMinor: 110000})
	if err != nil {
		t.Fatalf("Resolve new amount: %v", err)
	}
	if calls != 2 {
		t.Fatalf("gateway calls = %d, want 2", calls)
	}
	if set.AmountMinor != 110000 {
		t.Fatalf("set amount = %d", set.AmountMinor)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	calls := 0
	gw := &stubGateway{
		optionsFunc: func(_ context.Context, req gateway.OptionsRequest) (domain.PaymentOptionSet, error) {
			calls++
			return optionSetFixture(req.AmountMinor), nil
		},
	}
	svc := newTestOptionsService(t, gw, 0)
	ctx := context.Background()

	if _, err := svc.Resolve(ctx, OptionsCommand{SessionID: "sess-1", CartID: "cart-1", AmountMinor: 120000}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	svc.Invalidate("sess-1")
	if _, err := svc.Resolve(ctx, OptionsCommand{SessionID: "sess-1", CartID: "cart-1", AmountMinor: 120000}); err != nil {
		t.Fatalf("Resolve after invalidate: %v", err)
	}
	if calls != 2 {
		t.Fatalf("gateway calls = %d, want 2", calls)
	}
}

func TestResolveTransportFailure(t *testing.T) {
	gw := &stubGateway{
		optionsFunc: func(_ context.Context, _ gateway.OptionsRequest) (domain.PaymentOptionSet, error) {
			return domain.PaymentOptionSet{}, &gateway.Error{Transport: true, Message: "timeout"}
		},
	}
	svc := newTestOptionsService(t, gw, 0)

	_, err := svc.Resolve(context.Background(), OptionsCommand{SessionID: "sess-1", CartID: "cart-1", AmountMinor: 120000})
	if !errors.Is(err, ErrOptionsUnavailable) {
		t.Fatalf("err = %v, want ErrOptionsUnavailable", err)
	}
}

func TestResolveValidatesInput(t *testing.T) {
	svc := newTestOptionsService(t, &stubGateway{}, 0)
	if _, err := svc.Resolve(context.Background(), OptionsCommand{AmountMinor: 100}); !errors.Is(err, ErrOptionsInvalidInput) {
		t.Fatalf("err = %v, want ErrOptionsInvalidInput", err)
	}
	if _, err := svc.Resolve(context.Background(), OptionsCommand{SessionID: "s", AmountMinor: -1}); !errors.Is(err, ErrOptionsInvalidInput) {
		t.Fatalf("err = %v, want ErrOptionsInvalidInput", err)
	}
}
