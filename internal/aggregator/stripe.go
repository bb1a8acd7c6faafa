package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/threadline/checkout/internal/domain"
)

// StripeLogger defines the logging contract for Stripe bridge operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
}

// StripeBridgeConfig configures the StripeBridge.
type StripeBridgeConfig struct {
	APIKey   string
	Backends *stripe.Backends
	Logger   StripeLogger
	Clock    func() time.Time
	Intents  stripeIntentAPI
}

// StripeBridge implements Bridge against Stripe Payment Intents.
type StripeBridge struct {
	intents stripeIntentAPI
	clock   func() time.Time
	logger  StripeLogger
}

// NewStripeBridge constructs a Stripe bridge from the given configuration.
func NewStripeBridge(cfg StripeBridgeConfig) (*StripeBridge, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Intents == nil {
		return nil, errors.New("stripe: api key is required")
	}

	intents := cfg.Intents
	if intents == nil {
		sc := client.New(apiKey, cfg.Backends)
		intents = sc.PaymentIntents
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeBridge{
		intents: intents,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Charge creates and confirms a Payment Intent for the charge request. Card
// declines and other business outcomes come back as a rejected ChargeResult,
// not an error.
func (b *StripeBridge) Charge(ctx context.Context, req ChargeRequest) (domain.ChargeResult, error) {
	if b == nil {
		return domain.ChargeResult{}, errors.New("stripe: bridge is nil")
	}
	if req.AmountMinor <= 0 {
		return domain.ChargeResult{}, errors.New("stripe: charge amount must be positive")
	}
	if !domain.ValidCurrency(req.Currency) {
		return domain.ChargeResult{}, fmt.Errorf("stripe: unknown currency %q", req.Currency)
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(strings.ToLower(req.Currency)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(chargeIdempotencyKey(req))
	if types := stripeMethodTypes(req.Method); len(types) > 0 {
		params.PaymentMethodTypes = stripe.StringSlice(types)
	}
	if req.ReturnURL != "" {
		params.Confirm = stripe.Bool(true)
		params.ReturnURL = stripe.String(req.ReturnURL)
	}
	if req.SavedCard != nil && req.SavedCard.CardID != "" {
		params.PaymentMethod = stripe.String(req.SavedCard.CardID)
	}

	params.Metadata = map[string]string{
		"cart_id": req.CartID,
		"method":  string(req.Method),
	}
	if req.OrderID != "" {
		params.Metadata["order_id"] = req.OrderID
	}
	if req.JourneyID != "" {
		params.Metadata["journey_id"] = req.JourneyID
	}
	for k, v := range req.Meta {
		params.Metadata[k] = v
	}

	intent, err := b.intents.New(params)
	if err != nil {
		return stripeFailure(err), nil
	}

	b.logger(ctx, "aggregator.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
		"cartId":        req.CartID,
	})

	return stripeChargeResult(intent), nil
}

// chargeIdempotencyKey keeps a retried submission of the same cart and
// journey from producing a second charge.
func chargeIdempotencyKey(req ChargeRequest) string {
	journey := req.JourneyID
	if journey == "" {
		journey = "direct"
	}
	return fmt.Sprintf("checkout:%s:%s:%d", req.CartID, journey, req.AmountMinor)
}

func stripeMethodTypes(kind domain.MethodKind) []string {
	switch kind {
	case domain.MethodCard, domain.MethodSavedCard:
		return []string{"card"}
	case domain.MethodNetBanking:
		return []string{"ideal"}
	case domain.MethodWallet:
		return []string{"link"}
	default:
		return nil
	}
}

func stripeChargeResult(intent *stripe.PaymentIntent) domain.ChargeResult {
	if intent == nil {
		return domain.ChargeResult{
			Status:  domain.ChargeRejected,
			Code:    "aggregator_error",
			Message: "empty aggregator response",
		}
	}

	result := domain.ChargeResult{OrderID: intent.ID}
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		result.Status = domain.ChargeSucceeded
	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresConfirmation:
		result.Status = domain.ChargeRedirect
		if intent.NextAction != nil && intent.NextAction.RedirectToURL != nil {
			result.RedirectURL = intent.NextAction.RedirectToURL.URL
		}
	case stripe.PaymentIntentStatusProcessing:
		result.Status = domain.ChargeRedirect
	default:
		result.Status = domain.ChargeRejected
		result.Code = "payment_rejected"
		result.Message = "payment was not accepted"
		if intent.LastPaymentError != nil {
			if code := string(intent.LastPaymentError.Code); code != "" {
				result.Code = code
			}
			if msg := intent.LastPaymentError.Msg; msg != "" {
				result.Message = msg
			}
		}
	}
	return result
}

func stripeFailure(err error) domain.ChargeResult {
	result := domain.ChargeResult{
		Status:  domain.ChargeRejected,
		Code:    "aggregator_error",
		Message: "payment could not be processed",
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if code := string(stripeErr.Code); code != "" {
			result.Code = code
		}
		if stripeErr.Msg != "" {
			result.Message = stripeErr.Msg
		}
	}
	return result
}
