package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"

	"github.com/threadline/checkout/internal/domain"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxAttempts = 3
	maxErrorBody       = 4 * 1024
)

// HTTPClientConfig configures the platform HTTP client.
type HTTPClientConfig struct {
	BaseURL     string
	Token       string
	HTTPClient  *http.Client
	Logger      func(ctx context.Context, event string, fields map[string]any)
	MaxAttempts int
}

// HTTPClient implements Gateway against the platform's JSON API.
type HTTPClient struct {
	base        *url.URL
	token       string
	client      *http.Client
	logger      func(ctx context.Context, event string, fields map[string]any)
	maxAttempts int
}

// NewHTTPClient constructs the platform gateway client.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("gateway: base url is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("gateway: invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("gateway: unsupported base url scheme %q", base.Scheme)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}

	return &HTTPClient{
		base:        base,
		token:       strings.TrimSpace(cfg.Token),
		client:      client,
		logger:      logger,
		maxAttempts: attempts,
	}, nil
}

// FetchCart implements Gateway.
func (c *HTTPClient) FetchCart(ctx context.Context, req FetchCartRequest) (domain.CartSnapshot, error) {
	query := url.Values{}
	if id := strings.TrimSpace(req.CartID); id != "" {
		query.Set("id", id)
	}
	query.Set("buy_now", strconv.FormatBool(req.BuyNow))
	query.Set("i", strconv.FormatBool(req.IncludeAllItems))
	query.Set("b", strconv.FormatBool(req.IncludeBreakup))

	var payload wireCart
	if err := c.do(ctx, http.MethodGet, "/v1/cart", query, nil, &payload, true); err != nil {
		return domain.CartSnapshot{}, err
	}
	return payload.toSnapshot(), nil
}

// UpdateCart implements Gateway. Mutations are submitted exactly once; the
// platform treats them as idempotent by cart identifier, so the caller
// decides whether a transport failure warrants a retry.
func (c *HTTPClient) UpdateCart(ctx context.Context, req UpdateCartRequest) (UpdateCartResult, error) {
	items := make([]wireUpdateItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, wireUpdateItem{
			ArticleID:             item.ArticleID,
			ItemID:                item.ProductID,
			StoreID:               item.StoreID,
			ItemSize:              item.ItemSize,
			ItemIndex:             item.ItemIndex,
			Quantity:              item.Quantity,
			FulfillmentOptionSlug: item.FulfillmentOption,
		})
	}
	body := wireUpdateRequest{
		Operation: string(req.Operation),
		BuyNow:    req.BuyNow,
		Items:     items,
	}

	query := url.Values{}
	if id := strings.TrimSpace(req.CartID); id != "" {
		query.Set("id", id)
	}

	var payload wireUpdateResponse
	if err := c.do(ctx, http.MethodPut, "/v1/cart", query, body, &payload, false); err != nil {
		return UpdateCartResult{}, err
	}
	return UpdateCartResult{
		Success: payload.Success,
		Message: strings.TrimSpace(payload.Message),
		Cart:    payload.Cart.toSnapshot(),
	}, nil
}

// ApplyCoupon implements Gateway.
func (c *HTTPClient) ApplyCoupon(ctx context.Context, cartID, code string) (CouponResult, error) {
	query := cartQuery(cartID)
	body := map[string]string{"coupon_code": strings.TrimSpace(code)}

	var payload wireCouponResponse
	if err := c.do(ctx, http.MethodPost, "/v1/cart/coupon", query, body, &payload, false); err != nil {
		return CouponResult{}, err
	}
	coupon := payload.BreakupValues.Coupon
	if coupon == nil {
		return CouponResult{}, &Error{Message: "coupon state missing from response"}
	}
	return CouponResult{
		Code:    strings.TrimSpace(coupon.Code),
		Applied: coupon.IsApplied,
		Message: strings.TrimSpace(coupon.Message),
	}, nil
}

// RemoveCoupon implements Gateway.
func (c *HTTPClient) RemoveCoupon(ctx context.Context, cartID, couponID string) (CouponResult, error) {
	query := cartQuery(cartID)
	if id := strings.TrimSpace(couponID); id != "" {
		query.Set("coupon_id", id)
	}

	var payload wireCouponResponse
	if err := c.do(ctx, http.MethodDelete, "/v1/cart/coupon", query, nil, &payload, false); err != nil {
		return CouponResult{}, err
	}
	coupon := payload.BreakupValues.Coupon
	if coupon == nil {
		// Removal responses may omit the coupon block entirely once cleared.
		return CouponResult{Applied: false}, nil
	}
	return CouponResult{
		Code:    strings.TrimSpace(coupon.Code),
		Applied: coupon.IsApplied,
		Message: strings.TrimSpace(coupon.Message),
	}, nil
}

// ApplyLoyaltyPoints implements Gateway.
func (c *HTTPClient) ApplyLoyaltyPoints(ctx context.Context, cartID string, redeem bool) (LoyaltyResult, error) {
	query := cartQuery(cartID)
	body := map[string]bool{"points": redeem}

	var payload wireAckResponse
	if err := c.do(ctx, http.MethodPost, "/v1/cart/redeem/points", query, body, &payload, false); err != nil {
		return LoyaltyResult{}, err
	}
	return LoyaltyResult{
		Success: payload.Success,
		Message: strings.TrimSpace(payload.Message),
	}, nil
}

// ResolvePaymentOptions implements Gateway.
func (c *HTTPClient) ResolvePaymentOptions(ctx context.Context, req OptionsRequest) (domain.PaymentOptionSet, error) {
	query := cartQuery(req.CartID)
	query.Set("pincode", strings.TrimSpace(req.Pincode))
	query.Set("checkout_mode", string(req.Mode))
	query.Set("amount", strconv.FormatInt(req.AmountMinor, 10))

	var payload wireOptionsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/payment/options", query, nil, &payload, true); err != nil {
		return domain.PaymentOptionSet{}, err
	}
	return payload.toOptionSet(req), nil
}

// SelectPaymentMode implements Gateway.
func (c *HTTPClient) SelectPaymentMode(ctx context.Context, req SelectModeRequest) ([]domain.BreakupComponent, error) {
	query := cartQuery(req.CartID)
	body := wireSelectModeRequest{
		PaymentMode:    strings.TrimSpace(req.Mode),
		PaymentMethods: wireLegs(req.Legs),
	}

	var payload wireSelectModeResponse
	if err := c.do(ctx, http.MethodPut, "/v1/payment/mode", query, body, &payload, false); err != nil {
		return nil, err
	}
	return payload.BreakupValues.toComponents(), nil
}

// CheckoutPayment implements Gateway.
func (c *HTTPClient) CheckoutPayment(ctx context.Context, req CheckoutRequest) (domain.ChargeResult, error) {
	body := wireCheckoutRequest{
		CartID:         strings.TrimSpace(req.CartID),
		CheckoutMode:   string(req.Mode),
		Aggregator:     strings.TrimSpace(req.Aggregator),
		Pincode:        strings.TrimSpace(req.Pincode),
		PaymentMethods: wireLegs(req.Legs),
		Meta:           req.Meta,
		JourneyID:      strings.TrimSpace(req.JourneyID),
	}

	var payload wireCheckoutResponse
	if err := c.do(ctx, http.MethodPost, "/v1/payment/checkout", nil, body, &payload, false); err != nil {
		return domain.ChargeResult{}, err
	}

	result := domain.ChargeResult{
		Code:        strings.TrimSpace(payload.Code),
		Message:     strings.TrimSpace(payload.Message),
		RedirectURL: strings.TrimSpace(payload.RedirectURL),
		OrderID:     strings.TrimSpace(payload.OrderID),
	}
	switch {
	case payload.Success && result.RedirectURL != "":
		result.Status = domain.ChargeRedirect
	case payload.Success:
		result.Status = domain.ChargeSucceeded
	default:
		result.Status = domain.ChargeRejected
		if result.Code == "" {
			result.Code = "payment_rejected"
		}
	}
	return result, nil
}

// ValidateVPA implements Gateway.
func (c *HTTPClient) ValidateVPA(ctx context.Context, cartID, vpa string) (VPAResult, error) {
	query := cartQuery(cartID)
	body := map[string]string{"upi_vpa": strings.TrimSpace(vpa)}

	var payload wireVPAResponse
	if err := c.do(ctx, http.MethodPost, "/v1/payment/upi/validate", query, body, &payload, true); err != nil {
		return VPAResult{}, err
	}
	return VPAResult{
		Valid:   strings.EqualFold(payload.Status, "valid") || payload.IsValid,
		Message: strings.TrimSpace(payload.Message),
	}, nil
}

// do performs one platform call, decoding the response into out. Idempotent
// calls are retried with backoff on transport failures; business rejections
// are never retried.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body any, out any, idempotent bool) error {
	var encoded []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Transport: true, Message: "encode request", Err: err}
		}
		encoded = data
	}

	attempts := 1
	if idempotent {
		attempts = c.maxAttempts
	}
	backoff := gax.Backoff{
		Initial:    200 * time.Millisecond,
		Max:        2 * time.Second,
		Multiplier: 2,
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := gax.Sleep(ctx, backoff.Pause()); err != nil {
				return &Error{Transport: true, Message: "request cancelled", Err: err}
			}
		}

		err := c.doOnce(ctx, method, path, query, encoded, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransport(err) {
			return err
		}
		c.logger(ctx, "gateway.retrying", map[string]any{
			"method":  method,
			"path":    path,
			"attempt": attempt,
			"error":   err.Error(),
		})
	}
	return lastErr
}

func (c *HTTPClient) doOnce(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	target := *c.base
	target.Path = strings.TrimRight(target.Path, "/") + path
	if query != nil {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return &Error{Transport: true, Message: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &Error{Transport: true, Message: "request failed", Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return &Error{Transport: true, Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	case resp.StatusCode >= http.StatusBadRequest:
		return decodeRejection(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Transport: true, Status: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}

func decodeRejection(resp *http.Response) error {
	gerr := &Error{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return gerr
	}
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil {
		if code := strings.TrimSpace(envelope.Error); code != "" {
			gerr.Code = code
		}
		if msg := strings.TrimSpace(envelope.Message); msg != "" {
			gerr.Message = msg
		}
	}
	return gerr
}

func cartQuery(cartID string) url.Values {
	query := url.Values{}
	if id := strings.TrimSpace(cartID); id != "" {
		query.Set("id", id)
	}
	return query
}

func wireLegs(legs []domain.PaymentLeg) []wirePaymentLeg {
	out := make([]wirePaymentLeg, 0, len(legs))
	for _, leg := range legs {
		out = append(out, wirePaymentLeg{
			Mode:   leg.Mode,
			Amount: leg.AmountMinor,
			Meta:   leg.Meta,
		})
	}
	return out
}
