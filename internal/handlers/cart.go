package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/threadline/checkout/internal/domain"
	"github.com/threadline/checkout/internal/platform/httpx"
	"github.com/threadline/checkout/internal/services"
)

const (
	maxCartBodySize = 16 * 1024

	sessionHeader = "X-Checkout-Session"
	sessionCookie = "checkout_session"
)

var (
	errEmptyBody    = errors.New("request body must not be empty")
	errBodyTooLarge = errors.New("request body exceeds allowed size")
)

// CartHandlers exposes the cart consistency and coupon endpoints.
type CartHandlers struct {
	carts   services.CartService
	coupons services.CouponService
}

// NewCartHandlers constructs handlers delegating to the cart and coupon
// services.
func NewCartHandlers(carts services.CartService, coupons services.CouponService) *CartHandlers {
	return &CartHandlers{
		carts:   carts,
		coupons: coupons,
	}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.getCart)
	r.Post("/sync", h.syncCart)
	r.Put("/items", h.updateItem)
	r.Post("/items/remove", h.removeItems)
	r.Post("/coupon", h.applyCoupon)
	r.Delete("/coupon", h.removeCoupon)
	r.Post("/rewards", h.applyRewards)
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	sessionID, ok := requireSession(ctx, w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	view, err := h.carts.Refresh(ctx, services.RefreshCommand{
		SessionID: sessionID,
		CartID:    strings.TrimSpace(query.Get("cart_id")),
		BuyNow:    query.Get("buy_now") == "true",
		Stage:     parseStage(query.Get("stage")),
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildViewPayload(view))
}

func (h *CartHandlers) syncCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	sessionID, ok := requireSession(ctx, w, r)
	if !ok {
		return
	}

	var req refreshRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}

	view, err := h.carts.Resync(ctx, services.RefreshCommand{
		SessionID: sessionID,
		CartID:    strings.TrimSpace(req.CartID),
		BuyNow:    req.BuyNow,
		Stage:     parseStage(req.Stage),
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildViewPayload(view))
}

func (h *CartHandlers) updateItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	sessionID, ok := requireSession(ctx, w, r)
	if !ok {
		return
	}

	var req updateItemRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}
	if req.Quantity < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quantity must not be negative", http.StatusBadRequest))
		return
	}

	view, err := h.carts.UpdateItem(ctx, services.UpdateItemCommand{
		SessionID:         sessionID,
		CartID:            strings.TrimSpace(req.CartID),
		BuyNow:            req.BuyNow,
		Stage:             parseStage(req.Stage),
		Key:               req.Key.toDomain(),
		ArticleID:         strings.TrimSpace(req.ArticleID),
		Quantity:          req.Quantity,
		FulfillmentOption: strings.TrimSpace(req.FulfillmentOption),
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildViewPayload(view))
}

func (h *CartHandlers) removeItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	sessionID, ok := requireSession(ctx, w, r)
	if !ok {
		return
	}

	var req removeItemsRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}

	keys := make([]domain.ItemKey, 0, len(req.Keys))
	for _, key := range req.Keys {
		keys = append(keys, key.toDomain())
	}

	result, err := h.carts.RemoveItems(ctx, services.RemoveItemsCommand{
		SessionID: sessionID,
		CartID:    strings.TrimSpace(req.CartID),
		BuyNow:    req.BuyNow,
		Stage:     parseStage(req.Stage),
		Keys:      keys,
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, removeItemsPayload{
		Requested: result.Requested,
		Removed:   result.Removed,
		View:      buildViewPayload(result.View),
	})
}

func (h *CartHandlers) applyCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service is unavailable", http.StatusServiceUnavailable))
		return
	}
	sessionID, ok := requireSession(ctx, w, r)
	if !ok {
		return
	}

	var req couponRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "coupon code is required", http.StatusBadRequest))
		return
	}

	outcome, err := h.coupons.Apply(ctx, services.CouponCommand{
		SessionID: sessionID,
		CartID:    strings.TrimSpace(req.CartID),
		BuyNow:    req.BuyNow,
		Stage:     parseStage(req.Stage),
		Code:      strings.TrimSpace(req.Code),
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCouponPayload(outcome))
}

func (h *CartHandlers) removeCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service is unavailable", http.StatusServiceUnavailable))
		return
	}
	sessionID, ok := requireSession(ctx, w, r)
	if !ok {
		return
	}

	var req couponRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}

	outcome, err := h.coupons.Remove(ctx, services.CouponCommand{
		SessionID: sessionID,
		CartID:    strings.TrimSpace(req.CartID),
		BuyNow:    req.BuyNow,
		Stage:     parseStage(req.Stage),
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCouponPayload(outcome))
}

func (h *CartHandlers) applyRewards(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service is unavailable", http.StatusServiceUnavailable))
		return
	}
	sessionID, ok := requireSession(ctx, w, r)
	if !ok {
		return
	}

	var req rewardRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}

	outcome, err := h.coupons.ApplyRewardPoints(ctx, services.RewardCommand{
		SessionID: sessionID,
		CartID:    strings.TrimSpace(req.CartID),
		BuyNow:    req.BuyNow,
		Stage:     parseStage(req.Stage),
		Redeem:    req.Redeem,
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, rewardPayload{
		Applied:   outcome.Applied,
		ShowToast: outcome.ShowToast,
		View:      buildViewPayload(outcome.View),
	})
}

func writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCartInvalidInput),
		errors.Is(err, services.ErrCouponInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartLineNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("line_not_found", "cart line not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCartUnavailable),
		errors.Is(err, services.ErrCouponUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("cart_error", "cart operation failed", http.StatusInternalServerError))
	}
}

type refreshRequest struct {
	CartID string `json:"cart_id"`
	BuyNow bool   `json:"buy_now"`
	Stage  string `json:"stage"`
}

type itemKeyRequest struct {
	ProductID string `json:"product_id"`
	Size      string `json:"size"`
	StoreID   string `json:"store_id"`
	ItemIndex int    `json:"item_index"`
}

func (k itemKeyRequest) toDomain() domain.ItemKey {
	return domain.ItemKey{
		ProductID: strings.TrimSpace(k.ProductID),
		Size:      strings.TrimSpace(k.Size),
		StoreID:   strings.TrimSpace(k.StoreID),
		ItemIndex: k.ItemIndex,
	}
}

type updateItemRequest struct {
	CartID            string         `json:"cart_id"`
	BuyNow            bool           `json:"buy_now"`
	Stage             string         `json:"stage"`
	Key               itemKeyRequest `json:"key"`
	ArticleID         string         `json:"article_id"`
	Quantity          int            `json:"quantity"`
	FulfillmentOption string         `json:"fulfillment_option"`
}

type removeItemsRequest struct {
	CartID string           `json:"cart_id"`
	BuyNow bool             `json:"buy_now"`
	Stage  string           `json:"stage"`
	Keys   []itemKeyRequest `json:"keys"`
}

type couponRequest struct {
	CartID string `json:"cart_id"`
	BuyNow bool   `json:"buy_now"`
	Stage  string `json:"stage"`
	Code   string `json:"code"`
}

type rewardRequest struct {
	CartID string `json:"cart_id"`
	BuyNow bool   `json:"buy_now"`
	Stage  string `json:"stage"`
	Redeem bool   `json:"redeem"`
}

type removeItemsPayload struct {
	Requested int         `json:"requested"`
	Removed   int         `json:"removed"`
	View      viewPayload `json:"view"`
}

type couponPayload struct {
	Applied    bool        `json:"applied"`
	Code       string      `json:"code,omitempty"`
	Message    string      `json:"message,omitempty"`
	StageReset bool        `json:"stage_reset"`
	View       viewPayload `json:"view"`
}

type rewardPayload struct {
	Applied   bool        `json:"applied"`
	ShowToast bool        `json:"show_toast"`
	View      viewPayload `json:"view"`
}

type viewPayload struct {
	Cart       cartPayload `json:"cart"`
	Dropped    bool        `json:"dropped"`
	MaxReached bool        `json:"max_reached"`
	Message    string      `json:"message,omitempty"`
}

type cartPayload struct {
	ID               string              `json:"id"`
	Items            []itemPayload       `json:"items"`
	Breakup          []breakupPayload    `json:"breakup,omitempty"`
	Coupon           *couponStatePayload `json:"coupon,omitempty"`
	RewardPoints     *rewardStatePayload `json:"reward_points,omitempty"`
	Mode             string              `json:"mode,omitempty"`
	Currency         string              `json:"currency,omitempty"`
	Valid            bool                `json:"valid"`
	HasOutOfStock    bool                `json:"has_out_of_stock"`
	HasUndeliverable bool                `json:"has_undeliverable"`
	BuyNow           bool                `json:"buy_now"`
	TotalMinor       int64               `json:"total_minor"`
}

type itemPayload struct {
	ProductID         string   `json:"product_id"`
	Size              string   `json:"size"`
	StoreID           string   `json:"store_id"`
	ItemIndex         int      `json:"item_index"`
	ArticleID         string   `json:"article_id,omitempty"`
	Quantity          int      `json:"quantity"`
	UnitPrice         int64    `json:"unit_price"`
	LinePrice         int64    `json:"line_price"`
	Currency          string   `json:"currency,omitempty"`
	MinQuantity       int      `json:"min_quantity,omitempty"`
	MaxQuantity       int      `json:"max_quantity,omitempty"`
	CustomOrder       bool     `json:"custom_order,omitempty"`
	OutOfStock        bool     `json:"out_of_stock,omitempty"`
	Deliverable       bool     `json:"deliverable"`
	FulfillmentOption string   `json:"fulfillment_option,omitempty"`
	Promotions        []string `json:"promotions,omitempty"`
}

type breakupPayload struct {
	Key      string `json:"key"`
	Label    string `json:"label,omitempty"`
	Value    int64  `json:"value"`
	Currency string `json:"currency,omitempty"`
}

type couponStatePayload struct {
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Value   int64  `json:"value"`
	Applied bool   `json:"applied"`
	Message string `json:"message,omitempty"`
}

type rewardStatePayload struct {
	Applied bool  `json:"applied"`
	Points  int64 `json:"points"`
}

func buildViewPayload(view services.CartView) viewPayload {
	return viewPayload{
		Cart:       buildCartPayload(view.Snapshot),
		Dropped:    view.Dropped,
		MaxReached: view.MaxReached,
		Message:    view.Message,
	}
}

func buildCouponPayload(outcome services.CouponOutcome) couponPayload {
	return couponPayload{
		Applied:    outcome.Applied,
		Code:       outcome.Code,
		Message:    outcome.Message,
		StageReset: outcome.StageReset,
		View:       buildViewPayload(outcome.View),
	}
}

func buildCartPayload(snapshot domain.CartSnapshot) cartPayload {
	payload := cartPayload{
		ID:               snapshot.ID,
		Items:            buildItemPayloads(snapshot.Items),
		Mode:             string(snapshot.Mode),
		Currency:         snapshot.Currency,
		Valid:            snapshot.Valid,
		HasOutOfStock:    snapshot.HasOutOfStock,
		HasUndeliverable: snapshot.HasUndeliverable,
		BuyNow:           snapshot.BuyNow,
		TotalMinor:       snapshot.Total(),
	}

	if len(snapshot.Breakup) > 0 {
		payload.Breakup = make([]breakupPayload, 0, len(snapshot.Breakup))
		for _, c := range snapshot.Breakup {
			payload.Breakup = append(payload.Breakup, breakupPayload{
				Key:      c.Key,
				Label:    c.Label,
				Value:    c.Value,
				Currency: c.Currency,
			})
		}
	}
	if snapshot.Coupon.Code != "" || snapshot.Coupon.IsApplied {
		payload.Coupon = &couponStatePayload{
			ID:      snapshot.Coupon.ID,
			Code:    snapshot.Coupon.Code,
			Value:   snapshot.Coupon.Value,
			Applied: snapshot.Coupon.IsApplied,
			Message: snapshot.Coupon.Message,
		}
	}
	if snapshot.RewardPoints.IsApplied || snapshot.RewardPoints.Points > 0 {
		payload.RewardPoints = &rewardStatePayload{
			Applied: snapshot.RewardPoints.IsApplied,
			Points:  snapshot.RewardPoints.Points,
		}
	}
	return payload
}

func buildItemPayloads(items []domain.LineItem) []itemPayload {
	if len(items) == 0 {
		return []itemPayload{}
	}
	out := make([]itemPayload, 0, len(items))
	for _, item := range items {
		out = append(out, itemPayload{
			ProductID:         item.Key.ProductID,
			Size:              item.Key.Size,
			StoreID:           item.Key.StoreID,
			ItemIndex:         item.Key.ItemIndex,
			ArticleID:         item.ArticleID,
			Quantity:          item.Quantity,
			UnitPrice:         item.UnitPrice,
			LinePrice:         item.LinePrice,
			Currency:          item.Currency,
			MinQuantity:       item.MinQuantity,
			MaxQuantity:       item.MaxQuantity,
			CustomOrder:       item.CustomOrder,
			OutOfStock:        item.OutOfStock,
			Deliverable:       item.Deliverable,
			FulfillmentOption: item.FulfillmentOption,
			Promotions:        item.Promotions,
		})
	}
	return out
}

func parseStage(value string) domain.CheckoutStage {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(domain.StageAddress):
		return domain.StageAddress
	case string(domain.StagePayment):
		return domain.StagePayment
	default:
		return domain.StageInformation
	}
}

func requireSession(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	if id := strings.TrimSpace(r.Header.Get(sessionHeader)); id != "" {
		return id, true
	}
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		if id := strings.TrimSpace(cookie.Value); id != "" {
			return id, true
		}
	}
	httpx.WriteError(ctx, w, httpx.NewError("session_required", "checkout session identifier is required", http.StatusBadRequest))
	return "", false
}

func decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := readLimitedBody(r, maxCartBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return false
	}
	return true
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = maxCartBodySize
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
