package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/threadline/checkout/internal/domain"
	"github.com/threadline/checkout/internal/platform/httpx"
	"github.com/threadline/checkout/internal/platform/requestctx"
	"github.com/threadline/checkout/internal/services"
)

// PaymentHandlers exposes payment option resolution and checkout dispatch.
type PaymentHandlers struct {
	carts    services.CartService
	options  services.OptionsService
	payments services.PaymentService
}

// NewPaymentHandlers constructs handlers delegating to the options and
// payment services. The cart service supplies the payable total options are
// resolved against.
func NewPaymentHandlers(carts services.CartService, options services.OptionsService, payments services.PaymentService) *PaymentHandlers {
	return &PaymentHandlers{
		carts:    carts,
		options:  options,
		payments: payments,
	}
}

// Routes wires the /payment endpoints onto the provided router.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/options", h.getOptions)
	r.Post("/checkout", h.checkout)
	r.Post("/validate", h.validateSelection)
}

func (h *PaymentHandlers) getOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.options == nil || h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
		return
	}
	sessionID, ok := requireSession(ctx, w, r)
	if !ok {
		return
	}
	// Option resolution is a payment-step entry; a completed order sends
	// the shopper back to the information step instead.
	if h.payments != nil {
		if err := h.payments.EnsureOpen(ctx, sessionID); err != nil {
			writePaymentError(ctx, w, err)
			return
		}
	}

	query := r.URL.Query()
	cartID := strings.TrimSpace(query.Get("cart_id"))

	snapshot, known := h.carts.Snapshot(sessionID)
	if !known || (cartID != "" && snapshot.ID != cartID) {
		view, err := h.carts.Resync(ctx, services.RefreshCommand{
			SessionID: sessionID,
			CartID:    cartID,
			BuyNow:    query.Get("buy_now") == "true",
			Stage:     domain.StagePayment,
		})
		if err != nil {
			writeCartError(ctx, w, err)
			return
		}
		snapshot = view.Snapshot
	}

	set, err := h.options.Resolve(ctx, services.OptionsCommand{
		SessionID:   sessionID,
		CartID:      snapshot.ID,
		Pincode:     strings.TrimSpace(query.Get("pincode")),
		Mode:        parseMode(query.Get("mode")),
		AmountMinor: snapshot.Total(),
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOptionSetPayload(set))
}

func (h *PaymentHandlers) checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
		return
	}
	sessionID, ok := requireSession(ctx, w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}

	cmd := req.toCommand(sessionID)
	if cmd.JourneyID != "" {
		ctx = requestctx.WithJourneyID(ctx, cmd.JourneyID)
	}

	outcome, err := h.payments.Checkout(ctx, cmd)
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, checkoutPayload{
		Status:       string(outcome.Status),
		OrderID:      outcome.OrderID,
		RedirectURL:  outcome.RedirectURL,
		Code:         outcome.Code,
		Message:      outcome.Message,
		ResetPolling: outcome.ResetPolling,
	})
}

func (h *PaymentHandlers) validateSelection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
		return
	}
	sessionID, ok := requireSession(ctx, w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}

	if err := h.payments.ValidateSelection(ctx, req.toCommand(sessionID)); err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrInvalidVPA):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_vpa", "UPI ID is invalid", http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentInvalidInput),
		errors.Is(err, services.ErrOptionsInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrMethodNotEligible):
		httpx.WriteError(ctx, w, httpx.NewError("method_not_eligible", "selected payment method is not available for this total", http.StatusConflict))
	case errors.Is(err, services.ErrOrderCompleted):
		httpx.WriteError(ctx, w, httpx.NewError("order_completed", "an order has already been placed in this session", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutInProgress):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_in_progress", "another checkout is already in progress", http.StatusConflict))
	case errors.Is(err, services.ErrPaymentUnavailable),
		errors.Is(err, services.ErrOptionsUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("payment_error", "payment operation failed", http.StatusInternalServerError))
	}
}

type checkoutRequest struct {
	CartID      string             `json:"cart_id"`
	BuyNow      bool               `json:"buy_now"`
	Mode        string             `json:"mode"`
	Pincode     string             `json:"pincode"`
	JourneyID   string             `json:"journey_id"`
	Selection   selectionRequest   `json:"selection"`
	StoreCredit storeCreditRequest `json:"store_credit"`
	Meta        map[string]string  `json:"meta"`
}

type selectionRequest struct {
	Kind         string            `json:"kind"`
	Aggregator   string            `json:"aggregator"`
	Card         *cardRequest      `json:"card"`
	SavedCard    *savedCardRequest `json:"saved_card"`
	UPI          *upiRequest       `json:"upi"`
	BankCode     string            `json:"bank_code"`
	WalletCode   string            `json:"wallet_code"`
	ProviderCode string            `json:"provider_code"`
}

type cardRequest struct {
	Number      string `json:"number"`
	Holder      string `json:"holder"`
	ExpiryMonth string `json:"expiry_month"`
	ExpiryYear  string `json:"expiry_year"`
	CVV         string `json:"cvv"`
	Tokenize    bool   `json:"tokenize"`
}

type savedCardRequest struct {
	CardID string `json:"card_id"`
	CVV    string `json:"cvv"`
}

type upiRequest struct {
	VPA       string `json:"vpa"`
	IntentApp string `json:"intent_app"`
}

type storeCreditRequest struct {
	Applied      bool  `json:"applied"`
	BalanceMinor int64 `json:"balance_minor"`
}

func (r checkoutRequest) toCommand(sessionID string) services.CheckoutCommand {
	selection := domain.MethodSelection{
		Kind:         domain.MethodKind(strings.ToUpper(strings.TrimSpace(r.Selection.Kind))),
		Aggregator:   strings.TrimSpace(r.Selection.Aggregator),
		BankCode:     strings.TrimSpace(r.Selection.BankCode),
		WalletCode:   strings.TrimSpace(r.Selection.WalletCode),
		ProviderCode: strings.TrimSpace(r.Selection.ProviderCode),
	}
	if r.Selection.Card != nil {
		selection.Card = &domain.CardDetails{
			Number:      strings.TrimSpace(r.Selection.Card.Number),
			Holder:      strings.TrimSpace(r.Selection.Card.Holder),
			ExpiryMonth: strings.TrimSpace(r.Selection.Card.ExpiryMonth),
			ExpiryYear:  strings.TrimSpace(r.Selection.Card.ExpiryYear),
			CVV:         strings.TrimSpace(r.Selection.Card.CVV),
			Tokenize:    r.Selection.Card.Tokenize,
		}
	}
	if r.Selection.SavedCard != nil {
		selection.SavedCard = &domain.SavedCardRef{
			CardID: strings.TrimSpace(r.Selection.SavedCard.CardID),
			CVV:    strings.TrimSpace(r.Selection.SavedCard.CVV),
		}
	}
	if r.Selection.UPI != nil {
		selection.UPI = &domain.UPISelection{
			VPA:       strings.TrimSpace(r.Selection.UPI.VPA),
			IntentApp: strings.TrimSpace(r.Selection.UPI.IntentApp),
		}
	}

	return services.CheckoutCommand{
		SessionID: sessionID,
		CartID:    strings.TrimSpace(r.CartID),
		BuyNow:    r.BuyNow,
		Mode:      parseMode(r.Mode),
		Pincode:   strings.TrimSpace(r.Pincode),
		JourneyID: strings.TrimSpace(r.JourneyID),
		Selection: selection,
		StoreCredit: domain.StoreCredit{
			Applied:      r.StoreCredit.Applied,
			BalanceMinor: r.StoreCredit.BalanceMinor,
		},
		Meta: r.Meta,
	}
}

type checkoutPayload struct {
	Status       string `json:"status"`
	OrderID      string `json:"order_id,omitempty"`
	RedirectURL  string `json:"redirect_url,omitempty"`
	Code         string `json:"code,omitempty"`
	Message      string `json:"message,omitempty"`
	ResetPolling bool   `json:"reset_polling,omitempty"`
}

type optionSetPayload struct {
	CartID      string          `json:"cart_id"`
	AmountMinor int64           `json:"amount_minor"`
	Options     []optionPayload `json:"options"`
}

type optionPayload struct {
	Code            string         `json:"code"`
	Kind            string         `json:"kind"`
	DisplayName     string         `json:"display_name,omitempty"`
	DisplayPriority int            `json:"display_priority"`
	CODLimit        int64          `json:"cod_limit,omitempty"`
	Routes          []routePayload `json:"routes,omitempty"`
}

type routePayload struct {
	Aggregator   string `json:"aggregator"`
	MerchantCode string `json:"merchant_code,omitempty"`
	SDK          bool   `json:"sdk"`
}

func buildOptionSetPayload(set domain.PaymentOptionSet) optionSetPayload {
	payload := optionSetPayload{
		CartID:      set.CartID,
		AmountMinor: set.AmountMinor,
		Options:     make([]optionPayload, 0, len(set.Options)),
	}
	for _, opt := range set.Options {
		entry := optionPayload{
			Code:            opt.Code,
			Kind:            string(opt.Kind),
			DisplayName:     opt.DisplayName,
			DisplayPriority: opt.DisplayPriority,
			CODLimit:        opt.CODLimit,
		}
		// API keys stay server-side; routes expose only what the client
		// needs to pick an SDK flow.
		for _, route := range opt.Routes {
			entry.Routes = append(entry.Routes, routePayload{
				Aggregator:   route.Aggregator,
				MerchantCode: route.MerchantCode,
				SDK:          route.SDK,
			})
		}
		payload.Options = append(payload.Options, entry)
	}
	return payload
}

func parseMode(value string) domain.CheckoutMode {
	if strings.EqualFold(strings.TrimSpace(value), string(domain.CheckoutModeOther)) {
		return domain.CheckoutModeOther
	}
	return domain.CheckoutModeSelf
}
