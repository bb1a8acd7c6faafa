package gateway

import (
	"strings"

	"github.com/threadline/checkout/internal/domain"
)

// Wire-level shapes of the platform API. Monetary values travel in minor
// units end to end; the client never converts between representations.

type wireCart struct {
	ID            string            `json:"id"`
	Items         []wireCartItem    `json:"items"`
	BreakupValues wireBreakupValues `json:"breakup_values"`
	CheckoutMode  string            `json:"checkout_mode"`
	IsValid       bool              `json:"is_valid"`
	BuyNow        bool              `json:"buy_now"`
	Currency      struct {
		Code string `json:"code"`
	} `json:"currency"`
}

type wireCartItem struct {
	Quantity     int   `json:"quantity"`
	PricePerUnit int64 `json:"price_per_unit"`
	LinePrice    int64 `json:"line_price"`
	ItemIndex    int   `json:"item_index"`
	Product      struct {
		UID string `json:"uid"`
	} `json:"product"`
	Article struct {
		UID     string `json:"uid"`
		Size    string `json:"size"`
		StoreID string `json:"store_id"`
	} `json:"article"`
	Availability struct {
		OutOfStock  bool `json:"out_of_stock"`
		Deliverable bool `json:"deliverable"`
		MinQuantity int  `json:"min_quantity"`
		MaxQuantity int  `json:"max_quantity"`
	} `json:"availability"`
	CustomOrder       bool     `json:"is_custom_order"`
	FulfillmentOption string   `json:"fulfillment_option_slug"`
	Promotions        []string `json:"promotions_applied"`
}

type wireBreakupValues struct {
	Display       []wireBreakupRow `json:"display"`
	Coupon        *wireCoupon      `json:"coupon"`
	LoyaltyPoints *wireLoyalty     `json:"loyalty_points"`
}

type wireBreakupRow struct {
	Key          string `json:"key"`
	Display      string `json:"display"`
	Value        int64  `json:"value"`
	CurrencyCode string `json:"currency_code"`
}

type wireCoupon struct {
	UID       string `json:"uid"`
	Code      string `json:"code"`
	Value     int64  `json:"value"`
	IsApplied bool   `json:"is_applied"`
	Message   string `json:"message"`
}

type wireLoyalty struct {
	IsApplied bool  `json:"is_applied"`
	Points    int64 `json:"points"`
}

func (w wireCart) toSnapshot() domain.CartSnapshot {
	snap := domain.CartSnapshot{
		ID:       strings.TrimSpace(w.ID),
		Items:    make([]domain.LineItem, 0, len(w.Items)),
		Breakup:  w.BreakupValues.toComponents(),
		Mode:     checkoutMode(w.CheckoutMode),
		Currency: strings.ToUpper(strings.TrimSpace(w.Currency.Code)),
		Valid:    w.IsValid,
		BuyNow:   w.BuyNow,
	}
	if w.BreakupValues.Coupon != nil {
		snap.Coupon = domain.Coupon{
			ID:        w.BreakupValues.Coupon.UID,
			Code:      strings.TrimSpace(w.BreakupValues.Coupon.Code),
			Value:     w.BreakupValues.Coupon.Value,
			IsApplied: w.BreakupValues.Coupon.IsApplied,
			Message:   strings.TrimSpace(w.BreakupValues.Coupon.Message),
		}
	}
	if w.BreakupValues.LoyaltyPoints != nil {
		snap.RewardPoints = domain.RewardPoints{
			IsApplied: w.BreakupValues.LoyaltyPoints.IsApplied,
			Points:    w.BreakupValues.LoyaltyPoints.Points,
		}
	}
	for _, item := range w.Items {
		line := domain.LineItem{
			Key: domain.ItemKey{
				ProductID: item.Product.UID,
				Size:      item.Article.Size,
				StoreID:   item.Article.StoreID,
				ItemIndex: item.ItemIndex,
			},
			ArticleID:         item.Article.UID,
			Quantity:          item.Quantity,
			UnitPrice:         item.PricePerUnit,
			LinePrice:         item.LinePrice,
			Currency:          snap.Currency,
			MinQuantity:       item.Availability.MinQuantity,
			MaxQuantity:       item.Availability.MaxQuantity,
			CustomOrder:       item.CustomOrder,
			OutOfStock:        item.Availability.OutOfStock,
			Deliverable:       item.Availability.Deliverable,
			FulfillmentOption: item.FulfillmentOption,
			Promotions:        item.Promotions,
		}
		if line.OutOfStock {
			snap.HasOutOfStock = true
		}
		if !line.Deliverable {
			snap.HasUndeliverable = true
		}
		snap.Items = append(snap.Items, line)
	}
	return snap
}

func (w wireBreakupValues) toComponents() []domain.BreakupComponent {
	out := make([]domain.BreakupComponent, 0, len(w.Display))
	for _, row := range w.Display {
		out = append(out, domain.BreakupComponent{
			Key:      strings.ToLower(strings.TrimSpace(row.Key)),
			Label:    strings.TrimSpace(row.Display),
			Value:    row.Value,
			Currency: strings.ToUpper(strings.TrimSpace(row.CurrencyCode)),
		})
	}
	return out
}

func checkoutMode(raw string) domain.CheckoutMode {
	if strings.EqualFold(strings.TrimSpace(raw), string(domain.CheckoutModeOther)) {
		return domain.CheckoutModeOther
	}
	return domain.CheckoutModeSelf
}

type wireUpdateRequest struct {
	Operation string           `json:"operation"`
	BuyNow    bool             `json:"buy_now"`
	Items     []wireUpdateItem `json:"items"`
}

type wireUpdateItem struct {
	ArticleID             string `json:"article_id"`
	ItemID                string `json:"item_id"`
	StoreID               string `json:"store_id"`
	ItemSize              string `json:"item_size"`
	ItemIndex             int    `json:"item_index"`
	Quantity              int    `json:"quantity"`
	FulfillmentOptionSlug string `json:"fulfillment_option_slug,omitempty"`
}

type wireUpdateResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Cart    wireCart `json:"cart"`
}

type wireCouponResponse struct {
	BreakupValues wireBreakupValues `json:"breakup_values"`
}

type wireAckResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type wireOptionsResponse struct {
	PaymentOptions []wirePaymentOption `json:"payment_option"`
}

type wirePaymentOption struct {
	Name            string               `json:"name"`
	DisplayName     string               `json:"display_name"`
	DisplayPriority int                  `json:"display_priority"`
	CODLimit        int64                `json:"cod_limit"`
	AggregatorList  []wireAggregatorInfo `json:"aggregator_name"`
}

type wireAggregatorInfo struct {
	Name         string `json:"name"`
	APIKey       string `json:"api_key"`
	MerchantCode string `json:"merchant_code"`
	SDK          bool   `json:"sdk"`
}

func (w wireOptionsResponse) toOptionSet(req OptionsRequest) domain.PaymentOptionSet {
	set := domain.PaymentOptionSet{
		CartID:      strings.TrimSpace(req.CartID),
		AmountMinor: req.AmountMinor,
		Options:     make([]domain.PaymentOption, 0, len(w.PaymentOptions)),
	}
	for _, opt := range w.PaymentOptions {
		code := strings.ToUpper(strings.TrimSpace(opt.Name))
		if code == "" {
			continue
		}
		routes := make([]domain.AggregatorRoute, 0, len(opt.AggregatorList))
		for _, agg := range opt.AggregatorList {
			routes = append(routes, domain.AggregatorRoute{
				Aggregator:   strings.TrimSpace(agg.Name),
				APIKey:       agg.APIKey,
				MerchantCode: agg.MerchantCode,
				SDK:          agg.SDK,
			})
		}
		set.Options = append(set.Options, domain.PaymentOption{
			Code:            code,
			Kind:            methodKind(code),
			DisplayName:     strings.TrimSpace(opt.DisplayName),
			DisplayPriority: opt.DisplayPriority,
			Routes:          routes,
			CODLimit:        opt.CODLimit,
		})
	}
	return set
}

// methodKind maps a wire option code to the method family the state machine
// dispatches on. Codes outside the known families fall through to Other,
// which still checks out with the server-supplied code.
func methodKind(code string) domain.MethodKind {
	switch domain.MethodKind(code) {
	case domain.MethodCard, domain.MethodUPI, domain.MethodNetBanking,
		domain.MethodWallet, domain.MethodPayLater, domain.MethodCardlessEMI,
		domain.MethodQR, domain.MethodCOD, domain.MethodStoreCredit:
		return domain.MethodKind(code)
	default:
		return domain.MethodOther
	}
}

type wireSelectModeRequest struct {
	PaymentMode    string           `json:"payment_mode"`
	PaymentMethods []wirePaymentLeg `json:"payment_methods"`
}

type wireSelectModeResponse struct {
	BreakupValues wireBreakupValues `json:"breakup_values"`
}

type wirePaymentLeg struct {
	Mode   string            `json:"mode"`
	Amount int64             `json:"amount"`
	Meta   map[string]string `json:"meta,omitempty"`
}

type wireCheckoutRequest struct {
	CartID             string            `json:"cart_id"`
	CheckoutMode       string            `json:"checkout_mode"`
	Aggregator         string            `json:"aggregator"`
	Pincode            string            `json:"pincode"`
	PaymentMethods     []wirePaymentLeg  `json:"payment_methods"`
	Meta               map[string]string `json:"meta,omitempty"`
	JourneyID          string            `json:"journey_id,omitempty"`
	PaymentAutoConfirm bool              `json:"payment_auto_confirm"`
}

type wireCheckoutResponse struct {
	Success     bool   `json:"success"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	RedirectURL string `json:"redirect_url"`
	OrderID     string `json:"order_id"`
}

type wireVPAResponse struct {
	Status  string `json:"status"`
	IsValid bool   `json:"is_valid"`
	Message string `json:"message"`
}
