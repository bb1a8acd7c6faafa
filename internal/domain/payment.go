package domain

import "strings"

// MethodKind enumerates the payment method families the checkout state
// machine can dispatch. Each kind owns a distinct payload shape even when two
// kinds share a wire-level mode code (new and saved cards both submit "CARD").
type MethodKind string

const (
	MethodCard        MethodKind = "CARD"
	MethodSavedCard   MethodKind = "SAVED_CARD"
	MethodUPI         MethodKind = "UPI"
	MethodNetBanking  MethodKind = "NB"
	MethodWallet      MethodKind = "WL"
	MethodPayLater    MethodKind = "PL"
	MethodCardlessEMI MethodKind = "CARDLESS_EMI"
	MethodQR          MethodKind = "QR"
	MethodCOD         MethodKind = "COD"
	MethodStoreCredit MethodKind = "CREDITNOTE"
	MethodOther       MethodKind = "OTHER"
)

// Polls reports whether the method keeps a client-side polling surface open
// while the charge settles: a QR image or a UPI collect/intent hand-off.
func (k MethodKind) Polls() bool {
	return k == MethodQR || k == MethodUPI
}

// ModeCode returns the wire-level payment mode submitted to the gateway.
func (k MethodKind) ModeCode() string {
	switch k {
	case MethodSavedCard:
		return string(MethodCard)
	case MethodOther:
		return ""
	default:
		return string(k)
	}
}

// AggregatorRoute carries the routing metadata for one aggregator able to
// process a given method, keyed by aggregator name in the option set.
type AggregatorRoute struct {
	Aggregator   string
	APIKey       string
	MerchantCode string
	SDK          bool
}

// PaymentOption is one ranked entry of the option set returned for a total.
type PaymentOption struct {
	Code            string
	Kind            MethodKind
	DisplayName     string
	DisplayPriority int
	Routes          []AggregatorRoute
	CODLimit        int64
}

// Route returns the routing metadata for the named aggregator.
func (o PaymentOption) Route(aggregator string) (AggregatorRoute, bool) {
	for _, r := range o.Routes {
		if strings.EqualFold(r.Aggregator, aggregator) {
			return r, true
		}
	}
	return AggregatorRoute{}, false
}

// PaymentOptionSet is the ranked list of methods eligible for a specific
// payable total. A set is stale the moment the total changes and must be
// re-fetched, never reused.
type PaymentOptionSet struct {
	CartID      string
	AmountMinor int64
	Options     []PaymentOption
}

// Find returns the option matching the given method kind.
func (s PaymentOptionSet) Find(kind MethodKind) (PaymentOption, bool) {
	for _, o := range s.Options {
		if o.Kind == kind || strings.EqualFold(o.Code, string(kind)) {
			return o, true
		}
	}
	return PaymentOption{}, false
}

// StoreCredit is the optional secondary payment leg backed by the shopper's
// store-credit balance.
type StoreCredit struct {
	Applied      bool
	BalanceMinor int64
}

// AppliedAmount returns how much of the total the store credit covers.
func (c StoreCredit) AppliedAmount(totalMinor int64) int64 {
	if !c.Applied || c.BalanceMinor <= 0 || totalMinor <= 0 {
		return 0
	}
	if c.BalanceMinor >= totalMinor {
		return totalMinor
	}
	return c.BalanceMinor
}

// FullyApplied reports whether store credit covers the whole total, in which
// case primary method selection is skipped entirely.
func (c StoreCredit) FullyApplied(totalMinor int64) bool {
	return c.Applied && totalMinor > 0 && c.BalanceMinor >= totalMinor
}

// PaymentLeg is one entry of the payment-methods array submitted at checkout.
// Partial store credit yields two legs summing to the total.
type PaymentLeg struct {
	Mode        string
	AmountMinor int64
	Meta        map[string]string
}

// CardDetails captures a newly entered card.
type CardDetails struct {
	Number      string
	Holder      string
	ExpiryMonth string
	ExpiryYear  string
	CVV         string
	Tokenize    bool
}

// SavedCardRef references a stored card; only the CVV is re-entered.
type SavedCardRef struct {
	CardID string
	CVV    string
}

// UPISelection is either a manually entered VPA or a chosen intent app.
// Exactly one must be set; a manual VPA additionally requires remote
// validation before dispatch.
type UPISelection struct {
	VPA       string
	IntentApp string
}

// MethodSelection is the shopper's chosen method plus its method-specific
// data. Only the field matching Kind is consulted.
type MethodSelection struct {
	Kind         MethodKind
	Aggregator   string
	Card         *CardDetails
	SavedCard    *SavedCardRef
	UPI          *UPISelection
	BankCode     string
	WalletCode   string
	ProviderCode string
}

// ChargeStatus is the normalised terminal state of an aggregator charge.
type ChargeStatus string

const (
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargeRedirect  ChargeStatus = "redirect"
	ChargeRejected  ChargeStatus = "rejected"
)

// ChargeResult is the normalised outcome shape shared by every method so the
// caller's error rendering stays method-agnostic.
type ChargeResult struct {
	Status      ChargeStatus
	Code        string
	Message     string
	RedirectURL string
	OrderID     string
}
