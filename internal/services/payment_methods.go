package services

import (
	"fmt"
	"strings"

	"github.com/threadline/checkout/internal/domain"
)

// methodHandler is the per-method contract of the payment state machine:
// validate the selection against the resolved option, then build the primary
// payment leg. Adding a method means adding a table entry, not a new branch
// in the dispatch path.
type methodHandler struct {
	validate func(cmd CheckoutCommand, option domain.PaymentOption, amountMinor int64) error
	buildLeg func(cmd CheckoutCommand, option domain.PaymentOption, amountMinor int64) domain.PaymentLeg
	// needsVPACheck marks methods whose selection carries a manually
	// entered VPA that must pass remote validation before dispatch.
	needsVPACheck func(cmd CheckoutCommand) bool
}

func invalidSelection(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPaymentInvalidInput, fmt.Sprintf(format, args...))
}

func legMeta(pairs ...string) map[string]string {
	meta := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] != "" {
			meta[pairs[i]] = pairs[i+1]
		}
	}
	return meta
}

var methodHandlers = map[domain.MethodKind]methodHandler{
	domain.MethodCard: {
		validate: func(cmd CheckoutCommand, _ domain.PaymentOption, _ int64) error {
			card := cmd.Selection.Card
			if card == nil {
				return invalidSelection("card details are required")
			}
			number := strings.ReplaceAll(strings.TrimSpace(card.Number), " ", "")
			if len(number) < 12 || len(number) > 19 {
				return invalidSelection("card number length is invalid")
			}
			if strings.TrimSpace(card.ExpiryMonth) == "" || strings.TrimSpace(card.ExpiryYear) == "" {
				return invalidSelection("card expiry is required")
			}
			if len(strings.TrimSpace(card.CVV)) < 3 {
				return invalidSelection("card cvv is required")
			}
			return nil
		},
		buildLeg: func(cmd CheckoutCommand, _ domain.PaymentOption, amount int64) domain.PaymentLeg {
			return domain.PaymentLeg{
				Mode:        domain.MethodCard.ModeCode(),
				AmountMinor: amount,
				Meta:        legMeta("tokenize", fmt.Sprintf("%t", cmd.Selection.Card.Tokenize)),
			}
		},
	},
	domain.MethodSavedCard: {
		validate: func(cmd CheckoutCommand, _ domain.PaymentOption, _ int64) error {
			saved := cmd.Selection.SavedCard
			if saved == nil || strings.TrimSpace(saved.CardID) == "" {
				return invalidSelection("saved card reference is required")
			}
			if len(strings.TrimSpace(saved.CVV)) < 3 {
				return invalidSelection("card cvv is required")
			}
			return nil
		},
		buildLeg: func(cmd CheckoutCommand, _ domain.PaymentOption, amount int64) domain.PaymentLeg {
			return domain.PaymentLeg{
				Mode:        domain.MethodSavedCard.ModeCode(),
				AmountMinor: amount,
				Meta:        legMeta("card_id", cmd.Selection.SavedCard.CardID),
			}
		},
	},
	domain.MethodUPI: {
		validate: func(cmd CheckoutCommand, _ domain.PaymentOption, _ int64) error {
			upi := cmd.Selection.UPI
			if upi == nil {
				return invalidSelection("upi selection is required")
			}
			vpa := strings.TrimSpace(upi.VPA)
			app := strings.TrimSpace(upi.IntentApp)
			if (vpa == "") == (app == "") {
				return invalidSelection("exactly one of vpa or intent app must be set")
			}
			if vpa != "" && !strings.Contains(vpa, "@") {
				return invalidSelection("vpa format is invalid")
			}
			return nil
		},
		buildLeg: func(cmd CheckoutCommand, _ domain.PaymentOption, amount int64) domain.PaymentLeg {
			return domain.PaymentLeg{
				Mode:        domain.MethodUPI.ModeCode(),
				AmountMinor: amount,
				Meta: legMeta(
					"vpa", strings.TrimSpace(cmd.Selection.UPI.VPA),
					"intent_app", strings.TrimSpace(cmd.Selection.UPI.IntentApp),
				),
			}
		},
		needsVPACheck: func(cmd CheckoutCommand) bool {
			return cmd.Selection.UPI != nil && strings.TrimSpace(cmd.Selection.UPI.VPA) != ""
		},
	},
	domain.MethodNetBanking: {
		validate: func(cmd CheckoutCommand, _ domain.PaymentOption, _ int64) error {
			if strings.TrimSpace(cmd.Selection.BankCode) == "" {
				return invalidSelection("bank code is required")
			}
			return nil
		},
		buildLeg: func(cmd CheckoutCommand, _ domain.PaymentOption, amount int64) domain.PaymentLeg {
			return domain.PaymentLeg{
				Mode:        domain.MethodNetBanking.ModeCode(),
				AmountMinor: amount,
				Meta:        legMeta("bank_code", strings.TrimSpace(cmd.Selection.BankCode)),
			}
		},
	},
	domain.MethodWallet: {
		validate: func(cmd CheckoutCommand, _ domain.PaymentOption, _ int64) error {
			if strings.TrimSpace(cmd.Selection.WalletCode) == "" {
				return invalidSelection("wallet code is required")
			}
			return nil
		},
		buildLeg: func(cmd CheckoutCommand, _ domain.PaymentOption, amount int64) domain.PaymentLeg {
			return domain.PaymentLeg{
				Mode:        domain.MethodWallet.ModeCode(),
				AmountMinor: amount,
				Meta:        legMeta("wallet_code", strings.TrimSpace(cmd.Selection.WalletCode)),
			}
		},
	},
	domain.MethodPayLater: {
		validate: func(cmd CheckoutCommand, _ domain.PaymentOption, _ int64) error {
			if strings.TrimSpace(cmd.Selection.ProviderCode) == "" {
				return invalidSelection("pay later provider is required")
			}
			return nil
		},
		buildLeg: func(cmd CheckoutCommand, _ domain.PaymentOption, amount int64) domain.PaymentLeg {
			return domain.PaymentLeg{
				Mode:        domain.MethodPayLater.ModeCode(),
				AmountMinor: amount,
				Meta:        legMeta("provider", strings.TrimSpace(cmd.Selection.ProviderCode)),
			}
		},
	},
	domain.MethodCardlessEMI: {
		validate: func(cmd CheckoutCommand, _ domain.PaymentOption, _ int64) error {
			if strings.TrimSpace(cmd.Selection.ProviderCode) == "" {
				return invalidSelection("emi provider is required")
			}
			return nil
		},
		buildLeg: func(cmd CheckoutCommand, _ domain.PaymentOption, amount int64) domain.PaymentLeg {
			return domain.PaymentLeg{
				Mode:        domain.MethodCardlessEMI.ModeCode(),
				AmountMinor: amount,
				Meta:        legMeta("provider", strings.TrimSpace(cmd.Selection.ProviderCode)),
			}
		},
	},
	domain.MethodQR: {
		validate: func(CheckoutCommand, domain.PaymentOption, int64) error { return nil },
		buildLeg: func(_ CheckoutCommand, _ domain.PaymentOption, amount int64) domain.PaymentLeg {
			return domain.PaymentLeg{
				Mode:        domain.MethodQR.ModeCode(),
				AmountMinor: amount,
			}
		},
	},
	domain.MethodCOD: {
		validate: func(_ CheckoutCommand, option domain.PaymentOption, amountMinor int64) error {
			// The COD limit applies to the amount actually collected on
			// delivery, which store credit may have reduced already.
			if option.CODLimit > 0 && amountMinor > option.CODLimit {
				return invalidSelection("order total exceeds the cash on delivery limit")
			}
			return nil
		},
		buildLeg: func(_ CheckoutCommand, _ domain.PaymentOption, amount int64) domain.PaymentLeg {
			return domain.PaymentLeg{
				Mode:        domain.MethodCOD.ModeCode(),
				AmountMinor: amount,
			}
		},
	},
	domain.MethodOther: {
		validate: func(cmd CheckoutCommand, option domain.PaymentOption, _ int64) error {
			if strings.TrimSpace(option.Code) == "" {
				return invalidSelection("payment option code is required")
			}
			if len(option.Routes) == 0 {
				return invalidSelection("payment option %q has no aggregator route", option.Code)
			}
			return nil
		},
		buildLeg: func(_ CheckoutCommand, option domain.PaymentOption, amount int64) domain.PaymentLeg {
			return domain.PaymentLeg{
				Mode:        strings.ToUpper(strings.TrimSpace(option.Code)),
				AmountMinor: amount,
			}
		},
	},
}
