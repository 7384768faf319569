// Package stripe places escrow holds as manual-capture Stripe PaymentIntents.
// A hold is a PaymentIntent in requires_capture; capture pays it out and
// cancel voids it.
package stripe

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/paymentintent"
	"go.uber.org/zap"

	"github.com/Aidin1998/tradeguard/internal/escrow"
)

// Config holds the Stripe credentials
type Config struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// intentAPI is the subset of the PaymentIntent client the processor uses
type intentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

// Processor implements escrow.Processor on Stripe
type Processor struct {
	intents intentAPI
	logger  *zap.Logger
}

// NewProcessor creates a processor authenticated with cfg.SecretKey
func NewProcessor(cfg Config, logger *zap.Logger) *Processor {
	client := &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: cfg.SecretKey}
	return newProcessor(client, logger)
}

func newProcessor(intents intentAPI, logger *zap.Logger) *Processor {
	return &Processor{intents: intents, logger: logger}
}

// CreateHold creates a manual-capture PaymentIntent keyed by the hold id
func (p *Processor) CreateHold(ctx context.Context, req escrow.HoldRequest) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Metadata: map[string]string{
			"hold_id":  req.HoldID,
			"trade_id": req.TradeID,
			"payer_id": req.PayerID,
			"role":     string(req.Role),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey("hold-" + req.HoldID)

	pi, err := p.intents.New(params)
	if err != nil {
		return "", fmt.Errorf("create payment intent: %w", err)
	}
	p.logger.Info("Stripe hold created",
		zap.String("intent_id", pi.ID),
		zap.String("hold_id", req.HoldID),
		zap.Int64("amount", req.Amount),
	)
	return pi.ID, nil
}

// QueryHoldStatus maps the PaymentIntent's status onto a hold report
func (p *Processor) QueryHoldStatus(ctx context.Context, ref string) (escrow.HoldReport, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := p.intents.Get(ref, params)
	if err != nil {
		return escrow.HoldReport{}, fmt.Errorf("get payment intent %s: %w", ref, err)
	}
	return ReportFor(pi), nil
}

// CaptureHold captures amount from an authorised intent
func (p *Processor) CaptureHold(ctx context.Context, ref string, amount int64) error {
	params := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(amount)}
	params.Context = ctx
	params.SetIdempotencyKey("capture-" + ref)
	if _, err := p.intents.Capture(ref, params); err != nil {
		return fmt.Errorf("capture payment intent %s: %w", ref, err)
	}
	return nil
}

// VoidHold cancels the intent and releases the authorisation. An intent
// that is already cancelled counts as voided.
func (p *Processor) VoidHold(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	params.SetIdempotencyKey("void-" + ref)
	pi, err := p.intents.Cancel(ref, params)
	if err != nil {
		getParams := &stripe.PaymentIntentParams{}
		getParams.Context = ctx
		if current, getErr := p.intents.Get(ref, getParams); getErr == nil && current.Status == stripe.PaymentIntentStatusCanceled {
			return nil
		}
		return fmt.Errorf("cancel payment intent %s: %w", ref, err)
	}
	if pi.Status != stripe.PaymentIntentStatusCanceled {
		p.logger.Warn("Stripe intent not cancelled after void", zap.String("intent_id", ref), zap.String("status", string(pi.Status)))
	}
	return nil
}

// ReportFor translates a PaymentIntent into the processor-neutral report.
// An authorised, uncaptured intent counts as a successful hold. Only a
// cancelled intent is final; a declined card leaves the intent open for
// another payment method, so it stays pending.
func ReportFor(pi *stripe.PaymentIntent) escrow.HoldReport {
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresCapture:
		return escrow.HoldReport{Status: escrow.ProcessorSucceeded, AmountCaptured: pi.AmountCapturable}
	case stripe.PaymentIntentStatusSucceeded:
		return escrow.HoldReport{Status: escrow.ProcessorSucceeded, AmountCaptured: pi.AmountReceived}
	case stripe.PaymentIntentStatusCanceled:
		return escrow.HoldReport{Status: escrow.ProcessorFailed}
	}
	return escrow.HoldReport{Status: escrow.ProcessorPending}
}
