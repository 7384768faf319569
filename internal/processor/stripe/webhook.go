package stripe

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/webhook"
	"go.uber.org/zap"

	"github.com/Aidin1998/tradeguard/internal/escrow"
	"github.com/Aidin1998/tradeguard/pkg/errors"
)

const maxWebhookBody = 65536

// ApplyFunc ingests a processor outcome for the hold behind ref
type ApplyFunc func(ctx context.Context, ref string, report escrow.HoldReport) error

// WebhookHandler verifies Stripe's signature and forwards PaymentIntent
// outcomes to apply. Unknown intents are acknowledged so Stripe stops retrying;
// any other failure answers 500 so the event is redelivered.
func WebhookHandler(secret string, logger *zap.Logger, apply ApplyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			logger.Error("read body", zap.Error(err))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), secret)
		if err != nil {
			logger.Warn("signature verification failed", zap.Error(err))
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		switch event.Type {
		case "payment_intent.amount_capturable_updated",
			"payment_intent.succeeded",
			"payment_intent.payment_failed",
			"payment_intent.canceled":
		default:
			w.WriteHeader(http.StatusOK)
			return
		}

		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			logger.Error("decode payment intent", zap.String("event_id", event.ID), zap.Error(err))
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		err = apply(r.Context(), pi.ID, ReportFor(&pi))
		switch {
		case err == nil:
		case errors.Is(err, errors.NotFound):
			logger.Warn("webhook for unknown intent", zap.String("intent_id", pi.ID), zap.String("event_id", event.ID))
		case errors.Is(err, errors.PaymentMismatch):
			logger.Error("webhook amount mismatch", zap.String("intent_id", pi.ID), zap.Error(err))
		default:
			logger.Error("apply webhook outcome", zap.String("intent_id", pi.ID), zap.Error(err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
