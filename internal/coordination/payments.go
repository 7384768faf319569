package coordination

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/tradeguard/internal/deadline"
	"github.com/Aidin1998/tradeguard/internal/escrow"
	"github.com/Aidin1998/tradeguard/internal/events"
	"github.com/Aidin1998/tradeguard/internal/lifecycle"
	"github.com/Aidin1998/tradeguard/pkg/errors"
	"github.com/Aidin1998/tradeguard/pkg/metrics"
	"github.com/Aidin1998/tradeguard/pkg/models"
)

// sweepBatch bounds how many trades one sweep loads
const sweepBatch = 500

// InitiatePayment opens the caller's escrow hold. If the processor confirms
// synchronously and the other party already paid, the trade completes payment
// right away.
func (s *Service) InitiatePayment(ctx context.Context, id Identity, tradeID string) (*escrow.HoldReceipt, error) {
	var receipt *escrow.HoldReceipt
	err := s.withTrade(ctx, "coordination.InitiatePayment", tradeID, func(ctx context.Context, t *models.Trade) error {
		role, err := s.roleOf(ctx, t, id)
		if err != nil {
			return err
		}
		holdRole, ok := role.HoldRole()
		if !ok {
			return errors.Forbidden.Explain("%s cannot pay into a trade", role)
		}
		if t.PaymentDeadline != nil && !s.now().Before(*t.PaymentDeadline) {
			return errors.RequirementNotMet.Explain("payment deadline for trade %s has passed", t.ID)
		}

		receipt, err = s.ledger.CreateHold(ctx, t, holdRole)
		if err != nil {
			return err
		}
		return s.settlePayment(ctx, t, id.ActorID)
	})
	return receipt, err
}

// ConfirmPaymentCallback ingests a processor outcome for a hold. A success
// arriving after the trade already ended is refunded immediately.
func (s *Service) ConfirmPaymentCallback(ctx context.Context, externalRef string, report escrow.HoldReport) (*models.Trade, error) {
	hold, err := s.ledger.HoldByRef(ctx, externalRef)
	if err != nil {
		return nil, err
	}

	var trade *models.Trade
	err = s.withTrade(ctx, "coordination.ConfirmPaymentCallback", hold.TradeID, func(ctx context.Context, t *models.Trade) error {
		trade = t
		hold, changed, err := s.ledger.ApplyProcessorOutcome(ctx, externalRef, report)
		if err != nil {
			return err
		}

		switch {
		case t.Status.Terminal() && hold.Status == models.HoldStatusHeld:
			s.logger.Warn("Payment confirmed after trade ended, refunding",
				zap.String("trade_id", t.ID),
				zap.String("status", string(t.Status)),
				zap.String("hold_id", hold.ID),
			)
			_, err := s.ledger.Refund(ctx, t)
			return err
		case changed && t.Status == models.TradeStatusPaymentPending:
			return s.settlePayment(ctx, t, "")
		default:
			return nil
		}
	})
	return trade, err
}

// settlePayment moves a PAYMENT_PENDING trade forward once both holds verify
// and asks for a middleman. Anything else is left alone.
func (s *Service) settlePayment(ctx context.Context, trade *models.Trade, actorID string) error {
	if trade.Status != models.TradeStatusPaymentPending {
		return nil
	}
	v, err := s.ledger.VerifyBothHolds(ctx, trade)
	if err != nil {
		return err
	}
	if !v.BothPaid {
		return nil
	}

	err = s.trades.Transition(ctx, trade, lifecycle.Request{
		To:      models.TradeStatusPaymentComplete,
		Context: lifecycle.TransitionContext{BothHoldsVerified: true},
		ActorID: actorID,
		Reason:  "both holds verified",
		At:      s.now(),
	})
	if err != nil {
		return err
	}
	s.assignQuietly(ctx, trade.ID)
	return nil
}

// DeadlineOutcome reports what EvaluateDeadline did to one trade
type DeadlineOutcome struct {
	TradeID  string             `json:"trade_id"`
	Action   deadline.Action    `json:"action"`
	Urgency  deadline.Urgency   `json:"urgency"`
	Deadline deadline.Status    `json:"deadline"`
	Status   models.TradeStatus `json:"status"`
	Refunded int64              `json:"refunded"`
}

// EvaluateDeadline enforces the payment window of one trade at the current
// time. Hold state is re-verified under the lock so a payment racing the
// deadline is always seen. Calling it repeatedly is safe.
func (s *Service) EvaluateDeadline(ctx context.Context, tradeID string) (*DeadlineOutcome, error) {
	var outcome *DeadlineOutcome
	err := s.withTrade(ctx, "coordination.EvaluateDeadline", tradeID, func(ctx context.Context, t *models.Trade) error {
		outcome = &DeadlineOutcome{TradeID: t.ID, Action: deadline.ActionNone, Urgency: deadline.UrgencyLow, Status: t.Status}
		if t.Status != models.TradeStatusPaymentPending {
			return nil
		}

		v, err := s.ledger.VerifyBothHolds(ctx, t)
		if err != nil {
			return err
		}
		if v.BothPaid {
			if err := s.settlePayment(ctx, t, ""); err != nil {
				return err
			}
			outcome.Status = t.Status
			return nil
		}

		now := s.now()
		enf := deadline.EnforcementAction(now, deadline.Context{
			Deadline:        t.PaymentDeadline,
			CreatorPaid:     v.CreatorPaid,
			ParticipantPaid: v.ParticipantPaid,
		})
		outcome.Action = enf.Action
		outcome.Urgency = enf.Urgency
		outcome.Deadline = enf.Status
		if enf.Action != deadline.ActionNone {
			metrics.DeadlineActions.WithLabelValues(string(enf.Action)).Inc()
		}

		switch enf.Action {
		case deadline.ActionWarning:
			s.publish(ctx, events.PaymentDeadlineWarning, t.ID, events.DeadlineWarning{
				Urgency:   string(enf.Urgency),
				Remaining: enf.Status.TimeRemaining,
			})
		case deadline.ActionRefund:
			refund, err := s.ledger.Refund(ctx, t)
			if err != nil {
				return err
			}
			outcome.Refunded = refund.Total()
			if err := s.trades.Transition(ctx, t, lifecycle.Request{
				To:     models.TradeStatusRefunded,
				Reason: enf.Status.Reason,
				At:     now,
			}); err != nil {
				return err
			}
		case deadline.ActionCancel:
			if err := s.trades.Transition(ctx, t, lifecycle.Request{
				To:     models.TradeStatusCancelled,
				Reason: enf.Status.Reason,
				At:     now,
			}); err != nil {
				return err
			}
		}
		outcome.Status = t.Status
		return nil
	})
	return outcome, err
}

// EvaluateDeadlines runs EvaluateDeadline over every PAYMENT_PENDING trade.
// A failing trade is logged and the sweep moves on.
func (s *Service) EvaluateDeadlines(ctx context.Context) ([]DeadlineOutcome, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("deadlines").Observe(time.Since(start).Seconds())
	}()

	trades, err := s.trades.ListByStatus(ctx, models.TradeStatusPaymentPending, sweepBatch)
	if err != nil {
		return nil, err
	}

	var outcomes []DeadlineOutcome
	for _, t := range trades {
		if ctx.Err() != nil {
			return outcomes, ctx.Err()
		}
		outcome, err := s.EvaluateDeadline(ctx, t.ID)
		if err != nil {
			s.logger.Error("Deadline evaluation failed", zap.String("trade_id", t.ID), zap.Error(err))
			continue
		}
		if outcome.Action != deadline.ActionNone || outcome.Status != models.TradeStatusPaymentPending {
			outcomes = append(outcomes, *outcome)
		}
	}
	return outcomes, nil
}
