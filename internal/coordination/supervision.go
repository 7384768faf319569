package coordination

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/tradeguard/internal/dispatch"
	"github.com/Aidin1998/tradeguard/internal/escrow"
	"github.com/Aidin1998/tradeguard/internal/lifecycle"
	"github.com/Aidin1998/tradeguard/pkg/errors"
	"github.com/Aidin1998/tradeguard/pkg/metrics"
	"github.com/Aidin1998/tradeguard/pkg/models"
)

// RequestMiddlemanAssignment offers a paid trade to the next eligible middleman
func (s *Service) RequestMiddlemanAssignment(ctx context.Context, tradeID string) (*models.MiddlemanAssignment, error) {
	var assignment *models.MiddlemanAssignment
	err := s.withTrade(ctx, "coordination.RequestMiddlemanAssignment", tradeID, func(ctx context.Context, t *models.Trade) error {
		if t.Status != models.TradeStatusPaymentComplete {
			return errors.RequirementNotMet.Explain("trade %s is %s, a middleman is assigned once payment completes", t.ID, t.Status)
		}
		var err error
		assignment, err = s.dispatcher.Assign(ctx, t.ID)
		return err
	})
	return assignment, err
}

// AcceptAssignment accepts an offer and starts supervision of the trade
func (s *Service) AcceptAssignment(ctx context.Context, id Identity, assignmentID string) (*models.Trade, error) {
	if !id.Middleman {
		return nil, errors.Forbidden.Explain("only middlemen can accept assignments")
	}
	assignment, err := s.dispatcher.Assignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	var trade *models.Trade
	err = s.withTrade(ctx, "coordination.AcceptAssignment", assignment.TradeID, func(ctx context.Context, t *models.Trade) error {
		trade = t
		if t.Status != models.TradeStatusPaymentComplete {
			return errors.InvalidTransition.Explain("trade %s is %s and cannot start supervision", t.ID, t.Status)
		}
		if _, _, err := s.dispatcher.Accept(ctx, assignmentID, id.ActorID); err != nil {
			return err
		}
		return s.trades.Transition(ctx, t, lifecycle.Request{
			To:      models.TradeStatusInProgress,
			Context: lifecycle.TransitionContext{AssignmentAccepted: true},
			ActorID: id.ActorID,
			Reason:  "middleman accepted",
			At:      s.now(),
		})
	})
	return trade, err
}

// DeclineAssignment records the refusal and offers the trade to the next
// middleman. The decline stands even when nobody else is available, in which
// case NoAvailableMiddleman is returned.
func (s *Service) DeclineAssignment(ctx context.Context, id Identity, assignmentID, reason string) (*models.MiddlemanAssignment, error) {
	if !id.Middleman {
		return nil, errors.Forbidden.Explain("only middlemen can decline assignments")
	}
	assignment, err := s.dispatcher.Assignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	var next *models.MiddlemanAssignment
	err = s.withTrade(ctx, "coordination.DeclineAssignment", assignment.TradeID, func(ctx context.Context, t *models.Trade) error {
		if _, err := s.dispatcher.Decline(ctx, assignmentID, id.ActorID, s.validator.Sanitize(reason)); err != nil {
			return err
		}
		if t.Status != models.TradeStatusPaymentComplete {
			return nil
		}
		var err error
		next, err = s.dispatcher.Assign(ctx, t.ID)
		return err
	})
	return next, err
}

// ApproveTrade is the supervising middleman's approval: escrow is released
// and the trade completes. The session is closed last so a failed attempt
// can be retried by the same middleman.
func (s *Service) ApproveTrade(ctx context.Context, id Identity, tradeID, notes string) (*escrow.ReleaseResult, error) {
	var result *escrow.ReleaseResult
	err := s.withTrade(ctx, "coordination.ApproveTrade", tradeID, func(ctx context.Context, t *models.Trade) error {
		if err := s.supervisor(ctx, t, id); err != nil {
			return err
		}
		// completed with the session still open: only the close is left
		finishing := t.Status == models.TradeStatusCompleted
		tc := lifecycle.TransitionContext{MiddlemanApproved: true}
		if !finishing {
			if err := lifecycle.ValidateTransition(t.Status, models.TradeStatusCompleted, tc); err != nil {
				return err
			}
		}

		var err error
		result, err = s.ledger.Release(ctx, t)
		if err != nil {
			return err
		}
		if !finishing {
			err = s.trades.Transition(ctx, t, lifecycle.Request{
				To:      models.TradeStatusCompleted,
				Context: tc,
				ActorID: id.ActorID,
				Reason:  "middleman approved",
				At:      s.now(),
			})
			if err != nil {
				return err
			}
		}
		_, err = s.dispatcher.CompleteSupervision(ctx, t.ID, id.ActorID, dispatch.DecisionApproved, s.validator.Sanitize(notes))
		return err
	})
	return result, err
}

// RejectTrade is the supervising middleman's rejection: every hold is
// refunded and the trade is cancelled.
func (s *Service) RejectTrade(ctx context.Context, id Identity, tradeID, notes string) (*escrow.RefundResult, error) {
	var result *escrow.RefundResult
	err := s.withTrade(ctx, "coordination.RejectTrade", tradeID, func(ctx context.Context, t *models.Trade) error {
		if err := s.supervisor(ctx, t, id); err != nil {
			return err
		}
		var err error
		result, err = s.cancelSupervised(ctx, t, id.ActorID, dispatch.DecisionRejected, s.validator.Sanitize(notes), "middleman rejected")
		return err
	})
	return result, err
}

// ReportIssue records a problem the supervising middleman found. Escalated
// issue types cancel the trade and refund both parties; funds are never
// released on escalation.
func (s *Service) ReportIssue(ctx context.Context, id Identity, tradeID string, issueType models.IssueType, description string) (*models.TradeIssue, error) {
	var issue *models.TradeIssue
	err := s.withTrade(ctx, "coordination.ReportIssue", tradeID, func(ctx context.Context, t *models.Trade) error {
		if err := s.supervisor(ctx, t, id); err != nil {
			return err
		}
		if issueType == models.IssueSupervisionTimeout {
			return errors.Invalid.Explain("%s issues are raised by the system", issueType)
		}

		var err error
		if t.Status == models.TradeStatusCancelled && issueType.Escalated() {
			// an earlier escalation cancelled the trade but left the session open
			if issue, err = s.escalatedIssue(ctx, t.ID, issueType); err != nil {
				return err
			}
		}
		if issue == nil {
			issue, err = s.dispatcher.RecordIssue(ctx, t.ID, id.ActorID, issueType, s.validator.Sanitize(description))
			if err != nil {
				return err
			}
		}
		if !issue.Escalated {
			return nil
		}
		_, err = s.cancelSupervised(ctx, t, id.ActorID, dispatch.DecisionEscalated, issue.Description, "escalated: "+string(issueType))
		return err
	})
	return issue, err
}

// escalatedIssue returns the latest escalated issue of the given type, or nil
func (s *Service) escalatedIssue(ctx context.Context, tradeID string, issueType models.IssueType) (*models.TradeIssue, error) {
	issues, err := s.dispatcher.Issues(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	for i := len(issues) - 1; i >= 0; i-- {
		if issues[i].Escalated && issues[i].IssueType == issueType {
			return &issues[i], nil
		}
	}
	return nil, nil
}

// cancelSupervised refunds and cancels an IN_PROGRESS trade, then closes
// supervision. A trade already cancelled under an open session only has its
// refund re-checked and the session closed.
func (s *Service) cancelSupervised(ctx context.Context, t *models.Trade, middlemanID, decision, notes, reason string) (*escrow.RefundResult, error) {
	finishing := t.Status == models.TradeStatusCancelled
	if !finishing {
		if err := lifecycle.ValidateTransition(t.Status, models.TradeStatusCancelled, lifecycle.TransitionContext{}); err != nil {
			return nil, err
		}
	}
	refund, err := s.ledger.Refund(ctx, t)
	if err != nil {
		return nil, err
	}
	if !finishing {
		err = s.trades.Transition(ctx, t, lifecycle.Request{
			To:      models.TradeStatusCancelled,
			ActorID: middlemanID,
			Reason:  reason,
			At:      s.now(),
		})
		if err != nil {
			return refund, err
		}
	}
	_, err = s.dispatcher.CompleteSupervision(ctx, t.ID, middlemanID, decision, notes)
	return refund, err
}

// EvaluateAssignmentTimeouts closes every offer left unanswered past its
// window and reassigns the trade. It returns the number of offers closed.
func (s *Service) EvaluateAssignmentTimeouts(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("assignments").Observe(time.Since(start).Seconds())
	}()

	pending, err := s.dispatcher.PendingAssignments(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	closed := 0
	for _, a := range pending {
		if ctx.Err() != nil {
			return closed, ctx.Err()
		}
		if !dispatch.CheckAssignmentTimeout(a.AssignedAt, now).IsTimedOut {
			continue
		}
		err := s.withTrade(ctx, "coordination.TimeOutAssignment", a.TradeID, func(ctx context.Context, t *models.Trade) error {
			if _, err := s.dispatcher.TimeOut(ctx, a.ID); err != nil {
				return err
			}
			closed++
			if t.Status == models.TradeStatusPaymentComplete {
				s.assignQuietly(ctx, t.ID)
			}
			return nil
		})
		switch {
		case errors.Is(err, errors.Conflict):
			s.logger.Debug("Assignment answered before timeout", zap.String("assignment_id", a.ID))
		case err != nil:
			s.logger.Error("Assignment timeout failed", zap.String("assignment_id", a.ID), zap.Error(err))
		}
	}
	return closed, nil
}

// EvaluateSupervision advances open supervision sessions: sessions entering
// their final window are marked completing, exhausted ones are escalated.
// It returns the number of sessions escalated.
func (s *Service) EvaluateSupervision(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("supervision").Observe(time.Since(start).Seconds())
	}()

	sessions, err := s.dispatcher.OpenSessions(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	escalated := 0
	for i := range sessions {
		session := &sessions[i]
		if ctx.Err() != nil {
			return escalated, ctx.Err()
		}
		switch status := dispatch.GetSupervisionStatus(session, now); {
		case status.Status == models.SupervisionTimedOut:
			closedOnly := false
			err := s.withTrade(ctx, "coordination.SupervisionTimedOut", session.TradeID, func(ctx context.Context, t *models.Trade) error {
				// a decided trade whose session close failed is closed, not escalated
				if decision, ok := decidedBy(t.Status); ok {
					closedOnly = true
					_, err := s.dispatcher.CompleteSupervision(ctx, t.ID, session.MiddlemanID, decision, "")
					return err
				}
				_, _, err := s.dispatcher.MarkSupervisionTimedOut(ctx, session.ID)
				return err
			})
			if err != nil {
				if !errors.Is(err, errors.Conflict) {
					s.logger.Error("Supervision timeout failed", zap.String("session_id", session.ID), zap.Error(err))
				}
				continue
			}
			if !closedOnly {
				escalated++
			}
		case status.Status == models.SupervisionCompleting && session.Status == models.SupervisionActive:
			if err := s.dispatcher.MarkCompleting(ctx, session.ID); err != nil {
				s.logger.Error("Failed to mark supervision completing", zap.String("session_id", session.ID), zap.Error(err))
			}
		}
	}
	return escalated, nil
}

func decidedBy(status models.TradeStatus) (string, bool) {
	switch status {
	case models.TradeStatusCompleted:
		return dispatch.DecisionApproved, true
	case models.TradeStatusCancelled:
		return dispatch.DecisionRejected, true
	}
	return "", false
}

// RetryUnassigned re-requests a middleman for paid trades nobody holds.
// It returns the number of new offers made.
func (s *Service) RetryUnassigned(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("unassigned").Observe(time.Since(start).Seconds())
	}()

	trades, err := s.trades.ListByStatus(ctx, models.TradeStatusPaymentComplete, sweepBatch)
	if err != nil {
		return 0, err
	}

	offered := 0
	for _, t := range trades {
		if ctx.Err() != nil {
			return offered, ctx.Err()
		}
		open, err := optional(s.dispatcher.ActiveAssignment(ctx, t.ID))
		if err != nil {
			return offered, err
		}
		if open != nil {
			continue
		}
		if _, err := s.RequestMiddlemanAssignment(ctx, t.ID); err != nil {
			if !errors.Is(err, errors.NoAvailableMiddleman) && !errors.Is(err, errors.Conflict) {
				s.logger.Error("Middleman retry failed", zap.String("trade_id", t.ID), zap.Error(err))
			}
			continue
		}
		offered++
	}
	return offered, nil
}

// assignQuietly requests a middleman and leaves the trade for RetryUnassigned
// when nobody is available.
func (s *Service) assignQuietly(ctx context.Context, tradeID string) {
	if _, err := s.dispatcher.Assign(ctx, tradeID); err != nil {
		level := s.logger.Warn
		if !errors.Is(err, errors.NoAvailableMiddleman) {
			level = s.logger.Error
		}
		level("Middleman assignment deferred", zap.String("trade_id", tradeID), zap.Error(err))
	}
}
