// Package coordination is the entry point of the trade core. Every operation
// resolves the caller's role on the trade, takes the trade's lock and drives
// the lifecycle, escrow and dispatch components in order.
package coordination

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/tradeguard/internal/deadline"
	"github.com/Aidin1998/tradeguard/internal/dispatch"
	"github.com/Aidin1998/tradeguard/internal/escrow"
	"github.com/Aidin1998/tradeguard/internal/events"
	"github.com/Aidin1998/tradeguard/internal/lifecycle"
	"github.com/Aidin1998/tradeguard/internal/lock"
	"github.com/Aidin1998/tradeguard/pkg/errors"
	"github.com/Aidin1998/tradeguard/pkg/models"
	"github.com/Aidin1998/tradeguard/pkg/validation"
)

var tracer = otel.Tracer("tradeguard/coordination")

// Identity is the caller as asserted by the authentication layer
type Identity struct {
	ActorID   string `json:"actor_id"`
	Middleman bool   `json:"middleman"`
}

// Service coordinates trades end to end
type Service struct {
	trades     *lifecycle.Manager
	ledger     *escrow.Ledger
	dispatcher *dispatch.Dispatcher
	locker     lock.Locker
	validator  *validation.Validator
	sink       events.Sink
	logger     *zap.Logger
	now        func() time.Time
}

// NewService creates a new coordination service
func NewService(
	trades *lifecycle.Manager,
	ledger *escrow.Ledger,
	dispatcher *dispatch.Dispatcher,
	locker lock.Locker,
	sink events.Sink,
	logger *zap.Logger,
) *Service {
	return &Service{
		trades:     trades,
		ledger:     ledger,
		dispatcher: dispatcher,
		locker:     locker,
		validator:  validation.NewValidator(),
		sink:       sink,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock replaces the time source of the service and the components it drives
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.ledger.SetClock(now)
	s.dispatcher.SetClock(now)
}

// CreateTradeRequest is the input of CreateTrade
type CreateTradeRequest struct {
	ItemName string `json:"item_name" validate:"required,max=200"`
	Price    int64  `json:"price" validate:"gt=0"`
	Currency string `json:"currency" validate:"omitempty,currency3"`
}

// CreateTrade lists a new item for trade with the caller as creator
func (s *Service) CreateTrade(ctx context.Context, id Identity, req CreateTradeRequest) (_ *models.Trade, err error) {
	ctx, span := s.startSpan(ctx, "coordination.CreateTrade", "")
	defer func() { endSpan(span, err) }()

	if id.ActorID == "" {
		return nil, errors.Forbidden.Explain("anonymous callers cannot create trades")
	}
	req.ItemName = s.validator.Sanitize(req.ItemName)
	if err := s.validator.ValidateStruct(req); err != nil {
		return nil, err
	}

	trade := &models.Trade{
		ItemName:  req.ItemName,
		Price:     req.Price,
		Currency:  req.Currency,
		CreatorID: id.ActorID,
	}
	if err := s.trades.Create(ctx, trade); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("trade.id", trade.ID))
	return trade, nil
}

// JoinTrade binds the caller as the trade's participant and opens negotiation
func (s *Service) JoinTrade(ctx context.Context, id Identity, tradeID string) (*models.Trade, error) {
	var trade *models.Trade
	err := s.withTrade(ctx, "coordination.JoinTrade", tradeID, func(ctx context.Context, t *models.Trade) error {
		trade = t
		if id.ActorID == "" {
			return errors.Forbidden.Explain("anonymous callers cannot join trades")
		}
		role, err := s.roleOf(ctx, t, id)
		if err != nil {
			return err
		}
		if err := lifecycle.Authorize(t.Status, lifecycle.ActionJoin, role); err != nil {
			return err
		}
		return s.trades.Transition(ctx, t, lifecycle.Request{
			To:      models.TradeStatusNegotiating,
			Context: lifecycle.TransitionContext{HasParticipant: true},
			ActorID: id.ActorID,
			Reason:  "participant joined",
			At:      s.now(),
			Updates: map[string]interface{}{
				"participant_id":     id.ActorID,
				"creator_agreed":     false,
				"participant_agreed": false,
			},
		})
	})
	return trade, err
}

// LeaveTrade unbinds the participant and reopens the listing
func (s *Service) LeaveTrade(ctx context.Context, id Identity, tradeID string) (*models.Trade, error) {
	var trade *models.Trade
	err := s.withTrade(ctx, "coordination.LeaveTrade", tradeID, func(ctx context.Context, t *models.Trade) error {
		trade = t
		role, err := s.roleOf(ctx, t, id)
		if err != nil {
			return err
		}
		if role != lifecycle.RoleParticipant {
			return errors.Forbidden.Explain("only the participant can leave a trade")
		}
		return s.trades.Transition(ctx, t, lifecycle.Request{
			To:      models.TradeStatusActive,
			ActorID: id.ActorID,
			Reason:  "participant left",
			At:      s.now(),
			Updates: map[string]interface{}{
				"participant_id":     nil,
				"creator_agreed":     false,
				"participant_agreed": false,
			},
		})
	})
	return trade, err
}

// AgreeTerms records the caller's agreement. Once both parties agreed the
// trade moves to PAYMENT_PENDING and the payment window starts.
func (s *Service) AgreeTerms(ctx context.Context, id Identity, tradeID string) (*models.Trade, error) {
	var trade *models.Trade
	err := s.withTrade(ctx, "coordination.AgreeTerms", tradeID, func(ctx context.Context, t *models.Trade) error {
		trade = t
		if t.Status != models.TradeStatusNegotiating {
			return errors.InvalidTransition.Explain("terms can only be agreed while negotiating, trade is %s", t.Status)
		}
		role, err := s.roleOf(ctx, t, id)
		if err != nil {
			return err
		}
		if err := s.trades.RecordAgreement(ctx, t, role); err != nil {
			return err
		}
		if !t.TermsAgreed() {
			return nil
		}
		return s.trades.Transition(ctx, t, lifecycle.Request{
			To:      models.TradeStatusPaymentPending,
			Context: lifecycle.TransitionContext{HasParticipant: t.HasParticipant(), TermsAgreed: true},
			ActorID: id.ActorID,
			Reason:  "terms agreed",
			At:      s.now(),
		})
	})
	return trade, err
}

// CancelTrade lets a party abandon the trade while the matrix allows it.
// Funds already held are refunded and the trade ends REFUNDED instead.
func (s *Service) CancelTrade(ctx context.Context, id Identity, tradeID, reason string) (*models.Trade, error) {
	var trade *models.Trade
	err := s.withTrade(ctx, "coordination.CancelTrade", tradeID, func(ctx context.Context, t *models.Trade) error {
		trade = t
		role, err := s.roleOf(ctx, t, id)
		if err != nil {
			return err
		}
		if err := lifecycle.Authorize(t.Status, lifecycle.ActionCancel, role); err != nil {
			return err
		}
		reason = s.validator.Sanitize(reason)
		if reason == "" {
			reason = "cancelled by " + string(role)
		}

		to := models.TradeStatusCancelled
		if t.Status == models.TradeStatusPaymentPending {
			refund, err := s.ledger.Refund(ctx, t)
			if err != nil {
				return err
			}
			if len(refund.Refunded) > 0 {
				to = models.TradeStatusRefunded
			}
		}
		return s.trades.Transition(ctx, t, lifecycle.Request{To: to, ActorID: id.ActorID, Reason: reason, At: s.now()})
	})
	return trade, err
}

// Snapshot is a read-only view of a trade and everything attached to it
type Snapshot struct {
	Trade         *models.Trade                  `json:"trade"`
	Role          lifecycle.Role                 `json:"role"`
	Actions       []lifecycle.Action             `json:"actions"`
	PriceDisplay  string                         `json:"price_display"`
	AmountDue     escrow.Fees                    `json:"amount_due"`
	Ledger        escrow.LedgerStatus            `json:"ledger"`
	Holds         []models.EscrowHold            `json:"holds"`
	Deadline      *deadline.Status               `json:"deadline,omitempty"`
	Progress      float64                        `json:"progress"`
	Assignment    *models.MiddlemanAssignment    `json:"assignment,omitempty"`
	Session       *models.SupervisionSession     `json:"session,omitempty"`
	Supervision   *dispatch.SupervisionStatus    `json:"supervision,omitempty"`
	Issues        []models.TradeIssue            `json:"issues"`
	History       []models.TradeStatusTransition `json:"history"`
	AllowedStates []models.TradeStatus           `json:"allowed_states"`
}

// GetTradeSnapshot assembles the caller's view of a trade. It reads without
// taking the trade lock.
func (s *Service) GetTradeSnapshot(ctx context.Context, id Identity, tradeID string) (_ *Snapshot, err error) {
	ctx, span := s.startSpan(ctx, "coordination.GetTradeSnapshot", tradeID)
	defer func() { endSpan(span, err) }()

	trade, err := s.trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	snap := &Snapshot{
		Trade:         trade,
		PriceDisplay:  escrow.FormatMinor(trade.Price) + " " + trade.Currency,
		AmountDue:     escrow.ComputeFees(trade.Price),
		AllowedStates: lifecycle.Targets(trade.Status),
	}

	if snap.Session, err = optional(s.dispatcher.ActiveSession(ctx, tradeID)); err != nil {
		return nil, err
	}
	supervisorID := ""
	if snap.Session != nil {
		status := dispatch.GetSupervisionStatus(snap.Session, now)
		snap.Supervision = &status
		if id.Middleman {
			supervisorID = snap.Session.MiddlemanID
		}
	}
	snap.Role = lifecycle.RoleOf(trade, id.ActorID, supervisorID)
	for _, action := range lifecycle.Actions {
		if lifecycle.Permitted(trade.Status, action, snap.Role) {
			snap.Actions = append(snap.Actions, action)
		}
	}

	if snap.Holds, err = s.ledger.Holds(ctx, tradeID); err != nil {
		return nil, err
	}
	if snap.Ledger, err = s.ledger.Status(ctx, tradeID); err != nil {
		return nil, err
	}
	if trade.PaymentDeadline != nil && trade.Status == models.TradeStatusPaymentPending {
		dc := deadlineContext(trade, snap.Holds)
		status := deadline.CheckStatus(now, dc)
		snap.Deadline = &status
		snap.Progress = deadline.Progress(now, dc)
	} else if snap.Ledger == escrow.LedgerHeld || snap.Ledger == escrow.LedgerReleased {
		snap.Progress = 100
	}

	if snap.Assignment, err = optional(s.dispatcher.ActiveAssignment(ctx, tradeID)); err != nil {
		return nil, err
	}
	if snap.Issues, err = s.dispatcher.Issues(ctx, tradeID); err != nil {
		return nil, err
	}
	if snap.History, err = s.trades.History(ctx, tradeID); err != nil {
		return nil, err
	}
	return snap, nil
}

// withTrade runs fn under the trade's lock with a freshly loaded trade.
func (s *Service) withTrade(ctx context.Context, op, tradeID string, fn func(ctx context.Context, trade *models.Trade) error) (err error) {
	ctx, span := s.startSpan(ctx, op, tradeID)
	defer func() { endSpan(span, err) }()

	release, err := s.locker.Acquire(ctx, tradeID)
	if err != nil {
		return err
	}
	defer release()

	trade, err := s.trades.Get(ctx, tradeID)
	if err != nil {
		return err
	}
	if err := fn(ctx, trade); err != nil {
		s.logger.Debug("Trade operation failed",
			zap.String("op", op),
			zap.String("trade_id", tradeID),
			zap.String("kind", errors.KindOf(err)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// roleOf resolves the caller's role; only asserted middlemen are matched
// against the trade's supervisor.
func (s *Service) roleOf(ctx context.Context, trade *models.Trade, id Identity) (lifecycle.Role, error) {
	if !id.Middleman {
		return lifecycle.RoleOf(trade, id.ActorID, ""), nil
	}
	session, err := optional(s.dispatcher.ActiveSession(ctx, trade.ID))
	if err != nil {
		return "", err
	}
	supervisorID := ""
	if session != nil {
		supervisorID = session.MiddlemanID
	}
	return lifecycle.RoleOf(trade, id.ActorID, supervisorID), nil
}

// supervisor checks that the caller is the middleman currently supervising the trade
func (s *Service) supervisor(ctx context.Context, trade *models.Trade, id Identity) error {
	if !id.Middleman {
		return errors.Forbidden.Explain("only middlemen can decide trades")
	}
	role, err := s.roleOf(ctx, trade, id)
	if err != nil {
		return err
	}
	if role != lifecycle.RoleMiddleman {
		return errors.Forbidden.Explain("middleman %s does not supervise trade %s", id.ActorID, trade.ID)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, eventType, tradeID string, payload any) {
	s.sink.Publish(ctx, events.Event{Type: eventType, TradeID: tradeID, At: s.now().UTC(), Payload: payload})
}

func (s *Service) startSpan(ctx context.Context, name, tradeID string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	if tradeID != "" {
		span.SetAttributes(attribute.String("trade.id", tradeID))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errors.KindOf(err))
	}
	span.End()
}

// optional turns NotFound into a nil result
func optional[T any](v *T, err error) (*T, error) {
	if errors.Is(err, errors.NotFound) {
		return nil, nil
	}
	return v, err
}

func deadlineContext(trade *models.Trade, holds []models.EscrowHold) deadline.Context {
	dc := deadline.Context{Deadline: trade.PaymentDeadline}
	for _, h := range holds {
		if h.Status != models.HoldStatusHeld {
			continue
		}
		switch h.Role {
		case models.HoldRoleCreator:
			dc.CreatorPaid = true
		case models.HoldRoleParticipant:
			dc.ParticipantPaid = true
		}
	}
	return dc
}
