// Package lifecycle owns the trade status state machine: which transitions
// exist, which business facts each one needs, and who may act in each status.
package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/tradeguard/internal/database"
	"github.com/Aidin1998/tradeguard/internal/deadline"
	"github.com/Aidin1998/tradeguard/internal/events"
	"github.com/Aidin1998/tradeguard/pkg/errors"
	"github.com/Aidin1998/tradeguard/pkg/metrics"
	"github.com/Aidin1998/tradeguard/pkg/models"
)

// Request describes one status change
type Request struct {
	To      models.TradeStatus
	Context TransitionContext
	ActorID string
	Reason  string
	At      time.Time
	// Updates are extra trade columns written by the same compare-and-swap.
	Updates map[string]interface{}
}

// Manager persists trades and applies status transitions
type Manager struct {
	db     *gorm.DB
	sink   events.Sink
	logger *zap.Logger
}

// NewManager creates a new trade lifecycle manager
func NewManager(db *gorm.DB, sink events.Sink, logger *zap.Logger) *Manager {
	return &Manager{db: db, sink: sink, logger: logger}
}

// Create inserts a new ACTIVE trade
func (m *Manager) Create(ctx context.Context, trade *models.Trade) error {
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	if trade.Currency == "" {
		trade.Currency = "usd"
	}
	trade.Status = models.TradeStatusActive
	if err := m.db.WithContext(ctx).Create(trade).Error; err != nil {
		return database.WrapError(err)
	}

	m.logger.Info("Trade created",
		zap.String("trade_id", trade.ID),
		zap.String("creator_id", trade.CreatorID),
		zap.Int64("price", trade.Price),
	)
	return nil
}

// Get loads a trade by id
func (m *Manager) Get(ctx context.Context, id string) (*models.Trade, error) {
	trade, err := database.FindOne[models.Trade](m.db.WithContext(ctx).Where("id = ?", id))
	if err != nil {
		if errors.Is(err, errors.NotFound) {
			return nil, errors.NotFound.Explain("trade %s not found", id)
		}
		return nil, err
	}
	return trade, nil
}

// ListByStatus returns up to limit trades in status, oldest first
func (m *Manager) ListByStatus(ctx context.Context, status models.TradeStatus, limit int) ([]models.Trade, error) {
	var trades []models.Trade
	q := m.db.WithContext(ctx).Where("status = ?", status).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&trades).Error; err != nil {
		return nil, database.WrapError(err)
	}
	return trades, nil
}

// History returns the audit trail of a trade in commit order
func (m *Manager) History(ctx context.Context, tradeID string) ([]models.TradeStatusTransition, error) {
	var rows []models.TradeStatusTransition
	err := m.db.WithContext(ctx).
		Where("trade_id = ?", tradeID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, database.WrapError(err)
	}
	return rows, nil
}

// RecordAgreement sets the agreement flag of role while the trade negotiates.
func (m *Manager) RecordAgreement(ctx context.Context, trade *models.Trade, role Role) error {
	var column string
	switch role {
	case RoleCreator:
		column = "creator_agreed"
	case RoleParticipant:
		column = "participant_agreed"
	default:
		return errors.Forbidden.Explain("%s cannot agree on terms", role)
	}

	res := m.db.WithContext(ctx).
		Model(&models.Trade{}).
		Where("id = ? AND status = ?", trade.ID, models.TradeStatusNegotiating).
		Update(column, true)
	if res.Error != nil {
		return database.WrapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.Conflict.Explain("trade %s is no longer negotiating", trade.ID)
	}
	return m.reload(ctx, trade)
}

// Transition moves trade from its current status to req.To. The write is a
// compare-and-swap on the status the caller read; losing it returns Conflict
// and leaves the trade untouched. On success trade is reloaded.
func (m *Manager) Transition(ctx context.Context, trade *models.Trade, req Request) error {
	from := trade.Status
	if err := ValidateTransition(from, req.To, req.Context); err != nil {
		return err
	}

	at := req.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	updates := map[string]interface{}{
		"status":     req.To,
		"updated_at": at,
	}
	for column, value := range req.Updates {
		updates[column] = value
	}
	if req.To == models.TradeStatusPaymentPending {
		updates["payment_deadline"] = deadline.CreateDeadline(at)
	}
	if req.To.Terminal() {
		updates["completed_at"] = at
	}

	transition := &models.TradeStatusTransition{
		ID:         uuid.NewString(),
		TradeID:    trade.ID,
		FromStatus: from,
		ToStatus:   req.To,
		Reason:     req.Reason,
		ActorID:    req.ActorID,
		CreatedAt:  at,
	}

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Trade{}).
			Where("id = ? AND status = ?", trade.ID, from).
			Updates(updates)
		if res.Error != nil {
			return database.WrapError(res.Error)
		}
		if res.RowsAffected == 0 {
			return errors.Conflict.Explain("trade %s is no longer %s", trade.ID, from)
		}
		if err := tx.Create(transition).Error; err != nil {
			return database.WrapError(err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errors.Conflict) {
			metrics.TransitionConflicts.Inc()
			m.logger.Warn("Trade transition lost compare-and-swap",
				zap.String("trade_id", trade.ID),
				zap.String("from", string(from)),
				zap.String("to", string(req.To)),
			)
		}
		return err
	}

	metrics.TradeTransitions.WithLabelValues(string(from), string(req.To)).Inc()
	m.logger.Info("Trade status changed",
		zap.String("trade_id", trade.ID),
		zap.String("from", string(from)),
		zap.String("to", string(req.To)),
		zap.String("reason", req.Reason),
	)

	m.sink.Publish(ctx, events.Event{
		Type:    events.TradeStatusChanged,
		TradeID: trade.ID,
		At:      at,
		Payload: events.StatusChanged{From: from, To: req.To, Reason: req.Reason, ActorID: req.ActorID},
	})

	if err := m.reload(ctx, trade); err != nil {
		m.logger.Warn("Failed to reload trade after transition", zap.String("trade_id", trade.ID), zap.Error(err))
		trade.Status = req.To
	}
	return nil
}

func (m *Manager) reload(ctx context.Context, trade *models.Trade) error {
	fresh, err := m.Get(ctx, trade.ID)
	if err != nil {
		return err
	}
	*trade = *fresh
	return nil
}
