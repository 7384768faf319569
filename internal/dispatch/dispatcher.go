// Package dispatch offers trades to middlemen and times both the offer and
// the supervision that follows acceptance.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/tradeguard/internal/database"
	"github.com/Aidin1998/tradeguard/internal/events"
	"github.com/Aidin1998/tradeguard/pkg/errors"
	"github.com/Aidin1998/tradeguard/pkg/metrics"
	"github.com/Aidin1998/tradeguard/pkg/models"
)

// Supervision decisions
const (
	DecisionApproved  = "approved"
	DecisionRejected  = "rejected"
	DecisionEscalated = "escalated"
)

var (
	openAssignmentStatuses = []models.AssignmentStatus{models.AssignmentStatusPending, models.AssignmentStatusAccepted}
	openSessionStatuses    = []models.SupervisionState{models.SupervisionActive, models.SupervisionCompleting}
)

// Dispatcher owns middleman assignments, supervision sessions and issues
type Dispatcher struct {
	db        *gorm.DB
	directory Directory
	sink      events.Sink
	logger    *zap.Logger
	now       func() time.Time
}

// NewDispatcher creates a new middleman dispatcher
func NewDispatcher(db *gorm.DB, directory Directory, sink events.Sink, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		db:        db,
		directory: directory,
		sink:      sink,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the dispatcher's time source
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Assign offers the trade to the best eligible middleman. Middlemen who
// already declined or let an offer for this trade time out are skipped.
func (d *Dispatcher) Assign(ctx context.Context, tradeID string) (*models.MiddlemanAssignment, error) {
	excluded, err := d.excludedFor(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	candidates, err := d.directory.ListMiddlemen(ctx)
	if err != nil {
		return nil, err
	}
	pick, err := SelectMiddleman(candidates, excluded)
	if err != nil {
		metrics.NoMiddlemanAvailable.Inc()
		d.logger.Warn("No middleman available", zap.String("trade_id", tradeID), zap.Int("excluded", len(excluded)))
		return nil, err
	}

	assignment := &models.MiddlemanAssignment{
		ID:          uuid.NewString(),
		TradeID:     tradeID,
		MiddlemanID: pick.ID,
		AssignedAt:  d.now().UTC(),
		Status:      models.AssignmentStatusPending,
	}
	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		if err := tx.Model(&models.MiddlemanAssignment{}).
			Where("trade_id = ? AND status IN ?", tradeID, openAssignmentStatuses).
			Count(&open).Error; err != nil {
			return database.WrapError(err)
		}
		if open > 0 {
			return errors.Conflict.Explain("trade %s already has an open assignment", tradeID)
		}
		return database.WrapError(tx.Create(assignment).Error)
	})
	if err != nil {
		return nil, err
	}

	metrics.AssignmentOutcomes.WithLabelValues(string(models.AssignmentStatusPending)).Inc()
	d.logger.Info("Middleman assigned",
		zap.String("trade_id", tradeID),
		zap.String("assignment_id", assignment.ID),
		zap.String("middleman_id", pick.ID),
	)
	d.publish(ctx, events.MiddlemanAssigned, tradeID, events.MiddlemanEvent{AssignmentID: assignment.ID, MiddlemanID: pick.ID})
	return assignment, nil
}

// Accept turns a pending offer into an accepted one and opens the
// supervision session. It fails with Conflict once the offer left pending.
func (d *Dispatcher) Accept(ctx context.Context, assignmentID, middlemanID string) (*models.MiddlemanAssignment, *models.SupervisionSession, error) {
	now := d.now().UTC()
	var assignment models.MiddlemanAssignment
	session := &models.SupervisionSession{
		ID:           uuid.NewString(),
		AssignmentID: assignmentID,
		MiddlemanID:  middlemanID,
		StartedAt:    now,
		Status:       models.SupervisionActive,
	}

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := d.casAssignment(tx, assignmentID, middlemanID, map[string]interface{}{
			"status":       models.AssignmentStatusAccepted,
			"responded_at": now,
		}); err != nil {
			return err
		}
		if err := tx.Where("id = ?", assignmentID).First(&assignment).Error; err != nil {
			return database.WrapError(err)
		}
		session.TradeID = assignment.TradeID
		return database.WrapError(tx.Create(session).Error)
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.AssignmentOutcomes.WithLabelValues(string(models.AssignmentStatusAccepted)).Inc()
	d.logger.Info("Middleman accepted", zap.String("trade_id", assignment.TradeID), zap.String("middleman_id", middlemanID))
	d.publish(ctx, events.MiddlemanAccepted, assignment.TradeID, events.MiddlemanEvent{AssignmentID: assignmentID, MiddlemanID: middlemanID})
	return &assignment, session, nil
}

// Decline records that the middleman refused the offer
func (d *Dispatcher) Decline(ctx context.Context, assignmentID, middlemanID, reason string) (*models.MiddlemanAssignment, error) {
	assignment, err := d.closePending(ctx, assignmentID, middlemanID, map[string]interface{}{
		"status":         models.AssignmentStatusDeclined,
		"responded_at":   d.now().UTC(),
		"decline_reason": reason,
	})
	if err != nil {
		return nil, err
	}

	metrics.AssignmentOutcomes.WithLabelValues(string(models.AssignmentStatusDeclined)).Inc()
	d.publish(ctx, events.MiddlemanDeclined, assignment.TradeID, events.MiddlemanEvent{AssignmentID: assignmentID, MiddlemanID: middlemanID, Reason: reason})
	return assignment, nil
}

// TimeOut closes an offer nobody answered within AssignmentTimeout
func (d *Dispatcher) TimeOut(ctx context.Context, assignmentID string) (*models.MiddlemanAssignment, error) {
	existing, err := d.Assignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	now := d.now().UTC()
	if !CheckAssignmentTimeout(existing.AssignedAt, now).IsTimedOut {
		return nil, errors.RequirementNotMet.Explain("assignment %s has not timed out", assignmentID)
	}

	assignment, err := d.closePending(ctx, assignmentID, existing.MiddlemanID, map[string]interface{}{
		"status":       models.AssignmentStatusTimedOut,
		"responded_at": now,
	})
	if err != nil {
		return nil, err
	}

	metrics.AssignmentOutcomes.WithLabelValues(string(models.AssignmentStatusTimedOut)).Inc()
	d.logger.Info("Middleman assignment timed out", zap.String("trade_id", assignment.TradeID), zap.String("middleman_id", assignment.MiddlemanID))
	d.publish(ctx, events.MiddlemanTimedOut, assignment.TradeID, events.MiddlemanEvent{AssignmentID: assignmentID, MiddlemanID: assignment.MiddlemanID})
	return assignment, nil
}

// MarkCompleting flags an active session as inside its final window
func (d *Dispatcher) MarkCompleting(ctx context.Context, sessionID string) error {
	return database.WrapError(d.db.WithContext(ctx).
		Model(&models.SupervisionSession{}).
		Where("id = ? AND status = ?", sessionID, models.SupervisionActive).
		Update("status", models.SupervisionCompleting).Error)
}

// MarkSupervisionTimedOut closes an exhausted session and files an escalated
// issue for the human escalation path. Funds are not touched.
func (d *Dispatcher) MarkSupervisionTimedOut(ctx context.Context, sessionID string) (*models.SupervisionSession, *models.TradeIssue, error) {
	now := d.now().UTC()
	var session models.SupervisionSession
	var issue *models.TradeIssue

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", sessionID).First(&session).Error; err != nil {
			return database.WrapError(err)
		}
		if GetSupervisionStatus(&session, now).Status != models.SupervisionTimedOut {
			return errors.RequirementNotMet.Explain("supervision %s has time remaining", sessionID)
		}

		res := tx.Model(&models.SupervisionSession{}).
			Where("id = ? AND status IN ?", sessionID, openSessionStatuses).
			Updates(map[string]interface{}{
				"status":   models.SupervisionTimedOut,
				"ended_at": now,
				"decision": DecisionEscalated,
			})
		if res.Error != nil {
			return database.WrapError(res.Error)
		}
		if res.RowsAffected == 0 {
			return errors.Conflict.Explain("supervision %s is no longer open", sessionID)
		}

		issue = &models.TradeIssue{
			ID:          uuid.NewString(),
			TradeID:     session.TradeID,
			MiddlemanID: session.MiddlemanID,
			IssueType:   models.IssueSupervisionTimeout,
			Description: "supervision budget exhausted without a decision",
			Escalated:   true,
			CreatedAt:   now,
		}
		if err := tx.Create(issue).Error; err != nil {
			return database.WrapError(err)
		}
		return database.WrapError(tx.Where("id = ?", sessionID).First(&session).Error)
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.SupervisionTimeouts.Inc()
	d.logger.Warn("Supervision timed out, escalating",
		zap.String("trade_id", session.TradeID),
		zap.String("middleman_id", session.MiddlemanID),
	)
	d.publish(ctx, events.SupervisionTimedOut, session.TradeID, events.IssueReported{
		IssueID:     issue.ID,
		MiddlemanID: session.MiddlemanID,
		IssueType:   issue.IssueType,
		Escalated:   true,
	})
	return &session, issue, nil
}

// CompleteSupervision closes the open session of the trade with a decision
func (d *Dispatcher) CompleteSupervision(ctx context.Context, tradeID, middlemanID, decision, notes string) (*models.SupervisionSession, error) {
	session, err := d.ActiveSession(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if session.MiddlemanID != middlemanID {
		return nil, errors.Forbidden.Explain("middleman %s does not supervise trade %s", middlemanID, tradeID)
	}

	res := d.db.WithContext(ctx).
		Model(&models.SupervisionSession{}).
		Where("id = ? AND status IN ?", session.ID, openSessionStatuses).
		Updates(map[string]interface{}{
			"status":   models.SupervisionCompleted,
			"ended_at": d.now().UTC(),
			"decision": decision,
			"notes":    notes,
		})
	if res.Error != nil {
		return nil, database.WrapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, errors.Conflict.Explain("supervision of trade %s is no longer open", tradeID)
	}
	if err := d.db.WithContext(ctx).Where("id = ?", session.ID).First(session).Error; err != nil {
		return nil, database.WrapError(err)
	}
	return session, nil
}

// RecordIssue files a problem reported during supervision
func (d *Dispatcher) RecordIssue(ctx context.Context, tradeID, middlemanID string, issueType models.IssueType, description string) (*models.TradeIssue, error) {
	if !issueType.Valid() {
		return nil, errors.Invalid.Explain("unknown issue type %q", issueType)
	}
	issue := &models.TradeIssue{
		ID:          uuid.NewString(),
		TradeID:     tradeID,
		MiddlemanID: middlemanID,
		IssueType:   issueType,
		Description: description,
		Escalated:   issueType.Escalated(),
		CreatedAt:   d.now().UTC(),
	}
	if err := d.db.WithContext(ctx).Create(issue).Error; err != nil {
		return nil, database.WrapError(err)
	}

	d.logger.Info("Trade issue reported",
		zap.String("trade_id", tradeID),
		zap.String("issue_type", string(issueType)),
		zap.Bool("escalated", issue.Escalated),
	)
	d.publish(ctx, events.TradeIssueReported, tradeID, events.IssueReported{
		IssueID:     issue.ID,
		MiddlemanID: middlemanID,
		IssueType:   issueType,
		Escalated:   issue.Escalated,
	})
	return issue, nil
}

// Assignment loads an assignment by id
func (d *Dispatcher) Assignment(ctx context.Context, id string) (*models.MiddlemanAssignment, error) {
	return database.FindOne[models.MiddlemanAssignment](d.db.WithContext(ctx).Where("id = ?", id))
}

// ActiveAssignment returns the pending or accepted assignment of a trade
func (d *Dispatcher) ActiveAssignment(ctx context.Context, tradeID string) (*models.MiddlemanAssignment, error) {
	return database.FindOne[models.MiddlemanAssignment](d.db.WithContext(ctx).
		Where("trade_id = ? AND status IN ?", tradeID, openAssignmentStatuses))
}

// ActiveSession returns the open supervision session of a trade
func (d *Dispatcher) ActiveSession(ctx context.Context, tradeID string) (*models.SupervisionSession, error) {
	return database.FindOne[models.SupervisionSession](d.db.WithContext(ctx).
		Where("trade_id = ? AND status IN ?", tradeID, openSessionStatuses))
}

// PendingAssignments lists every offer still awaiting an answer
func (d *Dispatcher) PendingAssignments(ctx context.Context) ([]models.MiddlemanAssignment, error) {
	var rows []models.MiddlemanAssignment
	err := d.db.WithContext(ctx).
		Where("status = ?", models.AssignmentStatusPending).
		Order("assigned_at ASC").
		Find(&rows).Error
	return rows, database.WrapError(err)
}

// OpenSessions lists every running supervision session
func (d *Dispatcher) OpenSessions(ctx context.Context) ([]models.SupervisionSession, error) {
	var rows []models.SupervisionSession
	err := d.db.WithContext(ctx).
		Where("status IN ?", openSessionStatuses).
		Order("started_at ASC").
		Find(&rows).Error
	return rows, database.WrapError(err)
}

// Assignments returns the full assignment history of a trade
func (d *Dispatcher) Assignments(ctx context.Context, tradeID string) ([]models.MiddlemanAssignment, error) {
	var rows []models.MiddlemanAssignment
	err := d.db.WithContext(ctx).Where("trade_id = ?", tradeID).Order("assigned_at ASC").Find(&rows).Error
	return rows, database.WrapError(err)
}

// Issues returns the issues filed on a trade
func (d *Dispatcher) Issues(ctx context.Context, tradeID string) ([]models.TradeIssue, error) {
	var rows []models.TradeIssue
	err := d.db.WithContext(ctx).Where("trade_id = ?", tradeID).Order("created_at ASC").Find(&rows).Error
	return rows, database.WrapError(err)
}

func (d *Dispatcher) excludedFor(ctx context.Context, tradeID string) (map[string]bool, error) {
	var ids []string
	err := d.db.WithContext(ctx).Model(&models.MiddlemanAssignment{}).
		Where("trade_id = ? AND status IN ?", tradeID, []models.AssignmentStatus{models.AssignmentStatusDeclined, models.AssignmentStatusTimedOut}).
		Pluck("middleman_id", &ids).Error
	if err != nil {
		return nil, database.WrapError(err)
	}
	excluded := make(map[string]bool, len(ids))
	for _, id := range ids {
		excluded[id] = true
	}
	return excluded, nil
}

func (d *Dispatcher) closePending(ctx context.Context, assignmentID, middlemanID string, updates map[string]interface{}) (*models.MiddlemanAssignment, error) {
	var assignment models.MiddlemanAssignment
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := d.casAssignment(tx, assignmentID, middlemanID, updates); err != nil {
			return err
		}
		return database.WrapError(tx.Where("id = ?", assignmentID).First(&assignment).Error)
	})
	if err != nil {
		return nil, err
	}
	return &assignment, nil
}

// casAssignment moves a pending assignment held by middlemanID. Whichever of
// accept, decline and timeout commits first wins; the rest get Conflict.
func (d *Dispatcher) casAssignment(tx *gorm.DB, assignmentID, middlemanID string, updates map[string]interface{}) error {
	res := tx.Model(&models.MiddlemanAssignment{}).
		Where("id = ? AND middleman_id = ? AND status = ?", assignmentID, middlemanID, models.AssignmentStatusPending).
		Updates(updates)
	if res.Error != nil {
		return database.WrapError(res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var existing models.MiddlemanAssignment
	if err := tx.Where("id = ?", assignmentID).First(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.NotFound.Explain("assignment %s not found", assignmentID)
		}
		return database.WrapError(err)
	}
	if existing.MiddlemanID != middlemanID {
		return errors.Forbidden.Explain("assignment %s belongs to another middleman", assignmentID)
	}
	return errors.Conflict.Explain("assignment is no longer pending")
}

func (d *Dispatcher) publish(ctx context.Context, eventType, tradeID string, payload any) {
	d.sink.Publish(ctx, events.Event{Type: eventType, TradeID: tradeID, At: d.now().UTC(), Payload: payload})
}
