// Package escrow holds each party's funds for a trade and decides, from the
// processor's confirmed facts only, when they may be released or refunded.
package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Aidin1998/tradeguard/internal/database"
	"github.com/Aidin1998/tradeguard/internal/events"
	"github.com/Aidin1998/tradeguard/internal/lifecycle"
	"github.com/Aidin1998/tradeguard/pkg/errors"
	"github.com/Aidin1998/tradeguard/pkg/metrics"
	"github.com/Aidin1998/tradeguard/pkg/models"
)

// LedgerStatus is the coarse escrow state of a trade
type LedgerStatus string

const (
	LedgerPending  LedgerStatus = "pending"
	LedgerPartial  LedgerStatus = "partial"
	LedgerHeld     LedgerStatus = "held"
	LedgerReleased LedgerStatus = "released"
	LedgerRefunded LedgerStatus = "refunded"
)

var openStatuses = []models.HoldStatus{models.HoldStatusUnpaid, models.HoldStatusHeld}

// HoldReceipt is returned when a hold is opened
type HoldReceipt struct {
	HoldID      string          `json:"hold_id"`
	ExternalRef string          `json:"external_ref"`
	Role        models.HoldRole `json:"role"`
	AmountDue   Fees            `json:"amount_due"`
}

// Verification is the paid state of both parties from one consistent read
type Verification struct {
	BothPaid        bool               `json:"both_paid"`
	CreatorPaid     bool               `json:"creator_paid"`
	ParticipantPaid bool               `json:"participant_paid"`
	TotalHeld       int64              `json:"total_held"`
	Creator         *models.EscrowHold `json:"creator,omitempty"`
	Participant     *models.EscrowHold `json:"participant,omitempty"`
}

// ReleaseResult describes a completed release
type ReleaseResult struct {
	AlreadyReleased   bool   `json:"already_released"`
	PayeeID           string `json:"payee_id"`
	PaidOut           int64  `json:"paid_out"`
	ReturnedToCreator int64  `json:"returned_to_creator"`
}

// RefundResult lists the holds a refund call actually refunded
type RefundResult struct {
	Refunded []models.EscrowHold `json:"refunded"`
}

// Total is the sum refunded by this call
func (r *RefundResult) Total() int64 {
	var total int64
	for _, h := range r.Refunded {
		total += h.ReleasedAmount
	}
	return total
}

// Ledger owns escrow holds
type Ledger struct {
	db        *gorm.DB
	processor Processor
	sink      events.Sink
	logger    *zap.Logger
	now       func() time.Time
}

// NewLedger creates a new escrow ledger
func NewLedger(db *gorm.DB, processor Processor, sink events.Sink, logger *zap.Logger) *Ledger {
	return &Ledger{
		db:        db,
		processor: processor,
		sink:      sink,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the ledger's time source
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// CreateHold opens the hold role pays into escrow for trade.
func (l *Ledger) CreateHold(ctx context.Context, trade *models.Trade, role models.HoldRole) (*HoldReceipt, error) {
	payerID, err := payerFor(trade, role)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.Authorize(trade.Status, lifecycle.ActionPay, tradeRole(role)); err != nil {
		return nil, err
	}

	var open int64
	err = l.db.WithContext(ctx).Model(&models.EscrowHold{}).
		Where("trade_id = ? AND role = ? AND status IN ?", trade.ID, role, openStatuses).
		Count(&open).Error
	if err != nil {
		return nil, database.WrapError(err)
	}
	if open > 0 {
		return nil, errors.DuplicatePayment.Explain("%s already has an open hold on trade %s", role, trade.ID)
	}

	fees := ComputeFees(trade.Price)
	hold := &models.EscrowHold{
		ID:           uuid.NewString(),
		TradeID:      trade.ID,
		PayerID:      payerID,
		Role:         role,
		Subtotal:     fees.Subtotal,
		PlatformFee:  fees.PlatformFee,
		ProcessorFee: fees.ProcessorFee,
		Amount:       fees.Total,
		Currency:     trade.Currency,
		Status:       models.HoldStatusUnpaid,
	}

	ref, err := l.processor.CreateHold(ctx, HoldRequest{
		HoldID:   hold.ID,
		TradeID:  trade.ID,
		PayerID:  payerID,
		Role:     role,
		Amount:   hold.Amount,
		Currency: hold.Currency,
	})
	if err != nil {
		return nil, fmt.Errorf("processor create hold: %w", err)
	}
	hold.ExternalPaymentRef = ref

	if err := l.db.WithContext(ctx).Create(hold).Error; err != nil {
		err = database.WrapError(err)
		if errors.Is(err, errors.Conflict) {
			// lost the race to a concurrent request for the same role
			if voidErr := l.processor.VoidHold(ctx, ref); voidErr != nil {
				l.logger.Error("Failed to void orphaned hold", zap.String("ref", ref), zap.Error(voidErr))
			}
			return nil, errors.DuplicatePayment.Explain("%s already has an open hold on trade %s", role, trade.ID)
		}
		return nil, err
	}

	metrics.HoldsCreated.WithLabelValues(string(role)).Inc()
	l.logger.Info("Escrow hold created",
		zap.String("trade_id", trade.ID),
		zap.String("hold_id", hold.ID),
		zap.String("role", string(role)),
		zap.Int64("amount", hold.Amount),
	)
	l.publish(ctx, events.PaymentHoldCreated, trade.ID, events.HoldEvent{HoldID: hold.ID, Role: role, Amount: hold.Amount})

	return &HoldReceipt{HoldID: hold.ID, ExternalRef: ref, Role: role, AmountDue: fees}, nil
}

// ApplyProcessorOutcome ingests a processor callback for the hold behind ref.
// Only unpaid holds change state. A capture of the wrong amount is voided and
// the hold closed as refunded; a success reported for a failed hold is voided.
func (l *Ledger) ApplyProcessorOutcome(ctx context.Context, ref string, report HoldReport) (*models.EscrowHold, bool, error) {
	hold, err := l.HoldByRef(ctx, ref)
	if err != nil {
		return nil, false, err
	}
	if hold.Status == models.HoldStatusFailed && report.Status == ProcessorSucceeded {
		return hold, false, l.voidLateSuccess(ctx, hold, report.AmountCaptured)
	}
	if hold.Status != models.HoldStatusUnpaid {
		return hold, false, nil
	}

	switch report.Status {
	case ProcessorSucceeded:
		if report.AmountCaptured != hold.Amount {
			changed, err := l.voidMismatch(ctx, hold, report.AmountCaptured)
			if err != nil {
				return hold, changed, err
			}
			return hold, changed, errors.PaymentMismatch.Explain("hold %s captured %d, expected %d", hold.ID, report.AmountCaptured, hold.Amount)
		}
		changed, err := l.markHeld(ctx, hold)
		return hold, changed, err
	case ProcessorFailed:
		changed, err := l.casStatus(ctx, hold, models.HoldStatusUnpaid, map[string]interface{}{
			"status":     models.HoldStatusFailed,
			"settled_at": l.now().UTC(),
		})
		if changed {
			metrics.HoldOutcomes.WithLabelValues(string(models.HoldStatusFailed)).Inc()
		}
		return hold, changed, err
	default:
		return hold, false, nil
	}
}

// VerifyBothHolds reports whether both parties' holds are confirmed by the
// processor. Holds are read once; unpaid ones are re-queried and synced.
func (l *Ledger) VerifyBothHolds(ctx context.Context, trade *models.Trade) (*Verification, error) {
	holds, err := l.openHolds(ctx, trade.ID)
	if err != nil {
		return nil, err
	}

	v := &Verification{}
	for i := range holds {
		hold := &holds[i]
		paid, err := l.confirm(ctx, hold)
		if err != nil {
			return nil, err
		}
		switch hold.Role {
		case models.HoldRoleCreator:
			v.Creator = hold
			v.CreatorPaid = paid
		case models.HoldRoleParticipant:
			v.Participant = hold
			v.ParticipantPaid = paid
		}
		if paid {
			v.TotalHeld += hold.Amount
		}
	}
	v.BothPaid = v.CreatorPaid && v.ParticipantPaid
	return v, nil
}

// confirm reports whether hold counts as paid, asking the processor when
// the ledger has not yet seen a final success.
func (l *Ledger) confirm(ctx context.Context, hold *models.EscrowHold) (bool, error) {
	if hold.Status == models.HoldStatusHeld {
		return true, nil
	}

	report, err := l.processor.QueryHoldStatus(ctx, hold.ExternalPaymentRef)
	if err != nil {
		return false, fmt.Errorf("processor query hold %s: %w", hold.ID, err)
	}
	switch report.Status {
	case ProcessorSucceeded:
		if report.AmountCaptured != hold.Amount {
			_, err := l.voidMismatch(ctx, hold, report.AmountCaptured)
			return false, err
		}
		if _, err := l.markHeld(ctx, hold); err != nil {
			return false, err
		}
		return hold.Status == models.HoldStatusHeld, nil
	case ProcessorFailed:
		_, err := l.casStatus(ctx, hold, models.HoldStatusUnpaid, map[string]interface{}{
			"status":     models.HoldStatusFailed,
			"settled_at": l.now().UTC(),
		})
		return false, err
	default:
		return false, nil
	}
}

// Release pays the participant's subtotal out to the creator and returns the
// creator's own hold unchanged. Calling it again after success is a no-op.
func (l *Ledger) Release(ctx context.Context, trade *models.Trade) (*ReleaseResult, error) {
	v, err := l.VerifyBothHolds(ctx, trade)
	if err != nil {
		return nil, err
	}
	released, err := l.holdsWithStatus(ctx, trade.ID, models.HoldStatusReleased)
	if err != nil {
		return nil, err
	}

	result := &ReleaseResult{PayeeID: trade.CreatorID}
	creatorReleased, participantReleased := false, false
	for _, h := range released {
		switch h.Role {
		case models.HoldRoleCreator:
			creatorReleased = true
			result.ReturnedToCreator = h.ReleasedAmount
		case models.HoldRoleParticipant:
			participantReleased = true
			result.PaidOut = h.ReleasedAmount
		}
	}

	if creatorReleased && participantReleased && v.Creator == nil && v.Participant == nil {
		result.AlreadyReleased = true
		return result, nil
	}
	if !(v.CreatorPaid || creatorReleased) || !(v.ParticipantPaid || participantReleased) {
		return nil, errors.RequirementNotMet.Explain("both holds must be paid before release")
	}

	var settled []models.EscrowHold
	if v.Participant != nil {
		hold, ok, err := l.settle(ctx, v.Participant.ID, func(h *models.EscrowHold) (map[string]interface{}, error) {
			if err := l.processor.CaptureHold(ctx, h.ExternalPaymentRef, h.Amount); err != nil {
				return nil, fmt.Errorf("processor capture hold %s: %w", h.ID, err)
			}
			return map[string]interface{}{
				"status":          models.HoldStatusReleased,
				"payee_id":        trade.CreatorID,
				"released_amount": h.Subtotal,
			}, nil
		})
		if err != nil {
			return nil, err
		}
		if ok {
			result.PaidOut = hold.ReleasedAmount
			settled = append(settled, *hold)
		}
	}
	if v.Creator != nil {
		hold, ok, err := l.settle(ctx, v.Creator.ID, func(h *models.EscrowHold) (map[string]interface{}, error) {
			if err := l.processor.VoidHold(ctx, h.ExternalPaymentRef); err != nil {
				return nil, fmt.Errorf("processor void hold %s: %w", h.ID, err)
			}
			return map[string]interface{}{
				"status":          models.HoldStatusReleased,
				"payee_id":        trade.CreatorID,
				"released_amount": h.Amount,
			}, nil
		})
		if err != nil {
			return nil, err
		}
		if ok {
			result.ReturnedToCreator = hold.ReleasedAmount
			settled = append(settled, *hold)
		}
	}

	amounts := events.ReleaseAmounts{
		PayeeID:           result.PayeeID,
		PaidOut:           result.PaidOut,
		ReturnedToCreator: result.ReturnedToCreator,
	}
	for _, h := range settled {
		metrics.HoldOutcomes.WithLabelValues(string(models.HoldStatusReleased)).Inc()
		if h.Role == models.HoldRoleParticipant {
			amounts.PlatformFees += h.PlatformFee
			amounts.ProcessorFees += h.ProcessorFee
			amounts.ParticipantCapture = h.Amount
		}
	}
	metrics.EscrowAmount.WithLabelValues("release").Add(float64(result.PaidOut))

	l.logger.Info("Escrow released",
		zap.String("trade_id", trade.ID),
		zap.Int64("paid_out", result.PaidOut),
		zap.Int64("returned_to_creator", result.ReturnedToCreator),
	)
	l.publish(ctx, events.EscrowReleased, trade.ID, amounts)
	return result, nil
}

// Refund returns every hold that is held at the moment it is processed. Each
// hold is re-read under a row lock first, so a hold another caller already
// settled is skipped. Unpaid holds are only refunded once the processor
// confirms them. Repeated calls are no-ops.
func (l *Ledger) Refund(ctx context.Context, trade *models.Trade) (*RefundResult, error) {
	holds, err := l.openHolds(ctx, trade.ID)
	if err != nil {
		return nil, err
	}

	result := &RefundResult{}
	var settled []models.EscrowHold
	for i := range holds {
		hold := &holds[i]
		if hold.Status == models.HoldStatusUnpaid {
			paid, err := l.confirm(ctx, hold)
			if err != nil {
				return result, err
			}
			if hold.Status == models.HoldStatusRefunded {
				// voided by confirm as a mismatched capture
				result.Refunded = append(result.Refunded, *hold)
			}
			if !paid {
				continue
			}
		}

		refunded, ok, err := l.settle(ctx, hold.ID, func(h *models.EscrowHold) (map[string]interface{}, error) {
			if err := l.processor.VoidHold(ctx, h.ExternalPaymentRef); err != nil {
				return nil, fmt.Errorf("processor void hold %s: %w", h.ID, err)
			}
			return map[string]interface{}{
				"status":          models.HoldStatusRefunded,
				"payee_id":        h.PayerID,
				"released_amount": h.Amount,
			}, nil
		})
		if err != nil {
			return result, err
		}
		if ok {
			result.Refunded = append(result.Refunded, *refunded)
			settled = append(settled, *refunded)
			metrics.HoldOutcomes.WithLabelValues(string(models.HoldStatusRefunded)).Inc()
		}
	}

	if len(settled) == 0 {
		return result, nil
	}

	var amount int64
	payload := make([]events.RefundedHold, 0, len(settled))
	for _, h := range settled {
		amount += h.ReleasedAmount
		payload = append(payload, events.RefundedHold{HoldID: h.ID, Role: h.Role, PayerID: h.PayerID, Amount: h.ReleasedAmount})
	}
	metrics.EscrowAmount.WithLabelValues("refund").Add(float64(amount))
	l.logger.Info("Escrow refunded",
		zap.String("trade_id", trade.ID),
		zap.Int("holds", len(settled)),
		zap.Int64("amount", amount),
	)
	l.publish(ctx, events.EscrowRefunded, trade.ID, payload)
	return result, nil
}

// Status derives the coarse escrow state of a trade
func (l *Ledger) Status(ctx context.Context, tradeID string) (LedgerStatus, error) {
	holds, err := l.Holds(ctx, tradeID)
	if err != nil {
		return "", err
	}

	var held, released, refunded int
	for _, h := range holds {
		switch h.Status {
		case models.HoldStatusHeld:
			held++
		case models.HoldStatusReleased:
			released++
		case models.HoldStatusRefunded:
			refunded++
		}
	}

	switch {
	case released > 0 && held == 0:
		return LedgerReleased, nil
	case held >= 2:
		return LedgerHeld, nil
	case held == 1:
		return LedgerPartial, nil
	case refunded > 0:
		return LedgerRefunded, nil
	default:
		return LedgerPending, nil
	}
}

// Holds returns every hold of a trade, oldest first
func (l *Ledger) Holds(ctx context.Context, tradeID string) ([]models.EscrowHold, error) {
	var holds []models.EscrowHold
	err := l.db.WithContext(ctx).
		Where("trade_id = ?", tradeID).
		Order("created_at ASC").
		Find(&holds).Error
	if err != nil {
		return nil, database.WrapError(err)
	}
	return holds, nil
}

// HoldByRef loads the hold placed under a processor reference
func (l *Ledger) HoldByRef(ctx context.Context, ref string) (*models.EscrowHold, error) {
	hold, err := database.FindOne[models.EscrowHold](l.db.WithContext(ctx).Where("external_payment_ref = ?", ref))
	if err != nil {
		if errors.Is(err, errors.NotFound) {
			return nil, errors.NotFound.Explain("no hold for payment reference %s", ref)
		}
		return nil, err
	}
	return hold, nil
}

func (l *Ledger) openHolds(ctx context.Context, tradeID string) ([]models.EscrowHold, error) {
	var holds []models.EscrowHold
	err := l.db.WithContext(ctx).
		Where("trade_id = ? AND status IN ?", tradeID, openStatuses).
		Order("role ASC").
		Find(&holds).Error
	if err != nil {
		return nil, database.WrapError(err)
	}
	return holds, nil
}

func (l *Ledger) holdsWithStatus(ctx context.Context, tradeID string, status models.HoldStatus) ([]models.EscrowHold, error) {
	var holds []models.EscrowHold
	err := l.db.WithContext(ctx).
		Where("trade_id = ? AND status = ?", tradeID, status).
		Find(&holds).Error
	if err != nil {
		return nil, database.WrapError(err)
	}
	return holds, nil
}

// markHeld moves an unpaid hold to held and emits payment.verified. hold is
// updated in place with whatever status it ends up in.
func (l *Ledger) markHeld(ctx context.Context, hold *models.EscrowHold) (bool, error) {
	at := l.now().UTC()
	changed, err := l.casStatus(ctx, hold, models.HoldStatusUnpaid, map[string]interface{}{
		"status":  models.HoldStatusHeld,
		"held_at": at,
	})
	if err != nil || !changed {
		return changed, err
	}

	metrics.HoldOutcomes.WithLabelValues(string(models.HoldStatusHeld)).Inc()
	l.logger.Info("Escrow hold verified",
		zap.String("trade_id", hold.TradeID),
		zap.String("hold_id", hold.ID),
		zap.String("role", string(hold.Role)),
	)
	l.publish(ctx, events.PaymentVerified, hold.TradeID, events.HoldEvent{HoldID: hold.ID, Role: hold.Role, Amount: hold.Amount})
	return true, nil
}

// voidMismatch returns a capture of the wrong amount to the payer and closes
// the hold as refunded with the amount the processor actually took.
func (l *Ledger) voidMismatch(ctx context.Context, hold *models.EscrowHold, captured int64) (bool, error) {
	if err := l.processor.VoidHold(ctx, hold.ExternalPaymentRef); err != nil {
		return false, fmt.Errorf("processor void hold %s: %w", hold.ID, err)
	}
	changed, err := l.casStatus(ctx, hold, models.HoldStatusUnpaid, map[string]interface{}{
		"status":          models.HoldStatusRefunded,
		"payee_id":        hold.PayerID,
		"released_amount": captured,
		"settled_at":      l.now().UTC(),
	})
	if err != nil || !changed {
		return changed, err
	}

	metrics.HoldOutcomes.WithLabelValues(string(models.HoldStatusRefunded)).Inc()
	metrics.EscrowAmount.WithLabelValues("refund").Add(float64(captured))
	l.logger.Warn("Processor amount does not match hold, voided",
		zap.String("trade_id", hold.TradeID),
		zap.String("hold_id", hold.ID),
		zap.Int64("captured", captured),
		zap.Int64("expected", hold.Amount),
	)
	l.publish(ctx, events.EscrowRefunded, hold.TradeID, []events.RefundedHold{
		{HoldID: hold.ID, Role: hold.Role, PayerID: hold.PayerID, Amount: captured},
	})
	return true, nil
}

// voidLateSuccess releases an authorisation that succeeded after its hold was
// already marked failed. The hold itself stays failed.
func (l *Ledger) voidLateSuccess(ctx context.Context, hold *models.EscrowHold, captured int64) error {
	if err := l.processor.VoidHold(ctx, hold.ExternalPaymentRef); err != nil {
		return fmt.Errorf("processor void hold %s: %w", hold.ID, err)
	}
	metrics.EscrowAmount.WithLabelValues("refund").Add(float64(captured))
	l.logger.Warn("Success reported for failed hold, voided",
		zap.String("trade_id", hold.TradeID),
		zap.String("hold_id", hold.ID),
		zap.Int64("captured", captured),
	)
	l.publish(ctx, events.EscrowRefunded, hold.TradeID, []events.RefundedHold{
		{HoldID: hold.ID, Role: hold.Role, PayerID: hold.PayerID, Amount: captured},
	})
	return nil
}

// casStatus applies updates only while the hold is still in from, then
// reloads hold.
func (l *Ledger) casStatus(ctx context.Context, hold *models.EscrowHold, from models.HoldStatus, updates map[string]interface{}) (bool, error) {
	res := l.db.WithContext(ctx).
		Model(&models.EscrowHold{}).
		Where("id = ? AND status = ?", hold.ID, from).
		Updates(updates)
	if res.Error != nil {
		return false, database.WrapError(res.Error)
	}
	if err := l.db.WithContext(ctx).Where("id = ?", hold.ID).First(hold).Error; err != nil {
		return false, database.WrapError(err)
	}
	return res.RowsAffected > 0, nil
}

// settle locks the hold row and, while it is still held, runs op and writes
// the terminal state op returns. The processor call inside op happens under
// the lock so a concurrent settlement cannot act on the same hold.
func (l *Ledger) settle(ctx context.Context, holdID string, op func(h *models.EscrowHold) (map[string]interface{}, error)) (*models.EscrowHold, bool, error) {
	var hold models.EscrowHold
	settled := false

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", holdID).First(&hold).Error; err != nil {
			return database.WrapError(err)
		}
		if hold.Status != models.HoldStatusHeld {
			return nil
		}

		updates, err := op(&hold)
		if err != nil {
			return err
		}
		updates["settled_at"] = l.now().UTC()
		if err := tx.Model(&models.EscrowHold{}).Where("id = ?", hold.ID).Updates(updates).Error; err != nil {
			return database.WrapError(err)
		}
		if err := tx.Where("id = ?", hold.ID).First(&hold).Error; err != nil {
			return database.WrapError(err)
		}
		settled = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &hold, settled, nil
}

func (l *Ledger) publish(ctx context.Context, eventType, tradeID string, payload any) {
	l.sink.Publish(ctx, events.Event{Type: eventType, TradeID: tradeID, At: l.now().UTC(), Payload: payload})
}

func payerFor(trade *models.Trade, role models.HoldRole) (string, error) {
	switch role {
	case models.HoldRoleCreator:
		return trade.CreatorID, nil
	case models.HoldRoleParticipant:
		if !trade.HasParticipant() {
			return "", errors.RequirementNotMet.Explain("trade %s has no participant", trade.ID)
		}
		return *trade.ParticipantID, nil
	default:
		return "", errors.Invalid.Explain("unknown hold role %q", role)
	}
}

func tradeRole(role models.HoldRole) lifecycle.Role {
	if role == models.HoldRoleCreator {
		return lifecycle.RoleCreator
	}
	return lifecycle.RoleParticipant
}
