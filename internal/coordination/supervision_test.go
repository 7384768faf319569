package coordination_test

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Aidin1998/tradeguard/internal/coordination"
	"github.com/Aidin1998/tradeguard/internal/dispatch"
	"github.com/Aidin1998/tradeguard/internal/events"
	"github.com/Aidin1998/tradeguard/internal/lifecycle"
	"github.com/Aidin1998/tradeguard/pkg/errors"
	"github.com/Aidin1998/tradeguard/pkg/models"
)

func TestEscalatedIssueCancelsAndRefunds(t *testing.T) {
	h := newHarness(t)
	trade := h.supervisedTrade(t, 5000)

	issue, err := h.svc.ReportIssue(h.ctx(), mm1, trade.ID, models.IssueScamAttempt, "<i>serial number</i> does not match")
	require.NoError(t, err)
	assert.True(t, issue.Escalated)
	assert.Equal(t, "serial number does not match", issue.Description)

	assert.Equal(t, models.TradeStatusCancelled, h.trade(t, trade.ID).Status)
	statuses := h.holdStatuses(t, trade.ID)
	assert.Equal(t, models.HoldStatusRefunded, statuses[models.HoldRoleCreator])
	assert.Equal(t, models.HoldStatusRefunded, statuses[models.HoldRoleParticipant])

	captured, voided := h.proc.Counts()
	assert.Zero(t, captured)
	assert.Equal(t, 2, voided)
	assert.Empty(t, h.rec.OfType(events.EscrowReleased))

	_, err = h.svc.ApproveTrade(h.ctx(), mm1, trade.ID, "")
	assert.Error(t, err)
}

func TestNonEscalatedIssueKeepsTradeRunning(t *testing.T) {
	h := newHarness(t)
	trade := h.supervisedTrade(t, 5000)

	issue, err := h.svc.ReportIssue(h.ctx(), mm1, trade.ID, models.IssueCommunication, "seller slow to respond")
	require.NoError(t, err)
	assert.False(t, issue.Escalated)
	assert.Equal(t, models.TradeStatusInProgress, h.trade(t, trade.ID).Status)

	_, err = h.svc.ReportIssue(h.ctx(), mm1, trade.ID, models.IssueSupervisionTimeout, "")
	assert.True(t, errors.Is(err, errors.Invalid))

	_, err = h.svc.ReportIssue(h.ctx(), alice, trade.ID, models.IssueOther, "")
	assert.True(t, errors.Is(err, errors.Forbidden))
}

func TestRejectTradeRefundsBoth(t *testing.T) {
	h := newHarness(t)
	trade := h.supervisedTrade(t, 5000)

	result, err := h.svc.RejectTrade(h.ctx(), mm1, trade.ID, "buyer backed out")
	require.NoError(t, err)
	assert.Len(t, result.Refunded, 2)
	assert.Equal(t, int64(2*5325), result.Total())
	assert.Equal(t, models.TradeStatusCancelled, h.trade(t, trade.ID).Status)
}

func TestOnlySupervisorDecides(t *testing.T) {
	h := newHarness(t)
	trade := h.supervisedTrade(t, 5000)

	_, err := h.svc.ApproveTrade(h.ctx(), mm2, trade.ID, "")
	assert.True(t, errors.Is(err, errors.Forbidden))

	// a participant claiming the middleman's id without the middleman assertion
	_, err = h.svc.ApproveTrade(h.ctx(), coordination.Identity{ActorID: "mm-1"}, trade.ID, "")
	assert.True(t, errors.Is(err, errors.Forbidden))

	_, err = h.svc.RejectTrade(h.ctx(), bob, trade.ID, "")
	assert.True(t, errors.Is(err, errors.Forbidden))
	assert.Equal(t, models.TradeStatusInProgress, h.trade(t, trade.ID).Status)
}

func TestDeclineReassignsUntilRosterExhausted(t *testing.T) {
	h := newHarness(t)
	trade := h.pendingTrade(t, 5000)
	h.pay(t, alice, trade.ID)
	h.pay(t, bob, trade.ID)

	first, err := h.dispatcher.ActiveAssignment(h.ctx(), trade.ID)
	require.NoError(t, err)
	require.Equal(t, "mm-1", first.MiddlemanID)

	_, err = h.svc.DeclineAssignment(h.ctx(), bob, first.ID, "")
	assert.True(t, errors.Is(err, errors.Forbidden))

	next, err := h.svc.DeclineAssignment(h.ctx(), mm1, first.ID, "on break")
	require.NoError(t, err)
	assert.Equal(t, "mm-2", next.MiddlemanID)

	_, err = h.svc.DeclineAssignment(h.ctx(), mm2, next.ID, "conflict of interest")
	assert.True(t, errors.Is(err, errors.NoAvailableMiddleman))

	_, err = h.dispatcher.ActiveAssignment(h.ctx(), trade.ID)
	assert.True(t, errors.Is(err, errors.NotFound))
	assert.Equal(t, models.TradeStatusPaymentComplete, h.trade(t, trade.ID).Status)

	offered, err := h.svc.RetryUnassigned(h.ctx())
	require.NoError(t, err)
	assert.Zero(t, offered)
}

func TestAssignmentDeferredWhenRosterFull(t *testing.T) {
	h := newHarness(t, dispatch.Candidate{ID: "mm-1", Available: true, CurrentWorkload: dispatch.MaxWorkload})
	trade := h.pendingTrade(t, 5000)
	h.pay(t, alice, trade.ID)
	trade = h.pay(t, bob, trade.ID)
	require.Equal(t, models.TradeStatusPaymentComplete, trade.Status)

	_, err := h.dispatcher.ActiveAssignment(h.ctx(), trade.ID)
	require.True(t, errors.Is(err, errors.NotFound))

	_, err = h.svc.RequestMiddlemanAssignment(h.ctx(), trade.ID)
	assert.True(t, errors.Is(err, errors.NoAvailableMiddleman))

	offered, err := h.svc.RetryUnassigned(h.ctx())
	require.NoError(t, err)
	assert.Zero(t, offered)
}

func TestAssignmentTimeoutSweepReassigns(t *testing.T) {
	h := newHarness(t)
	trade := h.pendingTrade(t, 5000)
	h.pay(t, alice, trade.ID)
	h.pay(t, bob, trade.ID)

	closed, err := h.svc.EvaluateAssignmentTimeouts(h.ctx())
	require.NoError(t, err)
	assert.Zero(t, closed)

	h.clock.Advance(dispatch.AssignmentTimeout)
	closed, err = h.svc.EvaluateAssignmentTimeouts(h.ctx())
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	next, err := h.dispatcher.ActiveAssignment(h.ctx(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, "mm-2", next.MiddlemanID)

	history, err := h.dispatcher.Assignments(h.ctx(), trade.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.AssignmentStatusTimedOut, history[0].Status)

	trade, err = h.svc.AcceptAssignment(h.ctx(), mm2, next.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusInProgress, trade.Status)
}

func TestAcceptRequiresPaidTrade(t *testing.T) {
	h := newHarness(t)
	trade := h.pendingTrade(t, 5000)

	_, err := h.svc.RequestMiddlemanAssignment(h.ctx(), trade.ID)
	assert.True(t, errors.Is(err, errors.RequirementNotMet))

	_, err = h.svc.AcceptAssignment(h.ctx(), bob, "whatever")
	assert.True(t, errors.Is(err, errors.Forbidden))
}

func TestSupervisionTimeoutEscalatesWithoutRefund(t *testing.T) {
	h := newHarness(t)
	trade := h.supervisedTrade(t, 5000)

	h.clock.Advance(51 * time.Minute)
	escalated, err := h.svc.EvaluateSupervision(h.ctx())
	require.NoError(t, err)
	assert.Zero(t, escalated)
	session, err := h.dispatcher.ActiveSession(h.ctx(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SupervisionCompleting, session.Status)

	h.clock.Advance(10 * time.Minute)
	escalated, err = h.svc.EvaluateSupervision(h.ctx())
	require.NoError(t, err)
	assert.Equal(t, 1, escalated)

	issues, err := h.dispatcher.Issues(h.ctx(), trade.ID)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, models.IssueSupervisionTimeout, issues[0].IssueType)
	assert.True(t, issues[0].Escalated)

	assert.Equal(t, models.TradeStatusInProgress, h.trade(t, trade.ID).Status)
	statuses := h.holdStatuses(t, trade.ID)
	assert.Equal(t, models.HoldStatusHeld, statuses[models.HoldRoleCreator])
	assert.Equal(t, models.HoldStatusHeld, statuses[models.HoldRoleParticipant])
	assert.Len(t, h.rec.OfType(events.SupervisionTimedOut), 1)

	escalated, err = h.svc.EvaluateSupervision(h.ctx())
	require.NoError(t, err)
	assert.Zero(t, escalated)
}

func TestCancelTrade(t *testing.T) {
	h := newHarness(t)

	t.Run("active by creator", func(t *testing.T) {
		trade, err := h.svc.CreateTrade(h.ctx(), alice, coordination.CreateTradeRequest{ItemName: "lamp", Price: 900})
		require.NoError(t, err)
		_, err = h.svc.CancelTrade(h.ctx(), carol, trade.ID, "")
		assert.True(t, errors.Is(err, errors.Forbidden))

		trade, err = h.svc.CancelTrade(h.ctx(), alice, trade.ID, "changed my mind")
		require.NoError(t, err)
		assert.Equal(t, models.TradeStatusCancelled, trade.Status)
	})

	t.Run("payment pending with one hold", func(t *testing.T) {
		trade := h.pendingTrade(t, 2000)
		h.pay(t, bob, trade.ID)

		trade, err := h.svc.CancelTrade(h.ctx(), alice, trade.ID, "")
		require.NoError(t, err)
		assert.Equal(t, models.TradeStatusRefunded, trade.Status)
		assert.Equal(t, models.HoldStatusRefunded, h.holdStatuses(t, trade.ID)[models.HoldRoleParticipant])
	})

	t.Run("in progress is not cancellable by parties", func(t *testing.T) {
		trade := h.supervisedTrade(t, 3000)
		_, err := h.svc.CancelTrade(h.ctx(), alice, trade.ID, "")
		assert.True(t, errors.Is(err, errors.Forbidden))
	})
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t)
	trade := h.pendingTrade(t, 10000)
	h.pay(t, bob, trade.ID)
	h.clock.Advance(15 * time.Minute)

	snap, err := h.svc.GetTradeSnapshot(h.ctx(), bob, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.RoleParticipant, snap.Role)
	assert.ElementsMatch(t, []lifecycle.Action{lifecycle.ActionMessage, lifecycle.ActionPay, lifecycle.ActionCancel}, snap.Actions)
	assert.Equal(t, "100.00 usd", snap.PriceDisplay)
	assert.Equal(t, int64(10620), snap.AmountDue.Total)
	require.NotNil(t, snap.Deadline)
	assert.Equal(t, 15*time.Minute, snap.Deadline.TimeRemaining)
	assert.InDelta(t, 50.0, snap.Progress, 0.01)
	assert.Len(t, snap.Holds, 1)

	guest, err := h.svc.GetTradeSnapshot(h.ctx(), carol, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.RoleGuest, guest.Role)
	assert.Empty(t, guest.Actions)

	_, err = h.svc.GetTradeSnapshot(h.ctx(), bob, "missing")
	assert.True(t, errors.Is(err, errors.NotFound))
}

// failStatusWriteOnce fails the first update that sets status on a row of table
func (h *harness) failStatusWriteOnce(t *testing.T, table string, status any) {
	t.Helper()
	failed := false
	err := h.db.Callback().Update().Before("gorm:update").Register("test:fail_status_write", func(tx *gorm.DB) {
		if failed || tx.Statement.Table != table {
			return
		}
		if dest, ok := tx.Statement.Dest.(map[string]interface{}); ok && dest["status"] == status {
			failed = true
			_ = tx.AddError(stderrors.New("storage unavailable"))
		}
	})
	require.NoError(t, err)
}

func (h *harness) lastSession(t *testing.T, tradeID string) models.SupervisionSession {
	t.Helper()
	var session models.SupervisionSession
	require.NoError(t, h.db.Where("trade_id = ?", tradeID).Order("started_at DESC").First(&session).Error)
	return session
}

func TestApproveRetryAfterTransitionFailure(t *testing.T) {
	h := newHarness(t)
	trade := h.supervisedTrade(t, 5000)
	h.failStatusWriteOnce(t, "trades", models.TradeStatusCompleted)

	_, err := h.svc.ApproveTrade(h.ctx(), mm1, trade.ID, "")
	require.Error(t, err)
	assert.Equal(t, models.TradeStatusInProgress, h.trade(t, trade.ID).Status)
	session, err := h.dispatcher.ActiveSession(h.ctx(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, "mm-1", session.MiddlemanID)

	result, err := h.svc.ApproveTrade(h.ctx(), mm1, trade.ID, "all good")
	require.NoError(t, err)
	assert.True(t, result.AlreadyReleased)
	assert.Equal(t, int64(5000), result.PaidOut)
	assert.Equal(t, models.TradeStatusCompleted, h.trade(t, trade.ID).Status)

	statuses := h.holdStatuses(t, trade.ID)
	assert.Equal(t, models.HoldStatusReleased, statuses[models.HoldRoleCreator])
	assert.Equal(t, models.HoldStatusReleased, statuses[models.HoldRoleParticipant])
	captured, _ := h.proc.Counts()
	assert.Equal(t, 1, captured)

	closed := h.lastSession(t, trade.ID)
	assert.Equal(t, models.SupervisionCompleted, closed.Status)
	assert.Equal(t, dispatch.DecisionApproved, closed.Decision)
}

func TestApproveRetryAfterSessionCloseFailure(t *testing.T) {
	h := newHarness(t)
	trade := h.supervisedTrade(t, 5000)
	h.failStatusWriteOnce(t, "supervision_sessions", models.SupervisionCompleted)

	_, err := h.svc.ApproveTrade(h.ctx(), mm1, trade.ID, "")
	require.Error(t, err)
	assert.Equal(t, models.TradeStatusCompleted, h.trade(t, trade.ID).Status)

	_, err = h.svc.ApproveTrade(h.ctx(), mm2, trade.ID, "")
	assert.True(t, errors.Is(err, errors.Forbidden))

	_, err = h.svc.ApproveTrade(h.ctx(), mm1, trade.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.SupervisionCompleted, h.lastSession(t, trade.ID).Status)
	captured, _ := h.proc.Counts()
	assert.Equal(t, 1, captured)

	_, err = h.svc.RejectTrade(h.ctx(), mm1, trade.ID, "")
	assert.True(t, errors.Is(err, errors.Forbidden))
}

func TestRejectRetryAfterTransitionFailure(t *testing.T) {
	h := newHarness(t)
	trade := h.supervisedTrade(t, 5000)
	h.failStatusWriteOnce(t, "trades", models.TradeStatusCancelled)

	_, err := h.svc.RejectTrade(h.ctx(), mm1, trade.ID, "")
	require.Error(t, err)
	assert.Equal(t, models.TradeStatusInProgress, h.trade(t, trade.ID).Status)

	_, err = h.svc.RejectTrade(h.ctx(), mm1, trade.ID, "buyer backed out")
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusCancelled, h.trade(t, trade.ID).Status)

	statuses := h.holdStatuses(t, trade.ID)
	assert.Equal(t, models.HoldStatusRefunded, statuses[models.HoldRoleCreator])
	assert.Equal(t, models.HoldStatusRefunded, statuses[models.HoldRoleParticipant])
	captured, voided := h.proc.Counts()
	assert.Zero(t, captured)
	assert.Equal(t, 2, voided)

	closed := h.lastSession(t, trade.ID)
	assert.Equal(t, models.SupervisionCompleted, closed.Status)
	assert.Equal(t, dispatch.DecisionRejected, closed.Decision)
}

func TestEscalationRetryKeepsSingleIssue(t *testing.T) {
	h := newHarness(t)
	trade := h.supervisedTrade(t, 5000)
	h.failStatusWriteOnce(t, "supervision_sessions", models.SupervisionCompleted)

	_, err := h.svc.ReportIssue(h.ctx(), mm1, trade.ID, models.IssueScamAttempt, "fake item")
	require.Error(t, err)
	assert.Equal(t, models.TradeStatusCancelled, h.trade(t, trade.ID).Status)

	issue, err := h.svc.ReportIssue(h.ctx(), mm1, trade.ID, models.IssueScamAttempt, "fake item")
	require.NoError(t, err)
	assert.True(t, issue.Escalated)

	issues, err := h.dispatcher.Issues(h.ctx(), trade.ID)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, issues[0].ID, issue.ID)
	assert.Equal(t, dispatch.DecisionEscalated, h.lastSession(t, trade.ID).Decision)
}

func TestSupervisionSweepClosesDecidedTrade(t *testing.T) {
	h := newHarness(t)
	trade := h.supervisedTrade(t, 5000)
	h.failStatusWriteOnce(t, "supervision_sessions", models.SupervisionCompleted)

	_, err := h.svc.ApproveTrade(h.ctx(), mm1, trade.ID, "")
	require.Error(t, err)

	h.clock.Advance(dispatch.SupervisionBudget)
	escalated, err := h.svc.EvaluateSupervision(h.ctx())
	require.NoError(t, err)
	assert.Zero(t, escalated)

	closed := h.lastSession(t, trade.ID)
	assert.Equal(t, models.SupervisionCompleted, closed.Status)
	assert.Equal(t, dispatch.DecisionApproved, closed.Decision)
	assert.Empty(t, h.rec.OfType(events.SupervisionTimedOut))

	issues, err := h.dispatcher.Issues(h.ctx(), trade.ID)
	require.NoError(t, err)
	assert.Empty(t, issues)
}
