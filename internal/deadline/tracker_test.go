package deadline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var agreedAt = time.Date(2024, 3, 10, 14, 0, 0, 0, time.UTC)

func ctxFor(creatorPaid, participantPaid bool) Context {
	d := CreateDeadline(agreedAt)
	return Context{Deadline: &d, CreatorPaid: creatorPaid, ParticipantPaid: participantPaid}
}

func TestCreateDeadline(t *testing.T) {
	assert.Equal(t, agreedAt.Add(30*time.Minute), CreateDeadline(agreedAt))
}

func TestCheckStatus(t *testing.T) {
	t.Run("before deadline", func(t *testing.T) {
		s := CheckStatus(agreedAt.Add(29*time.Minute), ctxFor(false, false))
		assert.False(t, s.IsExpired)
		assert.False(t, s.ShouldRefund)
		assert.Equal(t, time.Minute, s.TimeRemaining)
		assert.Equal(t, ReasonWithinDeadline, s.Reason)
	})

	t.Run("in grace with creator paid", func(t *testing.T) {
		s := CheckStatus(agreedAt.Add(31*time.Minute), ctxFor(true, false))
		assert.True(t, s.IsExpired)
		assert.True(t, s.InGracePeriod)
		assert.True(t, s.ShouldRefund)
		assert.Equal(t, ReasonGracePartialPayment, s.Reason)
	})

	t.Run("in grace with nobody paid", func(t *testing.T) {
		s := CheckStatus(agreedAt.Add(32*time.Minute), ctxFor(false, false))
		assert.True(t, s.IsExpired)
		assert.True(t, s.InGracePeriod)
		assert.False(t, s.ShouldRefund)
		assert.Equal(t, ReasonDeadlineExpired, s.Reason)
	})

	t.Run("past grace with nobody paid", func(t *testing.T) {
		s := CheckStatus(agreedAt.Add(36*time.Minute), ctxFor(false, false))
		assert.True(t, s.IsExpired)
		assert.False(t, s.InGracePeriod)
		assert.False(t, s.ShouldRefund)
		assert.Equal(t, ReasonExpiredNoPayment, s.Reason)
	})

	t.Run("past grace with participant paid", func(t *testing.T) {
		s := CheckStatus(agreedAt.Add(36*time.Minute), ctxFor(false, true))
		assert.True(t, s.ShouldRefund)
		assert.Equal(t, ReasonExpiredPartialPayment, s.Reason)
	})

	t.Run("both paid never expires", func(t *testing.T) {
		s := CheckStatus(agreedAt.Add(3*time.Hour), ctxFor(true, true))
		assert.False(t, s.IsExpired)
		assert.False(t, s.ShouldRefund)
		assert.Equal(t, ReasonBothPaid, s.Reason)
	})

	t.Run("exactly at deadline is expired", func(t *testing.T) {
		s := CheckStatus(agreedAt.Add(30*time.Minute), ctxFor(true, false))
		assert.True(t, s.IsExpired)
		assert.True(t, s.InGracePeriod)
	})

	t.Run("no deadline", func(t *testing.T) {
		s := CheckStatus(agreedAt, Context{})
		assert.False(t, s.IsExpired)
		assert.Equal(t, ReasonNoDeadline, s.Reason)
	})
}

func TestEnforcementAction(t *testing.T) {
	tests := []struct {
		name     string
		offset   time.Duration
		creator  bool
		particip bool
		action   Action
		urgency  Urgency
	}{
		{"plenty of time", 5 * time.Minute, false, false, ActionNone, UrgencyLow},
		{"crossed 15m threshold", 15 * time.Minute, false, false, ActionWarning, UrgencyMedium},
		{"crossed 5m threshold", 26 * time.Minute, true, false, ActionWarning, UrgencyHigh},
		{"expired partial in grace", 31 * time.Minute, true, false, ActionRefund, UrgencyCritical},
		{"expired partial past grace", 40 * time.Minute, false, true, ActionRefund, UrgencyCritical},
		{"expired unpaid in grace", 31 * time.Minute, false, false, ActionCancel, UrgencyCritical},
		{"expired unpaid past grace", 36 * time.Minute, false, false, ActionCancel, UrgencyCritical},
		{"both paid before deadline", 20 * time.Minute, true, true, ActionNone, UrgencyLow},
		{"both paid after deadline", 50 * time.Minute, true, true, ActionNone, UrgencyLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := EnforcementAction(agreedAt.Add(tt.offset), ctxFor(tt.creator, tt.particip))
			assert.Equal(t, tt.action, e.Action)
			assert.Equal(t, tt.urgency, e.Urgency)
		})
	}
}

func TestEnforcementActionIsDeterministic(t *testing.T) {
	now := agreedAt.Add(33 * time.Minute)
	c := ctxFor(true, false)
	assert.Equal(t, EnforcementAction(now, c), EnforcementAction(now, c))
}

func TestEnforcementActionWithoutDeadline(t *testing.T) {
	e := EnforcementAction(agreedAt, Context{CreatorPaid: true})
	assert.Equal(t, ActionNone, e.Action)
}

func TestProgress(t *testing.T) {
	assert.InDelta(t, 0, Progress(agreedAt, ctxFor(false, false)), 0.001)
	assert.InDelta(t, 50, Progress(agreedAt.Add(15*time.Minute), ctxFor(false, false)), 0.001)
	assert.InDelta(t, 100, Progress(agreedAt.Add(31*time.Minute), ctxFor(true, false)), 0.001)
	assert.InDelta(t, 100, Progress(agreedAt.Add(10*time.Minute), ctxFor(true, true)), 0.001)
	assert.InDelta(t, 0, Progress(agreedAt.Add(36*time.Minute), ctxFor(false, false)), 0.001)
	assert.InDelta(t, 0, Progress(agreedAt.Add(-time.Minute), ctxFor(false, false)), 0.001)
	assert.InDelta(t, 0, Progress(agreedAt, Context{}), 0.001)
}
