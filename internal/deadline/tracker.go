// Package deadline decides what must happen to a trade whose payment window is
// running or has run out. Every function is pure: identical inputs always
// produce identical outputs, so polling and on-demand callers can share it.
package deadline

import (
	"time"
)

// Policy constants
const (
	PaymentWindow    = 30 * time.Minute
	GracePeriod      = 5 * time.Minute
	WarningThreshold = 15 * time.Minute
	UrgentThreshold  = 5 * time.Minute
)

// Reasons reported by CheckStatus
const (
	ReasonNoDeadline     = "no_deadline"
	ReasonBothPaid       = "both_paid"
	ReasonWithinDeadline = "within_deadline"
	// ReasonDeadlineExpired classifies an expired window; it is never an error.
	ReasonDeadlineExpired       = "deadline_expired"
	ReasonGracePartialPayment   = "grace_period_partial_payment"
	ReasonExpiredPartialPayment = "expired_partial_payment"
	ReasonExpiredNoPayment      = "expired_no_payment"
)

// Action is the enforcement decision for a trade
type Action string

const (
	ActionNone    Action = "none"
	ActionWarning Action = "warning"
	ActionRefund  Action = "refund"
	ActionCancel  Action = "cancel"
)

// Urgency grades how close a trade is to enforcement
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Context is the payment fact set a decision is computed from
type Context struct {
	Deadline        *time.Time
	CreatorPaid     bool
	ParticipantPaid bool
}

// BothPaid reports whether both holds are verified.
func (c Context) BothPaid() bool {
	return c.CreatorPaid && c.ParticipantPaid
}

// PartiallyPaid reports whether exactly one party paid.
func (c Context) PartiallyPaid() bool {
	return c.CreatorPaid != c.ParticipantPaid
}

// Status is the result of CheckStatus
type Status struct {
	IsExpired     bool          `json:"is_expired"`
	TimeRemaining time.Duration `json:"time_remaining"`
	ShouldRefund  bool          `json:"should_refund"`
	InGracePeriod bool          `json:"in_grace_period"`
	Reason        string        `json:"reason"`
}

// Enforcement is the result of EnforcementAction
type Enforcement struct {
	Action  Action  `json:"action"`
	Urgency Urgency `json:"urgency"`
	Status  Status  `json:"status"`
}

// CreateDeadline returns the payment deadline for terms agreed at agreedAt.
func CreateDeadline(agreedAt time.Time) time.Time {
	return agreedAt.Add(PaymentWindow)
}

// CheckStatus classifies the payment window at now.
func CheckStatus(now time.Time, c Context) Status {
	if c.BothPaid() {
		status := Status{Reason: ReasonBothPaid}
		if c.Deadline != nil && now.Before(*c.Deadline) {
			status.TimeRemaining = c.Deadline.Sub(now)
		}
		return status
	}
	if c.Deadline == nil {
		return Status{Reason: ReasonNoDeadline}
	}

	deadline := *c.Deadline
	if now.Before(deadline) {
		return Status{
			TimeRemaining: deadline.Sub(now),
			Reason:        ReasonWithinDeadline,
		}
	}

	inGrace := now.Before(deadline.Add(GracePeriod))
	status := Status{
		IsExpired:     true,
		InGracePeriod: inGrace,
		ShouldRefund:  c.PartiallyPaid(),
	}
	switch {
	case c.PartiallyPaid() && inGrace:
		status.Reason = ReasonGracePartialPayment
	case c.PartiallyPaid():
		status.Reason = ReasonExpiredPartialPayment
	case inGrace:
		status.Reason = ReasonDeadlineExpired
	default:
		status.Reason = ReasonExpiredNoPayment
	}
	return status
}

// EnforcementAction decides what the scheduler must do for the trade at now.
func EnforcementAction(now time.Time, c Context) Enforcement {
	status := CheckStatus(now, c)

	switch {
	case c.BothPaid():
		return Enforcement{Action: ActionNone, Urgency: UrgencyLow, Status: status}
	case status.IsExpired && status.ShouldRefund:
		return Enforcement{Action: ActionRefund, Urgency: UrgencyCritical, Status: status}
	case status.IsExpired:
		return Enforcement{Action: ActionCancel, Urgency: UrgencyCritical, Status: status}
	case c.Deadline == nil:
		return Enforcement{Action: ActionNone, Urgency: UrgencyLow, Status: status}
	case status.TimeRemaining <= UrgentThreshold:
		return Enforcement{Action: ActionWarning, Urgency: UrgencyHigh, Status: status}
	case status.TimeRemaining <= WarningThreshold:
		return Enforcement{Action: ActionWarning, Urgency: UrgencyMedium, Status: status}
	default:
		return Enforcement{Action: ActionNone, Urgency: UrgencyLow, Status: status}
	}
}

// Progress returns how much of the payment window has elapsed, in [0,100].
// An unpaid trade past its grace period reports 0.
func Progress(now time.Time, c Context) float64 {
	if c.BothPaid() {
		return 100
	}
	if c.Deadline == nil {
		return 0
	}
	if !now.Before(c.Deadline.Add(GracePeriod)) && !c.CreatorPaid && !c.ParticipantPaid {
		return 0
	}

	start := c.Deadline.Add(-PaymentWindow)
	elapsed := now.Sub(start)
	pct := float64(elapsed) / float64(PaymentWindow) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
