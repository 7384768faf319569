package events

import (
	"time"

	"github.com/Aidin1998/tradeguard/pkg/models"
)

// Event types emitted by the trade core
const (
	TradeStatusChanged     = "trade.status_changed"
	TradeIssueReported     = "trade.issue_reported"
	PaymentHoldCreated     = "payment.hold_created"
	PaymentVerified        = "payment.verified"
	PaymentDeadlineWarning = "payment.deadline_warning"
	EscrowReleased         = "escrow.released"
	EscrowRefunded         = "escrow.refunded"
	MiddlemanAssigned      = "middleman.assigned"
	MiddlemanAccepted      = "middleman.accepted"
	MiddlemanDeclined      = "middleman.declined"
	MiddlemanTimedOut      = "middleman.timed_out"
	SupervisionTimedOut    = "supervision.timed_out"
)

// Event is a domain event published after the state change it describes committed
type Event struct {
	Type    string    `json:"type"`
	TradeID string    `json:"trade_id"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// StatusChanged is the payload of trade.status_changed
type StatusChanged struct {
	From    models.TradeStatus `json:"from"`
	To      models.TradeStatus `json:"to"`
	Reason  string             `json:"reason,omitempty"`
	ActorID string             `json:"actor_id,omitempty"`
}

// HoldEvent is the payload of payment.hold_created and payment.verified
type HoldEvent struct {
	HoldID string          `json:"hold_id"`
	Role   models.HoldRole `json:"role"`
	Amount int64           `json:"amount"`
}

// ReleaseAmounts is the payload of escrow.released
type ReleaseAmounts struct {
	PayeeID            string `json:"payee_id"`
	PaidOut            int64  `json:"paid_out"`
	ReturnedToCreator  int64  `json:"returned_to_creator"`
	PlatformFees       int64  `json:"platform_fees"`
	ProcessorFees      int64  `json:"processor_fees"`
	ParticipantCapture int64  `json:"participant_capture"`
}

// RefundedHold is one entry of the escrow.refunded payload
type RefundedHold struct {
	HoldID  string          `json:"hold_id"`
	Role    models.HoldRole `json:"role"`
	PayerID string          `json:"payer_id"`
	Amount  int64           `json:"amount"`
}

// MiddlemanEvent is the payload of the middleman.* events
type MiddlemanEvent struct {
	AssignmentID string `json:"assignment_id"`
	MiddlemanID  string `json:"middleman_id"`
	Reason       string `json:"reason,omitempty"`
}

// DeadlineWarning is the payload of payment.deadline_warning
type DeadlineWarning struct {
	Urgency   string        `json:"urgency"`
	Remaining time.Duration `json:"remaining"`
}

// IssueReported is the payload of trade.issue_reported and supervision.timed_out
type IssueReported struct {
	IssueID     string           `json:"issue_id"`
	MiddlemanID string           `json:"middleman_id,omitempty"`
	IssueType   models.IssueType `json:"issue_type"`
	Escalated   bool             `json:"escalated"`
}
