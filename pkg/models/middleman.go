package models

import "time"

// Middleman is a roster entry for a human trade reviewer
type Middleman struct {
	ID                     string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	DisplayName            string    `json:"display_name" gorm:"type:varchar(100)"`
	Available              bool      `json:"available" gorm:"not null"`
	AverageResponseMinutes float64   `json:"average_response_minutes"`
	Rating                 float64   `json:"rating"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// AssignmentStatus is the state of an offer made to a middleman
type AssignmentStatus string

const (
	AssignmentStatusPending  AssignmentStatus = "pending"
	AssignmentStatusAccepted AssignmentStatus = "accepted"
	AssignmentStatusDeclined AssignmentStatus = "declined"
	AssignmentStatusTimedOut AssignmentStatus = "timed_out"
)

// Open reports whether the assignment still blocks a new one for the same trade.
func (s AssignmentStatus) Open() bool {
	return s == AssignmentStatusPending || s == AssignmentStatusAccepted
}

// MiddlemanAssignment offers a trade to one middleman
type MiddlemanAssignment struct {
	ID            string           `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TradeID       string           `json:"trade_id" gorm:"type:varchar(36);not null;index"`
	MiddlemanID   string           `json:"middleman_id" gorm:"type:varchar(64);not null;index"`
	AssignedAt    time.Time        `json:"assigned_at" gorm:"not null"`
	Status        AssignmentStatus `json:"status" gorm:"type:varchar(16);not null;index"`
	RespondedAt   *time.Time       `json:"responded_at,omitempty"`
	DeclineReason string           `json:"decline_reason,omitempty" gorm:"type:text"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// SupervisionState is the state of a supervision session
type SupervisionState string

const (
	SupervisionActive     SupervisionState = "active"
	SupervisionCompleting SupervisionState = "completing"
	SupervisionTimedOut   SupervisionState = "timed_out"
	SupervisionCompleted  SupervisionState = "completed"
)

// Open reports whether the session is still running.
func (s SupervisionState) Open() bool {
	return s == SupervisionActive || s == SupervisionCompleting
}

// SupervisionSession is the window in which an accepted middleman oversees a trade
type SupervisionSession struct {
	ID           string           `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TradeID      string           `json:"trade_id" gorm:"type:varchar(36);not null;index"`
	AssignmentID string           `json:"assignment_id" gorm:"type:varchar(36);not null"`
	MiddlemanID  string           `json:"middleman_id" gorm:"type:varchar(64);not null"`
	StartedAt    time.Time        `json:"started_at" gorm:"not null"`
	Status       SupervisionState `json:"status" gorm:"type:varchar(16);not null;index"`
	EndedAt      *time.Time       `json:"ended_at,omitempty"`
	Decision     string           `json:"decision,omitempty" gorm:"type:varchar(32)"`
	Notes        string           `json:"notes,omitempty" gorm:"type:text"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// IssueType classifies a problem a middleman reports
type IssueType string

const (
	IssueScamAttempt        IssueType = "scam_attempt"
	IssueItemMismatch       IssueType = "item_mismatch"
	IssuePaymentIssue       IssueType = "payment_issue"
	IssueCommunication      IssueType = "communication_issue"
	IssueSupervisionTimeout IssueType = "supervision_timeout"
	IssueOther              IssueType = "other"
)

// Escalated reports whether the issue must cancel and refund the trade.
func (t IssueType) Escalated() bool {
	return t == IssueScamAttempt || t == IssueItemMismatch
}

// Valid reports whether t is a known issue type.
func (t IssueType) Valid() bool {
	switch t {
	case IssueScamAttempt, IssueItemMismatch, IssuePaymentIssue, IssueCommunication, IssueSupervisionTimeout, IssueOther:
		return true
	}
	return false
}

// TradeIssue is a problem raised during supervision
type TradeIssue struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TradeID     string    `json:"trade_id" gorm:"type:varchar(36);not null;index"`
	MiddlemanID string    `json:"middleman_id" gorm:"type:varchar(64)"`
	IssueType   IssueType `json:"issue_type" gorm:"type:varchar(32);not null"`
	Description string    `json:"description" gorm:"type:text"`
	Escalated   bool      `json:"escalated"`
	CreatedAt   time.Time `json:"created_at"`
}
