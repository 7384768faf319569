package models

import (
	"time"
)

// TradeStatus is the lifecycle status of a trade
type TradeStatus string

const (
	TradeStatusActive          TradeStatus = "ACTIVE"
	TradeStatusNegotiating     TradeStatus = "NEGOTIATING"
	TradeStatusPaymentPending  TradeStatus = "PAYMENT_PENDING"
	TradeStatusPaymentComplete TradeStatus = "PAYMENT_COMPLETE"
	TradeStatusInProgress      TradeStatus = "IN_PROGRESS"
	TradeStatusCompleted       TradeStatus = "COMPLETED"
	TradeStatusCancelled       TradeStatus = "CANCELLED"
	TradeStatusRefunded        TradeStatus = "REFUNDED"
)

// TradeStatuses lists every status in lifecycle order.
var TradeStatuses = []TradeStatus{
	TradeStatusActive,
	TradeStatusNegotiating,
	TradeStatusPaymentPending,
	TradeStatusPaymentComplete,
	TradeStatusInProgress,
	TradeStatusCompleted,
	TradeStatusCancelled,
	TradeStatusRefunded,
}

// Valid reports whether s is a known status.
func (s TradeStatus) Valid() bool {
	for _, known := range TradeStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func (s TradeStatus) Terminal() bool {
	return s == TradeStatusCompleted || s == TradeStatusCancelled || s == TradeStatusRefunded
}

// Trade is a peer-to-peer item trade supervised by a middleman
type Trade struct {
	ID                string      `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ItemName          string      `json:"item_name" gorm:"type:varchar(200);not null"`
	Price             int64       `json:"price" gorm:"not null"` // minor units
	Currency          string      `json:"currency" gorm:"type:varchar(3);not null;default:usd"`
	Status            TradeStatus `json:"status" gorm:"type:varchar(32);not null;index"`
	CreatorID         string      `json:"creator_id" gorm:"type:varchar(64);not null;index"`
	ParticipantID     *string     `json:"participant_id,omitempty" gorm:"type:varchar(64);index"`
	CreatorAgreed     bool        `json:"creator_agreed"`
	ParticipantAgreed bool        `json:"participant_agreed"`
	PaymentDeadline   *time.Time  `json:"payment_deadline,omitempty"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// HasParticipant reports whether a paying participant is bound to the trade.
func (t *Trade) HasParticipant() bool {
	return t.ParticipantID != nil && *t.ParticipantID != ""
}

// TermsAgreed reports whether both parties explicitly agreed on terms.
func (t *Trade) TermsAgreed() bool {
	return t.CreatorAgreed && t.ParticipantAgreed
}

// TradeStatusTransition is the audit record of a status change
type TradeStatusTransition struct {
	ID         string      `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TradeID    string      `json:"trade_id" gorm:"type:varchar(36);not null;index"`
	FromStatus TradeStatus `json:"from_status" gorm:"type:varchar(32);not null"`
	ToStatus   TradeStatus `json:"to_status" gorm:"type:varchar(32);not null"`
	Reason     string      `json:"reason" gorm:"type:text"`
	ActorID    string      `json:"actor_id" gorm:"type:varchar(64)"`
	CreatedAt  time.Time   `json:"created_at"`
}
