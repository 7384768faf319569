package models

import "time"

// HoldRole identifies which party funded a hold
type HoldRole string

const (
	HoldRoleCreator     HoldRole = "creator"
	HoldRoleParticipant HoldRole = "participant"
)

// Valid reports whether r is a known role.
func (r HoldRole) Valid() bool {
	return r == HoldRoleCreator || r == HoldRoleParticipant
}

// HoldStatus is the state of a single escrow hold
type HoldStatus string

const (
	HoldStatusUnpaid   HoldStatus = "unpaid"
	HoldStatusHeld     HoldStatus = "held"
	HoldStatusReleased HoldStatus = "released"
	HoldStatusRefunded HoldStatus = "refunded"
	// HoldStatusFailed marks a hold the processor declined; the payer may open a new one.
	HoldStatusFailed HoldStatus = "failed"
)

// Terminal reports whether the hold can no longer change.
func (s HoldStatus) Terminal() bool {
	return s == HoldStatusReleased || s == HoldStatusRefunded || s == HoldStatusFailed
}

// EscrowHold is the funds one party placed in escrow for a trade
type EscrowHold struct {
	ID                 string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TradeID            string     `json:"trade_id" gorm:"type:varchar(36);not null;index"`
	PayerID            string     `json:"payer_id" gorm:"type:varchar(64);not null"`
	Role               HoldRole   `json:"role" gorm:"type:varchar(16);not null"`
	Subtotal           int64      `json:"subtotal" gorm:"not null"`
	PlatformFee        int64      `json:"platform_fee" gorm:"not null"`
	ProcessorFee       int64      `json:"processor_fee" gorm:"not null"`
	Amount             int64      `json:"amount" gorm:"not null"`
	Currency           string     `json:"currency" gorm:"type:varchar(3);not null"`
	ExternalPaymentRef string     `json:"external_payment_ref" gorm:"type:varchar(255);uniqueIndex"`
	Status             HoldStatus `json:"status" gorm:"type:varchar(16);not null;index"`
	PayeeID            *string    `json:"payee_id,omitempty" gorm:"type:varchar(64)"`
	ReleasedAmount     int64      `json:"released_amount"`
	HeldAt             *time.Time `json:"held_at,omitempty"`
	SettledAt          *time.Time `json:"settled_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}
