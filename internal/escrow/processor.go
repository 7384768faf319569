package escrow

import (
	"context"

	"github.com/Aidin1998/tradeguard/pkg/models"
)

// ProcessorStatus is the processor's view of a hold
type ProcessorStatus string

const (
	ProcessorSucceeded ProcessorStatus = "succeeded"
	ProcessorPending   ProcessorStatus = "pending"
	ProcessorFailed    ProcessorStatus = "failed"
)

// HoldRequest asks the processor to reserve funds. HoldID doubles as the
// idempotency key, so a retried request never reserves twice.
type HoldRequest struct {
	HoldID   string
	TradeID  string
	PayerID  string
	Role     models.HoldRole
	Amount   int64
	Currency string
}

// HoldReport is the processor's answer to a status query or callback
type HoldReport struct {
	Status         ProcessorStatus `json:"status"`
	AmountCaptured int64           `json:"amount_captured"`
}

// Processor is the payment capability escrow holds are placed with
type Processor interface {
	CreateHold(ctx context.Context, req HoldRequest) (ref string, err error)
	QueryHoldStatus(ctx context.Context, ref string) (HoldReport, error)
	CaptureHold(ctx context.Context, ref string, amount int64) error
	VoidHold(ctx context.Context, ref string) error
}
