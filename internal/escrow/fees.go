package escrow

import (
	"github.com/shopspring/decimal"
)

// Fee policy
var (
	PlatformFeeRate   = decimal.RequireFromString("0.03")
	ProcessorFeeRate  = decimal.RequireFromString("0.029")
	ProcessorFixedFee = int64(30)
)

// Fees is the breakdown of what one party pays into escrow, in minor units
type Fees struct {
	Subtotal     int64 `json:"subtotal"`
	PlatformFee  int64 `json:"platform_fee"`
	ProcessorFee int64 `json:"processor_fee"`
	Total        int64 `json:"total"`
}

// ComputeFees rounds each fee to the nearest minor unit on its own, half away
// from zero, so every component can be audited independently.
func ComputeFees(subtotal int64) Fees {
	sub := decimal.NewFromInt(subtotal)
	platform := sub.Mul(PlatformFeeRate).Round(0).IntPart()
	processor := sub.Mul(ProcessorFeeRate).Round(0).IntPart() + ProcessorFixedFee

	return Fees{
		Subtotal:     subtotal,
		PlatformFee:  platform,
		ProcessorFee: processor,
		Total:        subtotal + platform + processor,
	}
}

// FormatMinor renders a minor-unit amount as a decimal string, e.g. 10620 -> "106.20"
func FormatMinor(amount int64) string {
	return decimal.New(amount, -2).StringFixed(2)
}
