// Package sandbox is an in-memory payment processor for local runs and tests.
package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/Aidin1998/tradeguard/internal/escrow"
)

// Intent is the sandbox record of one hold
type Intent struct {
	Ref      string
	Request  escrow.HoldRequest
	Status   escrow.ProcessorStatus
	Captured int64
	Voided   bool
	Charged  int64
}

// Processor implements escrow.Processor in memory. With AutoSucceed every
// new hold reports success immediately.
type Processor struct {
	mu          sync.Mutex
	intents     map[string]*Intent
	byKey       map[string]string
	seq         int
	AutoSucceed bool
	FailCreate  error
}

// New creates an empty sandbox processor
func New() *Processor {
	return &Processor{
		intents: make(map[string]*Intent),
		byKey:   make(map[string]string),
	}
}

// CreateHold records a pending hold; the hold id is the idempotency key
func (p *Processor) CreateHold(_ context.Context, req escrow.HoldRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailCreate != nil {
		return "", p.FailCreate
	}
	if ref, ok := p.byKey[req.HoldID]; ok {
		return ref, nil
	}

	p.seq++
	ref := fmt.Sprintf("sbx_%d_%s", p.seq, req.HoldID)
	intent := &Intent{Ref: ref, Request: req, Status: escrow.ProcessorPending}
	if p.AutoSucceed {
		intent.Status = escrow.ProcessorSucceeded
		intent.Charged = req.Amount
	}
	p.intents[ref] = intent
	p.byKey[req.HoldID] = ref
	return ref, nil
}

// QueryHoldStatus reports the current status of ref
func (p *Processor) QueryHoldStatus(_ context.Context, ref string) (escrow.HoldReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	intent, ok := p.intents[ref]
	if !ok {
		return escrow.HoldReport{}, fmt.Errorf("sandbox: unknown payment reference %s", ref)
	}
	return escrow.HoldReport{Status: intent.Status, AmountCaptured: intent.Charged}, nil
}

// CaptureHold settles amount of a succeeded hold
func (p *Processor) CaptureHold(_ context.Context, ref string, amount int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	intent, ok := p.intents[ref]
	if !ok {
		return fmt.Errorf("sandbox: unknown payment reference %s", ref)
	}
	if intent.Status != escrow.ProcessorSucceeded || intent.Voided {
		return fmt.Errorf("sandbox: hold %s cannot be captured", ref)
	}
	intent.Captured = amount
	return nil
}

// VoidHold returns a hold to its payer
func (p *Processor) VoidHold(_ context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	intent, ok := p.intents[ref]
	if !ok {
		return fmt.Errorf("sandbox: unknown payment reference %s", ref)
	}
	if intent.Captured > 0 {
		return fmt.Errorf("sandbox: hold %s already captured", ref)
	}
	intent.Voided = true
	return nil
}

// Succeed marks ref as paid in full
func (p *Processor) Succeed(ref string) escrow.HoldReport {
	return p.set(ref, escrow.ProcessorSucceeded, -1)
}

// SucceedWithAmount marks ref as paid with a specific charged amount
func (p *Processor) SucceedWithAmount(ref string, amount int64) escrow.HoldReport {
	return p.set(ref, escrow.ProcessorSucceeded, amount)
}

// Fail marks ref as declined
func (p *Processor) Fail(ref string) escrow.HoldReport {
	return p.set(ref, escrow.ProcessorFailed, 0)
}

func (p *Processor) set(ref string, status escrow.ProcessorStatus, amount int64) escrow.HoldReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	intent, ok := p.intents[ref]
	if !ok {
		return escrow.HoldReport{}
	}
	intent.Status = status
	if amount < 0 {
		amount = intent.Request.Amount
	}
	intent.Charged = amount
	return escrow.HoldReport{Status: status, AmountCaptured: amount}
}

// Intent returns a copy of the record behind ref
func (p *Processor) Intent(ref string) (Intent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	intent, ok := p.intents[ref]
	if !ok {
		return Intent{}, false
	}
	return *intent, true
}

// Counts returns how many holds were captured and voided
func (p *Processor) Counts() (captured, voided int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, intent := range p.intents {
		if intent.Captured > 0 {
			captured++
		}
		if intent.Voided {
			voided++
		}
	}
	return captured, voided
}

// RefFor returns the reference created for holdID
func (p *Processor) RefFor(holdID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref, ok := p.byKey[holdID]
	return ref, ok
}
