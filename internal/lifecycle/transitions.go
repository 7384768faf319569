package lifecycle

import (
	"github.com/Aidin1998/tradeguard/pkg/errors"
	"github.com/Aidin1998/tradeguard/pkg/models"
)

var validTransitions = map[models.TradeStatus][]models.TradeStatus{
	models.TradeStatusActive:          {models.TradeStatusNegotiating, models.TradeStatusCancelled},
	models.TradeStatusNegotiating:     {models.TradeStatusPaymentPending, models.TradeStatusCancelled, models.TradeStatusActive},
	models.TradeStatusPaymentPending:  {models.TradeStatusPaymentComplete, models.TradeStatusRefunded, models.TradeStatusCancelled},
	models.TradeStatusPaymentComplete: {models.TradeStatusInProgress, models.TradeStatusRefunded},
	models.TradeStatusInProgress:      {models.TradeStatusCompleted, models.TradeStatusCancelled},
	models.TradeStatusCompleted:       {}, // Terminal state
	models.TradeStatusCancelled:       {}, // Terminal state
	models.TradeStatusRefunded:        {}, // Terminal state
}

// TransitionContext carries the facts the edge predicates are evaluated against
type TransitionContext struct {
	HasParticipant     bool
	TermsAgreed        bool
	BothHoldsVerified  bool
	AssignmentAccepted bool
	MiddlemanApproved  bool
}

// CanTransition reports whether to is adjacent to from.
func CanTransition(from, to models.TradeStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Targets returns the statuses reachable from from in one step.
func Targets(from models.TradeStatus) []models.TradeStatus {
	return append([]models.TradeStatus(nil), validTransitions[from]...)
}

// ValidateTransition checks the edge and its business predicate.
func ValidateTransition(from, to models.TradeStatus, tc TransitionContext) error {
	if !CanTransition(from, to) {
		return errors.InvalidTransition.Explain("cannot move trade from %s to %s", from, to)
	}

	switch {
	case from == models.TradeStatusActive && to == models.TradeStatusNegotiating:
		if !tc.HasParticipant {
			return errors.RequirementNotMet.Explain("trade has no participant")
		}
	case from == models.TradeStatusNegotiating && to == models.TradeStatusPaymentPending:
		if !tc.TermsAgreed {
			return errors.RequirementNotMet.Explain("both parties must agree on terms")
		}
	case from == models.TradeStatusPaymentPending && to == models.TradeStatusPaymentComplete:
		if !tc.BothHoldsVerified {
			return errors.RequirementNotMet.Explain("both escrow holds must be verified")
		}
	case from == models.TradeStatusPaymentComplete && to == models.TradeStatusInProgress:
		if !tc.AssignmentAccepted {
			return errors.RequirementNotMet.Explain("no middleman has accepted the trade")
		}
	case from == models.TradeStatusInProgress && to == models.TradeStatusCompleted:
		if !tc.MiddlemanApproved {
			return errors.RequirementNotMet.Explain("middleman approval is required")
		}
	}
	return nil
}
