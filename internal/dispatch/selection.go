package dispatch

import (
	"sort"
	"time"

	"github.com/Aidin1998/tradeguard/pkg/errors"
	"github.com/Aidin1998/tradeguard/pkg/models"
)

// MaxWorkload is the number of trades a middleman may hold at once
const MaxWorkload = 3

// Time budgets
const (
	AssignmentTimeout = 15 * time.Minute
	SupervisionBudget = 60 * time.Minute
	CompletingWindow  = 10 * time.Minute
)

// Candidate is a middleman as seen by selection
type Candidate struct {
	ID                         string  `json:"id" yaml:"id"`
	DisplayName                string  `json:"display_name" yaml:"display_name"`
	Available                  bool    `json:"available" yaml:"available"`
	CurrentWorkload            int     `json:"current_workload" yaml:"workload"`
	AverageResponseTimeMinutes float64 `json:"average_response_time_minutes" yaml:"average_response_minutes"`
	Rating                     float64 `json:"rating" yaml:"rating"`
}

// SelectMiddleman picks the least loaded, fastest, best rated eligible
// candidate. Ties fall back to id so the choice is reproducible.
func SelectMiddleman(candidates []Candidate, exclude map[string]bool) (Candidate, error) {
	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !c.Available || c.CurrentWorkload >= MaxWorkload || exclude[c.ID] {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return Candidate{}, errors.NoAvailableMiddleman.Explain("no middleman is available, try again shortly")
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.CurrentWorkload != b.CurrentWorkload {
			return a.CurrentWorkload < b.CurrentWorkload
		}
		if a.AverageResponseTimeMinutes != b.AverageResponseTimeMinutes {
			return a.AverageResponseTimeMinutes < b.AverageResponseTimeMinutes
		}
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		return a.ID < b.ID
	})
	return eligible[0], nil
}

// AssignmentTimeoutStatus is the result of CheckAssignmentTimeout
type AssignmentTimeoutStatus struct {
	IsTimedOut     bool          `json:"is_timed_out"`
	TimeRemaining  time.Duration `json:"time_remaining"`
	ShouldReassign bool          `json:"should_reassign"`
}

// CheckAssignmentTimeout reports whether an offer made at assignedAt expired by now.
func CheckAssignmentTimeout(assignedAt, now time.Time) AssignmentTimeoutStatus {
	expiresAt := assignedAt.Add(AssignmentTimeout)
	if now.Before(expiresAt) {
		return AssignmentTimeoutStatus{TimeRemaining: expiresAt.Sub(now)}
	}
	return AssignmentTimeoutStatus{IsTimedOut: true, ShouldReassign: true}
}

// Next actions reported by GetSupervisionStatus
const (
	NextSupervise        = "supervise"
	NextFinalizeDecision = "finalize_decision"
	NextEscalate         = "escalate"
	NextNone             = "none"
)

// SupervisionStatus is the result of GetSupervisionStatus
type SupervisionStatus struct {
	Status        models.SupervisionState `json:"status"`
	TimeElapsed   time.Duration           `json:"time_elapsed"`
	TimeRemaining time.Duration           `json:"time_remaining"`
	NextAction    string                  `json:"next_action"`
}

// GetSupervisionStatus computes where a session stands at now. A session that
// exhausted its budget must be escalated, never silently closed.
func GetSupervisionStatus(session *models.SupervisionSession, now time.Time) SupervisionStatus {
	elapsed := now.Sub(session.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	switch session.Status {
	case models.SupervisionCompleted:
		return SupervisionStatus{Status: models.SupervisionCompleted, TimeElapsed: elapsed, NextAction: NextNone}
	case models.SupervisionTimedOut:
		return SupervisionStatus{Status: models.SupervisionTimedOut, TimeElapsed: elapsed, NextAction: NextEscalate}
	}

	remaining := SupervisionBudget - elapsed
	switch {
	case remaining <= 0:
		return SupervisionStatus{Status: models.SupervisionTimedOut, TimeElapsed: elapsed, NextAction: NextEscalate}
	case remaining <= CompletingWindow:
		return SupervisionStatus{Status: models.SupervisionCompleting, TimeElapsed: elapsed, TimeRemaining: remaining, NextAction: NextFinalizeDecision}
	default:
		return SupervisionStatus{Status: models.SupervisionActive, TimeElapsed: elapsed, TimeRemaining: remaining, NextAction: NextSupervise}
	}
}
