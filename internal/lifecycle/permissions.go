package lifecycle

import (
	"github.com/Aidin1998/tradeguard/pkg/errors"
	"github.com/Aidin1998/tradeguard/pkg/models"
)

// Action is something an actor may attempt on a trade
type Action string

const (
	ActionJoin    Action = "join"
	ActionMessage Action = "message"
	ActionPay     Action = "pay"
	ActionCancel  Action = "cancel"
)

// Actions lists every action
var Actions = []Action{ActionJoin, ActionMessage, ActionPay, ActionCancel}

// Role is an actor's relation to a trade
type Role string

const (
	RoleCreator     Role = "creator"
	RoleParticipant Role = "participant"
	RoleMiddleman   Role = "middleman"
	RoleGuest       Role = "guest"
)

// Roles lists every role
var Roles = []Role{RoleCreator, RoleParticipant, RoleMiddleman, RoleGuest}

// permissions is keyed by (status, action); anything unlisted is denied.
var permissions = map[models.TradeStatus]map[Action][]Role{
	models.TradeStatusActive: {
		ActionJoin:    {RoleGuest},
		ActionMessage: {RoleCreator, RoleGuest},
		ActionCancel:  {RoleCreator},
	},
	models.TradeStatusNegotiating: {
		ActionMessage: {RoleCreator, RoleParticipant},
		ActionCancel:  {RoleCreator, RoleParticipant},
	},
	models.TradeStatusPaymentPending: {
		ActionMessage: {RoleCreator, RoleParticipant},
		ActionPay:     {RoleCreator, RoleParticipant},
		ActionCancel:  {RoleCreator, RoleParticipant},
	},
	models.TradeStatusPaymentComplete: {
		ActionMessage: {RoleCreator, RoleParticipant, RoleMiddleman},
	},
	models.TradeStatusInProgress: {
		ActionMessage: {RoleCreator, RoleParticipant, RoleMiddleman},
	},
}

// Permitted reports whether role may perform action while the trade is in status.
func Permitted(status models.TradeStatus, action Action, role Role) bool {
	for _, r := range permissions[status][action] {
		if r == role {
			return true
		}
	}
	return false
}

// Authorize is Permitted as an error
func Authorize(status models.TradeStatus, action Action, role Role) error {
	if !Permitted(status, action, role) {
		return errors.Forbidden.Explain("%s may not %s a trade in status %s", role, action, status)
	}
	return nil
}

// RoleOf resolves the actor's role on the trade. supervisorID is the
// middleman currently holding the trade, or empty.
func RoleOf(trade *models.Trade, actorID, supervisorID string) Role {
	switch {
	case actorID == "":
		return RoleGuest
	case actorID == trade.CreatorID:
		return RoleCreator
	case trade.HasParticipant() && actorID == *trade.ParticipantID:
		return RoleParticipant
	case supervisorID != "" && actorID == supervisorID:
		return RoleMiddleman
	default:
		return RoleGuest
	}
}

// HoldRole maps a trade role onto the escrow role it pays as
func (r Role) HoldRole() (models.HoldRole, bool) {
	switch r {
	case RoleCreator:
		return models.HoldRoleCreator, true
	case RoleParticipant:
		return models.HoldRoleParticipant, true
	}
	return "", false
}
