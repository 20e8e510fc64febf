// Package consultation projects the backend's consultation status into the state the
// messaging surface is gated on.
package consultation

import (
	"time"

	"github.com/mtaalamux/client/internal/model"
)

// State is the client-side view of a conversation's consultation window.
type State int

const (
	None State = iota
	Scheduled
	Active
	Expired
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "SCHEDULED"
	case Active:
		return "ACTIVE"
	case Expired:
		return "EXPIRED"
	default:
		return "NONE"
	}
}

// StateOf derives the state from a server-provided status. Only can_send_messages makes a
// conversation Active; the clock never promotes Scheduled to Active.
func StateOf(cs *model.ConsultationStatus, now time.Time) State {
	if cs == nil || cs.Sentinel() {
		return None
	}
	if cs.CanSendMessages {
		return Active
	}
	if !cs.HasConsultation {
		return None
	}
	if cs.StartTime != nil && cs.StartTime.After(now) {
		return Scheduled
	}
	return Expired
}

// CanSend reports whether a message may be sent right now.
func CanSend(cs *model.ConsultationStatus, now time.Time) bool {
	return StateOf(cs, now) == Active
}

// NeedsRefresh reports whether the status is stale and must be re-fetched: the server
// said Active but the window's end has passed, or the window was scheduled and has since
// opened.
func NeedsRefresh(cs *model.ConsultationStatus, now time.Time) bool {
	if cs == nil || !cs.HasConsultation || cs.Sentinel() {
		return false
	}
	if cs.CanSendMessages {
		return cs.EndTime != nil && !now.Before(*cs.EndTime)
	}
	return cs.StartTime != nil && !now.Before(*cs.StartTime) &&
		(cs.EndTime == nil || now.Before(*cs.EndTime))
}
