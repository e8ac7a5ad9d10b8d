package store

import "turnos/queue-service/internal/models"

var transitionMap = map[string][]string{
	"call_next":        {models.StateWaiting},
	"recall":           {models.StateCalled},
	"start_attendance": {models.StateCalled},
	"finalize":         {models.StateInAttendance},
}

func ValidTransition(action, fromState string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, state := range allowed {
		if state == fromState {
			return true
		}
	}
	return false
}

// ValidOutcome reports whether a finalize outcome is one of the two
// terminal states.
func ValidOutcome(outcome string) bool {
	return outcome == models.StateFinished || outcome == models.StateNoShow
}
