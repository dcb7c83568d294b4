package session

import "time"

// Phase is the lifecycle position of a session.
type Phase string

const (
	PhaseConnecting  Phase = "connecting"
	PhaseGeometrySet Phase = "geometry_set"
	PhaseFakeLogin   Phase = "fake_login"
	PhasePlaying     Phase = "playing"
	PhaseLooping     Phase = "looping"
	PhaseClosing     Phase = "closing"
	PhaseClosed      Phase = "closed"
)

func (p Phase) String() string {
	return string(p)
}

// IsValid returns true if the phase is one of the defined constants.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseConnecting, PhaseGeometrySet, PhaseFakeLogin, PhasePlaying,
		PhaseLooping, PhaseClosing, PhaseClosed:
		return true
	default:
		return false
	}
}

// Started reports whether playback has been requested.
func (p Phase) Started() bool {
	switch p {
	case PhaseFakeLogin, PhasePlaying, PhaseLooping, PhaseClosing:
		return true
	default:
		return false
	}
}

// Transition records a phase change.
type Transition struct {
	From      Phase     `json:"from"`
	To        Phase     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// maxTransitions limits the stored history per session.
const maxTransitions = 50
