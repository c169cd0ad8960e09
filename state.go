package realtime

// Phase is the top level lifecycle of a Session. Processing is a flag of PhaseActive,
// not a phase, since capture and generation overlap.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAcquiring
	PhaseConnecting
	PhaseActive
	PhaseClosing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAcquiring:
		return "acquiring"
	case PhaseConnecting:
		return "connecting"
	case PhaseActive:
		return "active"
	case PhaseClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// SessionState is the observable state of a Session.
type SessionState struct {
	Phase        Phase
	Listening    bool
	Processing   bool
	Transcript   string
	ResponseText string

	// set once the transcript was delivered as final; the next delta starts a new one
	transcriptFlushed bool
}

// reset clears the accumulators for a new listening session.
func (s *SessionState) reset() {
	s.Transcript = ""
	s.ResponseText = ""
	s.transcriptFlushed = false
}

func (s *SessionState) idle() {
	s.Phase = PhaseIdle
	s.Listening = false
	s.Processing = false
}
