package realtime

type notifyTarget int

const (
	notifyTranscript notifyTarget = iota
	notifyResponse
)

// notification is a caller callback invocation, run after the session lock is released.
type notification struct {
	target notifyTarget
	text   string
	final  bool
}

type outcome struct {
	kind          EventKind
	notifications []notification
	audio         string
	missingAudio  bool
	remoteErr     error
}

func (o *outcome) notify(target notifyTarget, text string, final bool) {
	o.notifications = append(o.notifications, notification{target: target, text: text, final: final})
}

// apply advances the turn state machine by one inbound event.
// The caller holds the lock guarding s.
func (s *SessionState) apply(e *ServerEvent) (out outcome) {
	out.kind = e.Kind()
	switch out.kind {
	case EventKindTurnStarted:
		s.Processing = true
		s.ResponseText = ""
		out.notify(notifyResponse, "", false)
	case EventKindTranscriptDelta:
		if s.transcriptFlushed {
			s.Transcript = ""
			s.transcriptFlushed = false
		}
		delta := e.TextDelta()
		s.Transcript += delta
		out.notify(notifyTranscript, delta, false)
	case EventKindResponseTextDelta:
		delta := e.TextDelta()
		s.ResponseText += delta
		out.notify(notifyResponse, delta, false)
	case EventKindResponseTextDone:
		out.notify(notifyTranscript, s.Transcript, true)
		s.transcriptFlushed = true
	case EventKindTurnDone:
		out.notify(notifyResponse, s.ResponseText, true)
		s.Processing = false
	case EventKindAudioDelta:
		payload, ok := e.AudioPayload()
		out.audio, out.missingAudio = payload, !ok
	case EventKindError:
		out.remoteErr = e.RemoteError()
	case EventKindSessionAcknowledged, EventKindInformational, EventKindUnknown:
	}
	return out
}
