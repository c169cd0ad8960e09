package realtime

import (
	"errors"
	"fmt"

	"github.com/bt-bridge/voice-agent/shared"
	"github.com/bytedance/sonic"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types. Preview and GA names are both listed where they differ.
const (
	ServerEventTypeError                    ServerEventType = "error"
	ServerEventTypeSessionCreated           ServerEventType = "session.created"
	ServerEventTypeSessionUpdated           ServerEventType = "session.updated"
	ServerEventTypeConversationItemCreated  ServerEventType = "conversation.item.created"
	ServerEventTypeConversationItemAdded    ServerEventType = "conversation.item.added"
	ServerEventTypeRatelimitsUpdated        ServerEventType = "rate_limits.updated"
	ServerEventTypeResponseCreated          ServerEventType = "response.created"
	ServerEventTypeResponseDone             ServerEventType = "response.done"
	ServerEventTypeResponseOutputItemAdded  ServerEventType = "response.output_item.added"
	ServerEventTypeResponseOutputItemDone   ServerEventType = "response.output_item.done"
	ServerEventTypeResponseContentPartAdded ServerEventType = "response.content_part.added"
	ServerEventTypeResponseContentPartDone  ServerEventType = "response.content_part.done"

	ServerEventTypeResponseAudioTranscriptDelta       ServerEventType = "response.audio_transcript.delta"
	ServerEventTypeResponseOutputAudioTranscriptDelta ServerEventType = "response.output_audio_transcript.delta"
	ServerEventTypeResponseTextDelta                  ServerEventType = "response.text.delta"
	ServerEventTypeResponseOutputTextDelta            ServerEventType = "response.output_text.delta"
	ServerEventTypeResponseTextDone                   ServerEventType = "response.text.done"
	ServerEventTypeResponseOutputTextDone             ServerEventType = "response.output_text.done"
	ServerEventTypeResponseAudioDelta                 ServerEventType = "response.audio.delta"
	ServerEventTypeResponseOutputAudioDelta           ServerEventType = "response.output_audio.delta"
	ServerEventTypeResponseAudioDone                  ServerEventType = "response.audio.done"
	ServerEventTypeResponseOutputAudioDone            ServerEventType = "response.output_audio.done"
)

// Client event types
const (
	ClientEventTypeSessionUpdate          ClientEventType = "session.update"
	ClientEventTypeConversationItemCreate ClientEventType = "conversation.item.create"
	ClientEventTypeResponseCreate         ClientEventType = "response.create"
	ClientEventTypeResponseCancel         ClientEventType = "response.cancel"
)

// EventKind is the closed set of inbound events the turn state machine understands.
type EventKind int

const (
	EventKindUnknown EventKind = iota
	EventKindInformational
	EventKindSessionAcknowledged
	EventKindTurnStarted
	EventKindTranscriptDelta
	EventKindResponseTextDelta
	EventKindResponseTextDone
	EventKindTurnDone
	EventKindAudioDelta
	EventKindError
)

func (k EventKind) String() string {
	switch k {
	case EventKindInformational:
		return "informational"
	case EventKindSessionAcknowledged:
		return "session_acknowledged"
	case EventKindTurnStarted:
		return "turn_started"
	case EventKindTranscriptDelta:
		return "transcript_delta"
	case EventKindResponseTextDelta:
		return "response_text_delta"
	case EventKindResponseTextDone:
		return "response_text_done"
	case EventKindTurnDone:
		return "turn_done"
	case EventKindAudioDelta:
		return "audio_delta"
	case EventKindError:
		return "error"
	default:
		return "unknown"
	}
}

var eventKinds = map[ServerEventType]EventKind{
	ServerEventTypeError:           EventKindError,
	ServerEventTypeSessionCreated:  EventKindSessionAcknowledged,
	ServerEventTypeSessionUpdated:  EventKindSessionAcknowledged,
	ServerEventTypeResponseCreated: EventKindTurnStarted,
	ServerEventTypeResponseDone:    EventKindTurnDone,

	ServerEventTypeResponseAudioTranscriptDelta:       EventKindTranscriptDelta,
	ServerEventTypeResponseOutputAudioTranscriptDelta: EventKindTranscriptDelta,
	ServerEventTypeResponseTextDelta:                  EventKindResponseTextDelta,
	ServerEventTypeResponseOutputTextDelta:            EventKindResponseTextDelta,
	ServerEventTypeResponseTextDone:                   EventKindResponseTextDone,
	ServerEventTypeResponseOutputTextDone:             EventKindResponseTextDone,
	ServerEventTypeResponseAudioDelta:                 EventKindAudioDelta,
	ServerEventTypeResponseOutputAudioDelta:           EventKindAudioDelta,

	ServerEventTypeConversationItemCreated:  EventKindInformational,
	ServerEventTypeConversationItemAdded:    EventKindInformational,
	ServerEventTypeRatelimitsUpdated:        EventKindInformational,
	ServerEventTypeResponseOutputItemAdded:  EventKindInformational,
	ServerEventTypeResponseOutputItemDone:   EventKindInformational,
	ServerEventTypeResponseContentPartDone:  EventKindInformational,
	ServerEventTypeResponseAudioDone:        EventKindInformational,
	ServerEventTypeResponseOutputAudioDone:  EventKindInformational,
	ServerEventTypeResponseContentPartAdded: EventKindInformational,
}

type eventItem struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Payload any    `json:"payload"`
}

type eventPart struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
	Payload    any    `json:"payload"`
}

type eventError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   any    `json:"param"`
	EventId string `json:"event_id"`
}

// ServerEvent is one parsed inbound message. Fields not used by a given type stay empty.
type ServerEvent struct {
	EventId    string          `json:"event_id"`
	Type       ServerEventType `json:"type"`
	ResponseId string          `json:"response_id"`
	ItemId     string          `json:"item_id"`
	Delta      string          `json:"delta"`
	Text       string          `json:"text"`
	Transcript string          `json:"transcript"`
	Payload    any             `json:"payload"`
	Item       *eventItem      `json:"item"`
	Part       *eventPart      `json:"part"`
	Error      *eventError     `json:"error"`

	Raw []byte `json:"-"`
}

var errMissingType = errors.New("missing type")

// ParseServerEvent decodes one text frame. Failures are *shared.FrameDecodeError.
func ParseServerEvent(data []byte) (*ServerEvent, error) {
	e := new(ServerEvent)
	if err := sonic.Unmarshal(data, e); err != nil {
		return nil, &shared.FrameDecodeError{Reason: "json", Err: err}
	}
	if e.Type == "" {
		return nil, &shared.FrameDecodeError{Reason: "json", Err: errMissingType}
	}
	e.Raw = append([]byte(nil), data...)
	return e, nil
}

// Kind classifies the event. A text content part counts as a response text delta.
func (e *ServerEvent) Kind() EventKind {
	if e.Type == ServerEventTypeResponseContentPartAdded && e.Part != nil && e.Part.Type == "text" {
		return EventKindResponseTextDelta
	}
	if kind, ok := eventKinds[e.Type]; ok {
		return kind
	}
	return EventKindUnknown
}

// TextDelta is the incremental text carried by a delta event.
func (e *ServerEvent) TextDelta() string {
	if e.Delta == "" && e.Part != nil {
		return e.Part.Text
	}
	return e.Delta
}

// audioPayloadLocations lists, in priority order, where servers have put the
// base64 audio of an audio delta.
var audioPayloadLocations = []func(e *ServerEvent) any{
	func(e *ServerEvent) any { return e.Delta },
	func(e *ServerEvent) any { return e.Payload },
	func(e *ServerEvent) any {
		if e.Item == nil {
			return nil
		}
		return e.Item.Payload
	},
	func(e *ServerEvent) any {
		if e.Part == nil {
			return nil
		}
		return e.Part.Payload
	},
}

// AudioPayload returns the first non-empty base64 audio payload.
func (e *ServerEvent) AudioPayload() (string, bool) {
	for _, locate := range audioPayloadLocations {
		if s, ok := locate(e).(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// RemoteError converts an error event into a *shared.RemoteError.
func (e *ServerEvent) RemoteError() *shared.RemoteError {
	if e.Error == nil {
		return &shared.RemoteError{Message: "an error occurred with the voice service"}
	}
	msg := e.Error.Message
	if msg == "" {
		msg = "an error occurred with the voice service"
	}
	return &shared.RemoteError{Type: e.Error.Type, Code: e.Error.Code, Message: msg}
}

// ClientEvent is an outbound JSON control message.
type ClientEvent interface {
	EventType() ClientEventType
}

type SessionParams struct {
	Modalities   []string `json:"modalities"`
	Model        string   `json:"model"`
	Voice        string   `json:"voice"`
	Instructions string   `json:"instructions,omitempty"`
}

type SessionUpdateEvent struct {
	Type    ClientEventType `json:"type"`
	Session SessionParams   `json:"session"`
}

func (e *SessionUpdateEvent) EventType() ClientEventType { return e.Type }

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type ConversationItemCreateEvent struct {
	Type ClientEventType  `json:"type"`
	Item ConversationItem `json:"item"`
}

func (e *ConversationItemCreateEvent) EventType() ClientEventType { return e.Type }

type ResponseCreateEvent struct {
	Type ClientEventType `json:"type"`
}

func (e *ResponseCreateEvent) EventType() ClientEventType { return e.Type }

func NewSessionUpdate(cfg SessionConfig) *SessionUpdateEvent {
	return &SessionUpdateEvent{
		Type: ClientEventTypeSessionUpdate,
		Session: SessionParams{
			Modalities:   []string{"text", "audio"},
			Model:        cfg.Model,
			Voice:        string(cfg.Voice),
			Instructions: cfg.Instructions,
		},
	}
}

// NewSeedItem is the synthetic user turn that makes the agent speak first.
func NewSeedItem(text string) *ConversationItemCreateEvent {
	return &ConversationItemCreateEvent{
		Type: ClientEventTypeConversationItemCreate,
		Item: ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

func NewResponseCreate() *ResponseCreateEvent {
	return &ResponseCreateEvent{Type: ClientEventTypeResponseCreate}
}

// openingSequence is sent, in order, once the transport is open.
func openingSequence(cfg SessionConfig) []ClientEvent {
	return []ClientEvent{
		NewSessionUpdate(cfg),
		NewSeedItem(cfg.SeedText),
		NewResponseCreate(),
	}
}

func marshalClientEvent(e ClientEvent) ([]byte, error) {
	b, err := sonic.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", e.EventType(), err)
	}
	return b, nil
}
