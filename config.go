package realtime

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/bt-bridge/voice-agent/shared"
	oairt "github.com/openai/openai-go/v3/realtime"
)

// Voice identifies a synthesized output voice.
type Voice = oairt.RealtimeAudioConfigOutputVoice

const (
	VoiceAlloy   Voice = "alloy"
	VoiceAsh     Voice = "ash"
	VoiceBallad  Voice = "ballad"
	VoiceCoral   Voice = "coral"
	VoiceEcho    Voice = "echo"
	VoiceFable   Voice = "fable"
	VoiceOnyx    Voice = "onyx"
	VoiceNova    Voice = "nova"
	VoiceSage    Voice = "sage"
	VoiceShimmer Voice = "shimmer"
	VoiceVerse   Voice = "verse"
)

// Realtime model ids accepted by the endpoint.
const (
	ModelGPT4oRealtimePreview             = "gpt-4o-realtime-preview"
	ModelGPT4oRealtimePreview20241001     = "gpt-4o-realtime-preview-2024-10-01"
	ModelGPT4oRealtimePreview20241217     = "gpt-4o-realtime-preview-2024-12-17"
	ModelGPT4oMiniRealtimePreview         = "gpt-4o-mini-realtime-preview"
	ModelGPT4oMiniRealtimePreview20241217 = "gpt-4o-mini-realtime-preview-2024-12-17"
)

type TransportKind string

const (
	TransportWebSocket TransportKind = "websocket"
	TransportWebRTC    TransportKind = "webrtc"
)

const (
	DefaultAPIVersion = "2025-04-01-preview"
	DefaultModel      = ModelGPT4oRealtimePreview
	DefaultVoice      = VoiceAlloy
	DefaultSeedText   = "Please assist the user"

	realtimePath = "/openai/realtime"
)

// SessionConfig is fixed for the lifetime of a session.
type SessionConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"-"`
	APIVersion string `yaml:"api_version"`
	Deployment string `yaml:"deployment"`
	Model      string `yaml:"model"`
	Voice      Voice  `yaml:"voice"`

	// Instructions is the persona seed sent with session.update.
	Instructions string        `yaml:"instructions,omitempty"`
	SeedText     string        `yaml:"seed_text"`
	Transport    TransportKind `yaml:"transport"`
}

// WithDefaults fills every optional field that is empty.
func (c SessionConfig) WithDefaults() SessionConfig {
	if c.APIVersion == "" {
		c.APIVersion = DefaultAPIVersion
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.SeedText == "" {
		c.SeedText = DefaultSeedText
	}
	if c.Transport == "" {
		c.Transport = TransportWebSocket
	}
	return c
}

// Validate checks the preconditions for starting a session.
func (c SessionConfig) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return &shared.ConfigurationError{Field: "api_key", Err: shared.ErrNoAPIKey}
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		return &shared.ConfigurationError{Field: "endpoint", Err: shared.ErrNoEndpoint}
	}
	if strings.TrimSpace(c.Deployment) == "" {
		return &shared.ConfigurationError{Field: "deployment", Err: shared.ErrNoDeployment}
	}
	switch c.Transport {
	case "", TransportWebSocket, TransportWebRTC:
	default:
		return &shared.ConfigurationError{Field: "transport", Err: fmt.Errorf("unknown transport %q", c.Transport)}
	}
	return nil
}

// WebSocketURL upcasts the HTTP(S) endpoint to WS(S) and carries the deployment,
// api version and credential as query parameters. Never log it, use RedactedURL.
func (c SessionConfig) WebSocketURL() (string, error) {
	u, err := url.Parse(strings.TrimSpace(c.Endpoint))
	if err != nil {
		return "", &shared.ConfigurationError{Field: "endpoint", Err: fmt.Errorf("parsing endpoint: %w", err)}
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", &shared.ConfigurationError{Field: "endpoint", Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return "", &shared.ConfigurationError{Field: "endpoint", Err: fmt.Errorf("endpoint %q has no host", c.Endpoint)}
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + realtimePath
	q := url.Values{}
	q.Set("api-version", c.WithDefaults().APIVersion)
	q.Set("deployment", c.Deployment)
	q.Set("api-key", c.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RedactedURL is WebSocketURL with the credential hidden.
func (c SessionConfig) RedactedURL() string {
	raw, err := c.WebSocketURL()
	if err != nil {
		return ""
	}
	return shared.RedactURL(raw, c.APIKey)
}
