package agents

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	pkg "github.com/bt-bridge/voice-agent"
	"github.com/bt-bridge/voice-agent/shared"
	"github.com/bt-bridge/voice-agent/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferHook struct {
	mu sync.Mutex
	strings.Builder
}

func (b *bufferHook) WriteString(s string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Builder.WriteString(s)
}

func (b *bufferHook) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Builder.String()
}

func (b *bufferHook) Close() error { return nil }

type stubRecorder struct{}

func (stubRecorder) Start(func(chunk []byte), func(err error)) error { return nil }
func (stubRecorder) Stop() error                                     { return nil }
func (stubRecorder) Active() bool                                    { return true }

type stubMicrophone struct{}

func (stubMicrophone) NewRecorder(string, time.Duration) (tools.Recorder, error) {
	return stubRecorder{}, nil
}
func (stubMicrophone) Close() error { return nil }

type stubAcquirer struct{ err error }

func (a stubAcquirer) Acquire(context.Context, tools.MicrophoneHints) (tools.Microphone, error) {
	if a.err != nil {
		return nil, a.err
	}
	return stubMicrophone{}, nil
}

type stubPlayback struct{}

func (stubPlayback) Enqueue([]byte) error { return nil }
func (stubPlayback) Close() error         { return nil }

type stubTransport struct {
	mu   sync.Mutex
	open bool
}

func (t *stubTransport) Send(pkg.ClientEvent) error { return nil }
func (t *stubTransport) SendBinary([]byte) error    { return nil }
func (t *stubTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}
func (t *stubTransport) On(eventType pkg.ServerEventType, cb pkg.EventCallback) {}
func (t *stubTransport) Callback(pkg.ServerEventType) pkg.EventCallback         { return nil }
func (t *stubTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = false
	return nil
}

type stubDialer struct {
	handlers pkg.TransportHandlers
}

func (d *stubDialer) Dial(_ context.Context, _ pkg.SessionConfig, h pkg.TransportHandlers) (pkg.Transport, error) {
	d.handlers = h
	return &stubTransport{open: true}, nil
}

func spawnTestAgent(t *testing.T, acquirer tools.MicrophoneAcquirer) (*CLIAgent, *stubDialer, *bufferHook, error) {
	t.Helper()
	hook := new(bufferHook)
	printer, err := shared.NewPrinter("  ", hook)
	require.NoError(t, err)
	profile, err := ParseProfile([]byte(coachProfile))
	require.NoError(t, err)
	dialer := new(stubDialer)

	agent := new(CLIAgent)
	err = agent.Spawn(t.Context(), shared.NewNopLogger(), pkg.SessionConfig{
		Endpoint:   "https://example.openai.azure.com",
		APIKey:     "secret",
		Deployment: "rt",
	}, profile, printer,
		pkg.WithMicrophoneAcquirer(acquirer),
		pkg.WithPlaybackOpener(func() (tools.PlaybackContext, error) { return stubPlayback{}, nil }),
		pkg.WithDialer(dialer),
	)
	return agent, dialer, hook, err
}

func TestCLIAgentPrintsConversation(t *testing.T) {
	agent, dialer, hook, err := spawnTestAgent(t, stubAcquirer{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = agent.Close() })

	assert.Contains(t, hook.String(), "Spawning Ava")
	assert.Contains(t, hook.String(), "voice: shimmer")
	assert.NotContains(t, hook.String(), "secret")

	dialer.handlers.OnOpen()
	for _, frame := range []string{
		`{"type":"response.created"}`,
		`{"type":"response.text.delta","delta":"Hello"}`,
		`{"type":"response.text.delta","delta":" there"}`,
		`{"type":"response.done"}`,
		`{"type":"response.audio_transcript.delta","delta":"Hi"}`,
		`{"type":"response.text.done"}`,
	} {
		dialer.handlers.OnMessage([]byte(frame))
	}
	out := hook.String()
	assert.Contains(t, out, "💬 Ava: Hello there\n")
	assert.Contains(t, out, "📝 Hi")

	require.NoError(t, agent.Close())
	select {
	case <-agent.Done():
	default:
		t.Fatal("agent not done after Close")
	}
	assert.NoError(t, agent.Err())
}

func TestCLIAgentRemoteErrorEndsConversation(t *testing.T) {
	agent, dialer, hook, err := spawnTestAgent(t, stubAcquirer{})
	require.NoError(t, err)
	dialer.handlers.OnOpen()
	dialer.handlers.OnMessage([]byte(`{"type":"error","error":{"message":"quota exceeded"}}`))

	select {
	case <-agent.Done():
	case <-time.After(time.Second):
		t.Fatal("agent still running after a remote error")
	}
	var tErr *shared.TransportError
	assert.ErrorAs(t, agent.Err(), &tErr)
	assert.Contains(t, hook.String(), "quota exceeded")
	assert.False(t, agent.Session().Listening())
}

func TestCLIAgentMicrophoneDenied(t *testing.T) {
	agent, _, hook, err := spawnTestAgent(t, stubAcquirer{err: errors.New("permission denied")})
	var devErr *shared.DeviceAccessError
	require.ErrorAs(t, err, &devErr)
	assert.Contains(t, hook.String(), "Unable to access audio devices")
	select {
	case <-agent.Done():
	default:
		t.Fatal("agent not done after a failed start")
	}
}

func TestCLIAgentSpawnValidatesArguments(t *testing.T) {
	printer, err := shared.NewPrinter("  ", new(bufferHook))
	require.NoError(t, err)
	profile, err := ParseProfile([]byte(coachProfile))
	require.NoError(t, err)

	agent := new(CLIAgent)
	assert.ErrorIs(t, agent.Spawn(t.Context(), nil, pkg.SessionConfig{}, profile, printer), shared.ErrNoLogger)
	assert.ErrorIs(t, agent.Spawn(t.Context(), shared.NewNopLogger(), pkg.SessionConfig{}, nil, printer), shared.ErrNoConfig)
	assert.Error(t, agent.Spawn(t.Context(), shared.NewNopLogger(), pkg.SessionConfig{}, profile, nil))
	assert.NoError(t, agent.Close())
}
