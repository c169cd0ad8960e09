package realtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bt-bridge/voice-agent/shared"
	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOffer = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\n"

type callsRequest struct {
	path    string
	query   string
	apiKey  string
	bearer  string
	sdp     string
	sdpType string
	session map[string]any
}

// newCallsServer answers the SDP exchange with status and answer, recording each request.
func newCallsServer(t *testing.T, status int, answer string) (*httptest.Server, chan callsRequest) {
	t.Helper()
	requests := make(chan callsRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := callsRequest{
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			apiKey: r.Header.Get("api-key"),
			bearer: r.Header.Get("Authorization"),
		}
		mr, err := r.MultipartReader()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(part)
			switch part.FormName() {
			case "sdp":
				req.sdp = string(data)
				req.sdpType = part.Header.Get("Content-Type")
			case "session":
				if err := sonic.Unmarshal(data, &req.session); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
			}
		}
		requests <- req
		w.WriteHeader(status)
		_, _ = w.Write([]byte(answer))
	}))
	t.Cleanup(srv.Close)
	return srv, requests
}

func callsConfig(endpoint string) SessionConfig {
	cfg := validConfig()
	cfg.Endpoint = endpoint
	cfg.Instructions = "Keep answers short."
	return cfg.WithDefaults()
}

func exchange(ctx context.Context, cfg SessionConfig) (string, error) {
	callsURL, err := cfg.CallsURL()
	if err != nil {
		return "", err
	}
	tr := &webrtcTransport{logger: shared.NewNopLogger()}
	return tr.exchangeSDP(ctx, callsURL, cfg, testOffer)
}

func TestWebRTCExchangeSDPSendsOfferAndSession(t *testing.T) {
	srv, requests := newCallsServer(t, http.StatusCreated, "answer-sdp")
	cfg := callsConfig(srv.URL)

	answer, err := exchange(t.Context(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "answer-sdp", answer)

	req := waitFor(t, requests)
	assert.Equal(t, "/openai/realtime/calls", req.path)
	assert.Contains(t, req.query, "deployment=gpt-4o-realtime")
	assert.Equal(t, "s3cr3t/key", req.apiKey)
	assert.Equal(t, "Bearer s3cr3t/key", req.bearer)
	assert.Equal(t, testOffer, req.sdp)
	assert.Equal(t, "application/sdp", req.sdpType)
	assert.Equal(t, cfg.Model, req.session["model"])
	assert.Equal(t, "Keep answers short.", req.session["instructions"])
}

func TestWebRTCExchangeSDPStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "created", status: http.StatusCreated},
		{name: "ok", status: http.StatusOK},
		{name: "unauthorized", status: http.StatusUnauthorized, wantErr: true},
		{name: "server error", status: http.StatusInternalServerError, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newCallsServer(t, tt.status, "v=0 answer")
			answer, err := exchange(t.Context(), callsConfig(srv.URL))
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "unexpected status code")
				assert.Empty(t, answer)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "v=0 answer", answer)
		})
	}
}

func TestWebRTCExchangeSDPCancelledReturnsCause(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		entered <- struct{}{}
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("late answer"))
	}))
	t.Cleanup(srv.Close)
	defer close(release)

	cause := errors.New("stopped during negotiation")
	ctx, cancel := context.WithCancelCause(t.Context())
	errC := make(chan error, 1)
	go func() {
		_, err := exchange(ctx, callsConfig(srv.URL))
		errC <- err
	}()
	waitFor(t, entered)
	cancel(cause)

	assert.ErrorIs(t, waitFor(t, errC), cause)
}

func newTestWebRTCTransport(t *testing.T, h *handlerRecorder) *webrtcTransport {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	_, cancel := context.WithCancelCause(t.Context())
	return &webrtcTransport{
		logger:   shared.NewNopLogger(),
		handlers: h.handlers(),
		cancel:   cancel,
		state:    transportOpen,
		pc:       pc,
	}
}

func TestWebRTCTransportCloseSilencesLaterFailures(t *testing.T) {
	h := newHandlerRecorder()
	tr := newTestWebRTCTransport(t, h)

	require.NoError(t, tr.Close())
	assert.False(t, tr.IsOpen())
	tr.remoteClosed()
	tr.fail(&shared.TransportError{Op: "read", Err: errors.New("peer connection failed")})

	select {
	case err := <-h.closed:
		t.Fatalf("OnClose called after local close: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	err := tr.Send(NewResponseCreate())
	assert.ErrorIs(t, err, shared.ErrTransportNotOpen)
	assert.ErrorIs(t, tr.SendBinary([]byte{1, 2}), shared.ErrTransportNotOpen)
}

func TestWebRTCTransportReportsCloseOnce(t *testing.T) {
	tests := []struct {
		name    string
		trigger func(tr *webrtcTransport)
		wantErr bool
	}{
		{
			name:    "remote close",
			trigger: func(tr *webrtcTransport) { tr.remoteClosed() },
		},
		{
			name: "failure",
			trigger: func(tr *webrtcTransport) {
				tr.fail(&shared.TransportError{Op: "read", Err: errors.New("peer connection failed")})
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandlerRecorder()
			tr := newTestWebRTCTransport(t, h)

			tt.trigger(tr)
			err := waitFor(t, h.closed)
			if tt.wantErr {
				assert.True(t, shared.IsFatal(err))
			} else {
				assert.NoError(t, err)
			}

			tr.remoteClosed()
			tr.fail(errors.New("again"))
			require.NoError(t, tr.Close())
			assert.Empty(t, h.closed)
			assert.False(t, tr.IsOpen())
		})
	}
}

func TestWebRTCDialerRejectsBadEndpoint(t *testing.T) {
	cfg := validConfig()
	cfg.Endpoint = "ftp://example.com"
	_, err := NewWebRTCDialer(nil).Dial(t.Context(), cfg, newHandlerRecorder().handlers())
	var cfgErr *shared.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Error(), "scheme")
}
