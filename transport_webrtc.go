package realtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"strings"
	"sync"

	"github.com/bt-bridge/voice-agent/shared"
	"github.com/openai/openai-go/v3/packages/param"
	oairt "github.com/openai/openai-go/v3/realtime"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	dataChannelLabel = "oai"
	callsPath        = "/calls"
)

// WebRTCDialer negotiates a peer connection through the calls endpoint. Control
// events and microphone chunks share the "oai" data channel, synthesized speech
// arrives as a remote opus track.
type WebRTCDialer struct {
	Logger shared.LoggerAdapter
}

func NewWebRTCDialer(logger shared.LoggerAdapter) *WebRTCDialer {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &WebRTCDialer{Logger: logger}
}

type webrtcTransport struct {
	callbackRegistry

	logger   shared.LoggerAdapter
	handlers TransportHandlers
	cancel   context.CancelCauseFunc

	mu    sync.Mutex
	state transportState
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel

	closeOnce sync.Once
}

// CallsURL is the SDP exchange endpoint. Never log it, use RedactURL.
func (c SessionConfig) CallsURL() (string, error) {
	u, err := url.Parse(strings.TrimSpace(c.Endpoint))
	if err != nil {
		return "", &shared.ConfigurationError{Field: "endpoint", Err: fmt.Errorf("parsing endpoint: %w", err)}
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "http"
	case "https", "wss":
		u.Scheme = "https"
	default:
		return "", &shared.ConfigurationError{Field: "endpoint", Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + realtimePath + callsPath
	q := url.Values{}
	q.Set("api-version", c.WithDefaults().APIVersion)
	q.Set("deployment", c.Deployment)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sessionParam is the session part of the SDP exchange.
func (c SessionConfig) sessionParam() *oairt.RealtimeSessionCreateRequestParam {
	p := &oairt.RealtimeSessionCreateRequestParam{
		Model: c.Model,
		Audio: oairt.RealtimeAudioConfigParam{
			Input: oairt.RealtimeAudioConfigInputParam{
				Format: oairt.RealtimeAudioFormatsUnionParam{
					OfAudioPCM: &oairt.RealtimeAudioFormatsAudioPCMParam{
						Rate: 24000,
						Type: "audio/pcm",
					},
				},
			},
			Output: oairt.RealtimeAudioConfigOutputParam{
				Voice: c.Voice,
			},
		},
	}
	if c.Instructions != "" {
		p.Instructions = param.NewOpt(c.Instructions)
	}
	return p
}

func (d *WebRTCDialer) Dial(ctx context.Context, cfg SessionConfig, handlers TransportHandlers) (Transport, error) {
	callsURL, err := cfg.CallsURL()
	if err != nil {
		return nil, err
	}
	logger := d.Logger
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	t := &webrtcTransport{
		logger:   logger.With(zap.String("transport", string(TransportWebRTC))),
		handlers: handlers,
		cancel:   cancel,
		state:    transportConnecting,
	}

	t.pc, err = webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		cancel(err)
		return nil, &shared.TransportError{Op: "dial", Err: fmt.Errorf("creating peer connection: %w", err)}
	}
	if _, err = t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		t.abort(err)
		return nil, &shared.TransportError{Op: "dial", Err: fmt.Errorf("adding audio transceiver: %w", err)}
	}
	t.dc, err = t.pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		t.abort(err)
		return nil, &shared.TransportError{Op: "dial", Err: fmt.Errorf("creating data channel: %w", err)}
	}
	t.wire()

	t.logger.Info("connecting", zap.String("url", shared.RedactURL(callsURL, cfg.APIKey)))
	go t.negotiate(ctx, callsURL, cfg)
	return t, nil
}

func (t *webrtcTransport) wire() {
	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Trace("peer connection state changed", zap.String("new", state.String()))
		switch state {
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			t.fail(&shared.TransportError{Op: "read", Err: fmt.Errorf("peer connection %s", state)})
		case webrtc.PeerConnectionStateClosed:
			t.remoteClosed()
		}
	})
	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		t.logger.Info("received remote track", zap.String("codec", track.Codec().MimeType))
		if t.handlers.OnRemoteTrack != nil && t.IsOpen() {
			go t.handlers.OnRemoteTrack(track)
		}
	})
	t.dc.OnOpen(func() {
		t.mu.Lock()
		if t.state != transportConnecting {
			t.mu.Unlock()
			return
		}
		t.state = transportOpen
		t.mu.Unlock()
		t.logger.Info("data channel opened")
		if t.handlers.OnOpen != nil {
			t.handlers.OnOpen()
		}
	})
	t.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			t.logger.Warn("received non-string message on data channel")
			return
		}
		if t.handlers.OnMessage != nil && t.IsOpen() {
			t.handlers.OnMessage(msg.Data)
		}
	})
	t.dc.OnClose(func() {
		t.remoteClosed()
	})
}

func (t *webrtcTransport) negotiate(ctx context.Context, callsURL string, cfg SessionConfig) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		t.fail(&shared.TransportError{Op: "dial", Err: fmt.Errorf("creating offer: %w", err)})
		return
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err = t.pc.SetLocalDescription(offer); err != nil {
		t.fail(&shared.TransportError{Op: "dial", Err: fmt.Errorf("setting local description: %w", err)})
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-gathered:
	}
	answer, err := t.exchangeSDP(ctx, callsURL, cfg, t.pc.LocalDescription().SDP)
	if err != nil {
		t.fail(&shared.TransportError{Op: "dial", Err: err})
		return
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		t.fail(&shared.TransportError{Op: "dial", Err: fmt.Errorf("setting remote description: %w", err)})
	}
}

func (t *webrtcTransport) exchangeSDP(ctx context.Context, callsURL string, cfg SessionConfig, offer string) (string, error) {
	sessBytes, err := cfg.sessionParam().MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshaling session: %w", err)
	}
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	sdpHeaders := textproto.MIMEHeader{}
	sdpHeaders.Set("Content-Disposition", `form-data; name="sdp"`)
	sdpHeaders.Set("Content-Type", "application/sdp")
	sdpPart, err := writer.CreatePart(sdpHeaders)
	if err != nil {
		return "", fmt.Errorf("creating SDP part: %w", err)
	}
	if _, err = sdpPart.Write([]byte(offer)); err != nil {
		return "", fmt.Errorf("writing SDP part: %w", err)
	}

	sessionHeaders := textproto.MIMEHeader{}
	sessionHeaders.Set("Content-Disposition", `form-data; name="session"`)
	sessionHeaders.Set("Content-Type", "application/json")
	sessionPart, err := writer.CreatePart(sessionHeaders)
	if err != nil {
		return "", fmt.Errorf("creating session part: %w", err)
	}
	if _, err = sessionPart.Write(sessBytes); err != nil {
		return "", fmt.Errorf("writing session part: %w", err)
	}
	if err = writer.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI(callsURL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("api-key", cfg.APIKey)
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.SetBody(body.Bytes())

	// req and resp belong to the request goroutine until Do returns.
	resC := make(chan sdpAnswer, 1)
	go func() {
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		resC <- readSDPAnswer(fasthttp.Do(req, resp), resp)
	}()
	select {
	case <-ctx.Done():
		return "", context.Cause(ctx)
	case res := <-resC:
		return res.sdp, res.err
	}
}

type sdpAnswer struct {
	sdp string
	err error
}

func readSDPAnswer(err error, resp *fasthttp.Response) sdpAnswer {
	if err != nil {
		return sdpAnswer{err: fmt.Errorf("performing HTTP request: %w", err)}
	}
	if code := resp.StatusCode(); code != fasthttp.StatusCreated && code != fasthttp.StatusOK {
		return sdpAnswer{err: fmt.Errorf("unexpected status code: %d, body: %s", code, string(resp.Body()))}
	}
	return sdpAnswer{sdp: string(resp.Body())}
}

func (t *webrtcTransport) fail(err error) {
	t.mu.Lock()
	if t.state == transportClosed {
		t.mu.Unlock()
		return
	}
	t.state = transportClosed
	t.mu.Unlock()
	t.logger.Error("peer connection failed", err)
	t.abort(err)
	if t.handlers.OnClose != nil {
		t.handlers.OnClose(err)
	}
}

func (t *webrtcTransport) remoteClosed() {
	t.mu.Lock()
	if t.state == transportClosed {
		t.mu.Unlock()
		return
	}
	t.state = transportClosed
	t.mu.Unlock()
	t.logger.Info("connection closed by remote")
	t.abort(errors.New("closed by remote"))
	if t.handlers.OnClose != nil {
		t.handlers.OnClose(nil)
	}
}

// abort releases the peer connection off the calling goroutine, pion callbacks
// must not block on Close.
func (t *webrtcTransport) abort(cause error) {
	t.cancel(cause)
	t.closeOnce.Do(func() {
		go func() {
			if err := t.pc.Close(); err != nil {
				t.logger.Error("closing peer connection failed", err)
			}
		}()
	})
}

func (t *webrtcTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == transportOpen
}

func (t *webrtcTransport) Send(event ClientEvent) error {
	data, err := marshalClientEvent(event)
	if err != nil {
		return &shared.TransportError{Op: "send", Err: err}
	}
	if !t.IsOpen() {
		return &shared.TransportError{Op: "send", Err: shared.ErrTransportNotOpen}
	}
	if err := t.dc.SendText(string(data)); err != nil {
		return &shared.TransportError{Op: "send", Err: err}
	}
	t.logger.Debug("sent event", zap.String("type", string(event.EventType())))
	return nil
}

func (t *webrtcTransport) SendBinary(data []byte) error {
	if !t.IsOpen() {
		return &shared.TransportError{Op: "send", Err: shared.ErrTransportNotOpen}
	}
	if err := t.dc.Send(data); err != nil {
		return &shared.TransportError{Op: "send", Err: err}
	}
	return nil
}

func (t *webrtcTransport) Close() error {
	t.mu.Lock()
	prev := t.state
	t.state = transportClosed
	t.mu.Unlock()
	if prev != transportClosed {
		t.logger.Info("connection closed", zap.String("prev", prev.String()))
	}
	t.abort(errors.New("closed locally"))
	return nil
}
