package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bt-bridge/voice-agent/shared"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
)

type EventCallback func(event *ServerEvent)

// TransportHandlers receive the lifecycle of one connection. A dialer never invokes
// them from inside Dial, and never after the transport was closed locally.
// OnClose gets nil for a normal remote closure.
type TransportHandlers struct {
	OnOpen        func()
	OnMessage     func(data []byte)
	OnClose       func(err error)
	OnRemoteTrack func(track *webrtc.TrackRemote)
}

// Transport owns exactly one duplex connection to the realtime endpoint.
type Transport interface {
	Send(event ClientEvent) error
	SendBinary(data []byte) error
	IsOpen() bool
	On(eventType ServerEventType, cb EventCallback)
	Callback(eventType ServerEventType) EventCallback
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, cfg SessionConfig, handlers TransportHandlers) (Transport, error)
}

type callbackRegistry struct {
	mu        sync.RWMutex
	callbacks map[ServerEventType]EventCallback
}

func (r *callbackRegistry) On(eventType ServerEventType, cb EventCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.callbacks == nil {
		r.callbacks = make(map[ServerEventType]EventCallback)
	}
	if cb == nil {
		delete(r.callbacks, eventType)
		return
	}
	r.callbacks[eventType] = cb
}

func (r *callbackRegistry) Callback(eventType ServerEventType) EventCallback {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.callbacks[eventType]
}

type transportState int

const (
	transportConnecting transportState = iota
	transportOpen
	transportClosed
)

func (s transportState) String() string {
	switch s {
	case transportConnecting:
		return "connecting"
	case transportOpen:
		return "open"
	default:
		return "closed"
	}
}

// WebSocketDialer connects with gorilla/websocket.
type WebSocketDialer struct {
	Logger shared.LoggerAdapter
	Header http.Header
}

func NewWebSocketDialer(logger shared.LoggerAdapter) *WebSocketDialer {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &WebSocketDialer{Logger: logger}
}

type wsTransport struct {
	callbackRegistry

	logger   shared.LoggerAdapter
	handlers TransportHandlers
	cancel   context.CancelFunc

	mu    sync.Mutex
	state transportState
	conn  *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial returns at once in the connecting state. The handshake runs in the background.
func (d *WebSocketDialer) Dial(ctx context.Context, cfg SessionConfig, handlers TransportHandlers) (Transport, error) {
	wsURL, err := cfg.WebSocketURL()
	if err != nil {
		return nil, err
	}
	logger := d.Logger
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &wsTransport{
		logger:   logger.With(zap.String("transport", string(TransportWebSocket))),
		handlers: handlers,
		cancel:   cancel,
		state:    transportConnecting,
	}
	t.logger.Info("connecting", zap.String("url", cfg.RedactedURL()))
	go t.connect(ctx, wsURL, d.Header)
	return t, nil
}

func (t *wsTransport) connect(ctx context.Context, wsURL string, header http.Header) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.mu.Lock()
	if t.state == transportClosed {
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		t.state = transportClosed
		t.mu.Unlock()
		t.cancel()
		// the dial error can echo the url, which carries the credential
		t.logger.Warn("websocket dial failed", zap.String("status", statusOf(resp)))
		t.notifyClose(&shared.TransportError{Op: "dial", Err: redactedDialError{status: statusOf(resp)}})
		return
	}
	t.conn = conn
	t.state = transportOpen
	t.mu.Unlock()

	t.logger.Info("connected")
	if t.handlers.OnOpen != nil {
		t.handlers.OnOpen()
	}
	t.readLoop()
}

type redactedDialError struct {
	status string
}

func (e redactedDialError) Error() string {
	if e.status == "" {
		return "websocket handshake failed"
	}
	return "websocket handshake failed: " + e.status
}

func statusOf(resp *http.Response) string {
	if resp == nil {
		return ""
	}
	return resp.Status
}

func (t *wsTransport) readLoop() {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if !t.markClosed() {
				return
			}
			t.cancel()
			_ = t.conn.Close()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Info("connection closed by remote")
				t.notifyClose(nil)
				return
			}
			t.logger.Error("reading message", err)
			t.notifyClose(&shared.TransportError{Op: "read", Err: err})
			return
		}
		switch messageType {
		case websocket.TextMessage:
			if t.handlers.OnMessage != nil && t.IsOpen() {
				t.handlers.OnMessage(data)
			}
		case websocket.BinaryMessage:
			t.logger.Debug("ignoring binary message", zap.Int("bytes", len(data)))
		}
	}
}

// markClosed moves the transport to closed and reports whether this call did it.
func (t *wsTransport) markClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == transportClosed {
		return false
	}
	t.state = transportClosed
	return true
}

func (t *wsTransport) notifyClose(err error) {
	if t.handlers.OnClose != nil {
		t.handlers.OnClose(err)
	}
}

func (t *wsTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == transportOpen
}

func (t *wsTransport) Send(event ClientEvent) error {
	data, err := marshalClientEvent(event)
	if err != nil {
		return &shared.TransportError{Op: "send", Err: err}
	}
	if err := t.write(websocket.TextMessage, data); err != nil {
		return err
	}
	t.logger.Debug("sent event", zap.String("type", string(event.EventType())))
	return nil
}

func (t *wsTransport) SendBinary(data []byte) error {
	return t.write(websocket.BinaryMessage, data)
}

func (t *wsTransport) write(messageType int, data []byte) error {
	t.mu.Lock()
	conn, state := t.conn, t.state
	t.mu.Unlock()
	if state != transportOpen {
		return &shared.TransportError{Op: "send", Err: shared.ErrTransportNotOpen}
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(messageType, data); err != nil {
		return &shared.TransportError{Op: "send", Err: err}
	}
	return nil
}

// Close does not wait for the read loop, so it is safe to call from a handler.
func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		conn, state := t.conn, t.state
		t.state = transportClosed
		t.mu.Unlock()
		t.cancel()
		if conn == nil {
			return
		}
		if state == transportOpen {
			t.writeMu.Lock()
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			t.writeMu.Unlock()
		}
		err = conn.Close()
		t.logger.Info("connection closed", zap.String("prev", state.String()))
	})
	return err
}

func (r *callbackRegistry) copyTo(t Transport) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for eventType, cb := range r.callbacks {
		t.On(eventType, cb)
	}
}
