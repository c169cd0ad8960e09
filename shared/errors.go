package shared

import (
	"errors"
	"fmt"
)

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrNoEndpoint            = errors.New("no endpoint provided")
	ErrNoDeployment          = errors.New("no deployment provided")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrSessionStopped        = errors.New("session stopped while starting")
	ErrTransportNotOpen      = errors.New("transport not open")
	ErrNoAudioTrack          = errors.New("no audio track found in microphone stream")
	ErrRecorderInactive      = errors.New("recorder is not active")
	ErrPlaybackClosed        = errors.New("playback context closed")
)

// ConfigurationError reports a missing or malformed session setting.
// It is a precondition failure and is never retried.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// DeviceAccessError reports that an audio device could not be opened or failed while in use.
type DeviceAccessError struct {
	Device string
	Err    error
}

func (e *DeviceAccessError) Error() string {
	return fmt.Sprintf("device access (%s): %v", e.Device, e.Err)
}

func (e *DeviceAccessError) Unwrap() error { return e.Err }

// TransportError is a socket level failure or an error event sent by the remote endpoint.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FrameDecodeError is a malformed inbound frame or an undecodable audio payload.
type FrameDecodeError struct {
	Reason string
	Err    error
}

func (e *FrameDecodeError) Error() string {
	return fmt.Sprintf("frame decode (%s): %v", e.Reason, e.Err)
}

func (e *FrameDecodeError) Unwrap() error { return e.Err }

// RemoteError carries the error object of an inbound "error" event.
type RemoteError struct {
	Type    string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	if e.Type != "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return e.Message
}

// IsFatal reports whether err ends the current session.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var (
		cfgErr    *ConfigurationError
		deviceErr *DeviceAccessError
		tErr      *TransportError
	)
	return errors.As(err, &cfgErr) || errors.As(err, &deviceErr) || errors.As(err, &tErr)
}

// Category names the error class of err for logs and metrics.
func Category(err error) string {
	var (
		cfgErr    *ConfigurationError
		deviceErr *DeviceAccessError
		tErr      *TransportError
		frameErr  *FrameDecodeError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cfgErr):
		return "configuration"
	case errors.As(err, &deviceErr):
		return "device"
	case errors.As(err, &tErr):
		return "transport"
	case errors.As(err, &frameErr):
		return "frame"
	default:
		return "unknown"
	}
}
