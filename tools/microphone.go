package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/voice-agent/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"
)

// MicrophoneHints are requested from the host on a best-effort basis.
type MicrophoneHints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	SampleRate       int
	ChannelCount     int
	SampleSize       int
}

// DefaultMicrophoneHints asks for processed pcm16 24kHz mono input.
func DefaultMicrophoneHints() MicrophoneHints {
	return MicrophoneHints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       24000,
		ChannelCount:     1,
		SampleSize:       16,
	}
}

// Microphone is an acquired input device. Close stops every track.
type Microphone interface {
	NewRecorder(mimeType string, interval time.Duration) (Recorder, error)
	Close() error
}

type MicrophoneAcquirer interface {
	Acquire(ctx context.Context, hints MicrophoneHints) (Microphone, error)
}

// MediaDevicesAcquirer opens the default microphone through pion/mediadevices.
type MediaDevicesAcquirer struct {
	logger shared.LoggerAdapter
}

func NewMediaDevicesAcquirer(logger shared.LoggerAdapter) *MediaDevicesAcquirer {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &MediaDevicesAcquirer{logger: logger}
}

type userMediaResult struct {
	stream mediadevices.MediaStream
	err    error
}

func (a *MediaDevicesAcquirer) Acquire(ctx context.Context, hints MicrophoneHints) (Microphone, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, &shared.DeviceAccessError{Device: "microphone", Err: fmt.Errorf("creating opus params: %w", err)}
	}
	// mediadevices has no echo, noise or gain processing properties.
	a.logger.Debug("microphone processing hints not honored by host",
		zap.Bool("echoCancellation", hints.EchoCancellation),
		zap.Bool("noiseSuppression", hints.NoiseSuppression),
		zap.Bool("autoGainControl", hints.AutoGainControl),
	)

	resC := make(chan userMediaResult, 1)
	go func() {
		stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Audio: func(c *mediadevices.MediaTrackConstraints) {
				if hints.SampleRate > 0 {
					c.SampleRate = prop.Int(hints.SampleRate)
				}
				if hints.ChannelCount > 0 {
					c.ChannelCount = prop.Int(hints.ChannelCount)
				}
				if hints.SampleSize > 0 {
					c.SampleSize = prop.Int(hints.SampleSize)
				}
			},
			Codec: mediadevices.NewCodecSelector(
				mediadevices.WithAudioEncoders(&opusParams),
			),
		})
		resC <- userMediaResult{stream: stream, err: err}
	}()

	var res userMediaResult
	select {
	case <-ctx.Done():
		// Release the device if it is granted after the caller gave up.
		go func() {
			if late := <-resC; late.err == nil && late.stream != nil {
				stopTracks(a.logger, late.stream)
			}
		}()
		return nil, &shared.DeviceAccessError{Device: "microphone", Err: ctx.Err()}
	case res = <-resC:
	}
	if res.err != nil {
		return nil, &shared.DeviceAccessError{Device: "microphone", Err: res.err}
	}
	tracks := res.stream.GetAudioTracks()
	if len(tracks) == 0 {
		stopTracks(a.logger, res.stream)
		return nil, &shared.DeviceAccessError{Device: "microphone", Err: shared.ErrNoAudioTrack}
	}
	a.logger.Info("microphone stream obtained", zap.String("trackId", tracks[0].ID()))
	return &mediaDevicesMicrophone{
		logger:  a.logger,
		stream:  res.stream,
		track:   tracks[0],
		latency: time.Duration(opusParams.Latency),
	}, nil
}

func stopTracks(logger shared.LoggerAdapter, stream mediadevices.MediaStream) {
	for _, track := range stream.GetTracks() {
		if err := track.Close(); err != nil {
			logger.Warn("stopping media track", zap.Error(err), zap.String("trackId", track.ID()))
		}
	}
}

type mediaDevicesMicrophone struct {
	logger  shared.LoggerAdapter
	stream  mediadevices.MediaStream
	track   mediadevices.Track
	latency time.Duration

	mu     sync.Mutex
	closed bool
}

var (
	_ Microphone       = (*mediaDevicesMicrophone)(nil)
	_ CapabilityProber = (*mediaDevicesMicrophone)(nil)
)

// IsTypeSupported reports the formats this track can be recorded in.
func (m *mediaDevicesMicrophone) IsTypeSupported(mimeType string) bool {
	switch mimeType {
	case ContainerPCM:
		_, ok := m.track.(*mediadevices.AudioTrack)
		return ok
	case ContainerOpus:
		return true
	default:
		return false
	}
}

func (m *mediaDevicesMicrophone) NewRecorder(mimeType string, interval time.Duration) (Recorder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("microphone already released")
	}
	if interval <= 0 {
		interval = m.latency
	}
	return newTrackRecorder(m.logger, m.track, mimeType, interval), nil
}

func (m *mediaDevicesMicrophone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	stopTracks(m.logger, m.stream)
	return nil
}
