package tools

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/voice-agent/shared"
	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"
)

// PlaybackContext accepts signed 16-bit little-endian PCM for immediate playback.
type PlaybackContext interface {
	Enqueue(pcm []byte) error
	Close() error
}

// PlaybackOpener opens a fresh playback context for one listening session.
type PlaybackOpener func() (PlaybackContext, error)

type PlaybackOptions struct {
	SampleRate  int
	Channels    int
	BufferMs    int
	RingSeconds int
}

// DefaultPlaybackOptions matches the pcm16 24kHz mono output of the realtime endpoint.
func DefaultPlaybackOptions() PlaybackOptions {
	return PlaybackOptions{
		SampleRate:  24000,
		Channels:    1,
		BufferMs:    100,
		RingSeconds: 10,
	}
}

// oto allows a single context per process.
var (
	otoOnce    sync.Once
	otoContext *oto.Context
	otoOpts    PlaybackOptions
	otoErr     error
)

func sharedOtoContext(opts PlaybackOptions) (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   opts.SampleRate,
			ChannelCount: opts.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   time.Duration(opts.BufferMs) * time.Millisecond,
		})
		if err != nil {
			otoErr = fmt.Errorf("creating oto context: %w", err)
			return
		}
		<-ready
		otoContext = ctx
		otoOpts = opts
	})
	return otoContext, otoErr
}

// NewOtoPlaybackOpener plays through the default output device.
func NewOtoPlaybackOpener(logger shared.LoggerAdapter, opts PlaybackOptions) PlaybackOpener {
	return func() (PlaybackContext, error) {
		ctx, err := sharedOtoContext(opts)
		if err != nil {
			return nil, err
		}
		if otoOpts != opts {
			logger.Warn("oto context already created with other options",
				zap.Int("sampleRate", otoOpts.SampleRate),
				zap.Int("channels", otoOpts.Channels),
			)
		}
		buffer := NewAudioBuffer(opts.RingSeconds * opts.SampleRate * opts.Channels * 2)
		player := ctx.NewPlayer(buffer)
		player.Play()
		return &otoPlayback{logger: logger, buffer: buffer, player: player}, nil
	}
}

type otoPlayback struct {
	logger    shared.LoggerAdapter
	buffer    *AudioBuffer
	player    *oto.Player
	closed    atomic.Bool
	closeOnce sync.Once
}

func (p *otoPlayback) Enqueue(pcm []byte) error {
	if p.closed.Load() {
		return shared.ErrPlaybackClosed
	}
	if dropped := p.buffer.Write(pcm); dropped > 0 {
		p.logger.Warn("audio buffer dropped data", zap.Int("droppedBytes", dropped))
	}
	return nil
}

func (p *otoPlayback) Close() (err error) {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		_ = p.buffer.Close()
		err = p.player.Close()
	})
	return err
}
