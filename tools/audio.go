package tools

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/bt-bridge/voice-agent/shared"
	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// AudioBuffer is a bounded byte queue between a producer and a blocking reader.
// When full, the oldest bytes are dropped.
type AudioBuffer struct {
	buffer []byte
	mu     sync.Mutex
	cond   *sync.Cond
	size   int
	cap    int
	closed bool
}

func NewAudioBuffer(fixedCap int) *AudioBuffer {
	ab := &AudioBuffer{
		buffer: make([]byte, 0, fixedCap),
		cap:    fixedCap,
	}
	ab.cond = sync.NewCond(&ab.mu)
	return ab
}

func (ab *AudioBuffer) Write(data []byte) (dropped int) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if ab.closed {
		return len(data)
	}
	if len(data) > ab.cap {
		dropped = len(data) - ab.cap
		data = data[dropped:]
	}
	if ab.size+len(data) > ab.cap {
		drop := ab.size + len(data) - ab.cap
		ab.buffer = ab.buffer[drop:]
		ab.size -= drop
		dropped += drop
	}
	ab.buffer = append(ab.buffer, data...)
	ab.size += len(data)
	ab.cond.Signal()
	return dropped
}

// Read blocks until data is available. It returns io.EOF once the buffer is closed and drained.
func (ab *AudioBuffer) Read(p []byte) (n int, err error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	for ab.size == 0 {
		if ab.closed {
			return 0, io.EOF
		}
		ab.cond.Wait()
	}
	n = copy(p, ab.buffer)
	ab.buffer = ab.buffer[n:]
	ab.size -= n
	return n, nil
}

func (ab *AudioBuffer) Len() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.size
}

// Close wakes blocked readers. Queued bytes can still be read.
func (ab *AudioBuffer) Close() error {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.closed = true
	ab.cond.Broadcast()
	return nil
}

// PlayRemoteAudio decodes the opus RTP stream of a remote WebRTC track into playback
// until the track ends, ctx is done or playback is closed.
func PlayRemoteAudio(ctx context.Context, logger shared.LoggerAdapter, track *webrtc.TrackRemote, playback PlaybackContext, opts PlaybackOptions) {
	codec := track.Codec()
	logger.Info("playing remote audio",
		zap.String("codec", codec.MimeType),
		zap.Uint32("clockRate", codec.ClockRate),
		zap.Int("sampleRate", opts.SampleRate),
		zap.Int("channels", opts.Channels),
	)
	// opus decodes to any of its supported rates, so decode straight to the playback format.
	decoder, err := opus.NewDecoder(opts.SampleRate, opts.Channels)
	if err != nil {
		logger.Error("creating Opus decoder", err)
		return
	}
	pcm := make([]int16, FrameSamples(120*time.Millisecond, opts.SampleRate, opts.Channels))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		rtp, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Error("reading RTP packet", err)
			}
			return
		}
		if len(rtp.Payload) == 0 {
			continue
		}
		n, err := decoder.Decode(rtp.Payload, pcm)
		if err != nil {
			logger.Warn("decoding Opus", zap.Error(err))
			continue
		}
		if err := playback.Enqueue(Int16ToPCM(pcm[:n*opts.Channels])); err != nil {
			if errors.Is(err, shared.ErrPlaybackClosed) {
				return
			}
			logger.Warn("queueing remote audio", zap.Error(err))
		}
	}
}
