package tools

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/bt-bridge/voice-agent/shared"
	"go.uber.org/zap"
)

var (
	errEmptyPayload = errors.New("empty audio payload")
	errOddPayload   = errors.New("pcm16 payload has an odd byte count")
)

// DecodeAudioPayload turns a base64 pcm16 audio delta into raw PCM bytes.
func DecodeAudioPayload(payload string) ([]byte, error) {
	if payload == "" {
		return nil, &shared.FrameDecodeError{Reason: "audio", Err: errEmptyPayload}
	}
	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, &shared.FrameDecodeError{Reason: "audio", Err: fmt.Errorf("decoding base64: %w", err)}
	}
	if len(pcm)%2 != 0 {
		return nil, &shared.FrameDecodeError{Reason: "audio", Err: errOddPayload}
	}
	return pcm, nil
}

// ChunkDecoder plays base64 audio deltas as they arrive. A bad chunk is logged and skipped.
type ChunkDecoder struct {
	logger   shared.LoggerAdapter
	playback PlaybackContext
	metrics  *shared.Metrics
}

func NewChunkDecoder(logger shared.LoggerAdapter, playback PlaybackContext, metrics *shared.Metrics) *ChunkDecoder {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &ChunkDecoder{logger: logger, playback: playback, metrics: metrics}
}

// Play decodes and queues one delta. Failures are logged and counted, never returned.
func (d *ChunkDecoder) Play(payload string) {
	pcm, err := DecodeAudioPayload(payload)
	if err != nil {
		d.logger.Warn("skipping undecodable audio chunk", zap.Error(err), zap.Int("payloadLen", len(payload)))
		d.metrics.FrameFailed("audio")
		return
	}
	if err := d.playback.Enqueue(pcm); err != nil {
		d.logger.Warn("queueing audio chunk", zap.Error(err), zap.Int("bytes", len(pcm)))
		return
	}
	d.metrics.AudioChunkPlayed()
}
