package tools

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bt-bridge/voice-agent/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/wave"
	"go.uber.org/zap"
)

// Recorder emits captured audio in chunks at a fixed interval.
// Stop does not wait for in-flight callbacks, so a final chunk may still be delivered.
type Recorder interface {
	Start(onData func(chunk []byte), onError func(err error)) error
	Stop() error
	Active() bool
}

type frameReader func() ([]byte, error)

type trackRecorder struct {
	logger   shared.LoggerAdapter
	track    mediadevices.Track
	mimeType string
	interval time.Duration

	mu          sync.Mutex
	active      bool
	stopped     bool
	stop        chan struct{}
	pending     []byte
	closeReader func() error
}

func newTrackRecorder(logger shared.LoggerAdapter, track mediadevices.Track, mimeType string, interval time.Duration) *trackRecorder {
	return &trackRecorder{
		logger:   logger.With(zap.String("mimeType", mimeType), zap.Duration("interval", interval)),
		track:    track,
		mimeType: mimeType,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

func (r *trackRecorder) Start(onData func(chunk []byte), onError func(err error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return shared.ErrRecorderInactive
	}
	if r.active {
		return errors.New("recorder already started")
	}
	read, err := r.openReader()
	if err != nil {
		return err
	}
	r.active = true
	go r.readLoop(read, onError)
	go r.flushLoop(onData)
	r.logger.Debug("recorder started")
	return nil
}

func (r *trackRecorder) openReader() (frameReader, error) {
	if r.mimeType == ContainerPCM {
		audioTrack, ok := r.track.(*mediadevices.AudioTrack)
		if !ok {
			return nil, fmt.Errorf("track %s does not provide raw audio", r.track.ID())
		}
		reader := audioTrack.NewReader(false)
		return func() ([]byte, error) {
			chunk, release, err := reader.Read()
			if err != nil {
				return nil, err
			}
			defer release()
			return wavePCM(chunk)
		}, nil
	}
	reader, err := r.track.NewEncodedReader(r.mimeType)
	if err != nil {
		return nil, fmt.Errorf("creating media track reader: %w", err)
	}
	r.closeReader = reader.Close
	return func() ([]byte, error) {
		buf, release, err := reader.Read()
		if err != nil {
			return nil, err
		}
		defer release()
		if buf.Samples == 0 {
			return nil, nil
		}
		return append([]byte(nil), buf.Data...), nil
	}, nil
}

func wavePCM(chunk wave.Audio) ([]byte, error) {
	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		return Int16ToPCM(c.Data), nil
	case *wave.Float32Interleaved:
		return Float32ToPCM(c.Data), nil
	default:
		return nil, fmt.Errorf("unsupported sample format %T", chunk)
	}
}

func (r *trackRecorder) readLoop(read frameReader, onError func(err error)) {
	for {
		select {
		case <-r.stop:
			return
		default:
		}
		data, err := read()
		if err != nil {
			if errors.Is(err, io.EOF) || !r.Active() {
				return
			}
			r.logger.Error("reading from media track", err)
			if err := r.Stop(); err != nil {
				r.logger.Warn("stopping recorder after read failure", zap.Error(err))
			}
			if onError != nil {
				onError(err)
			}
			return
		}
		if len(data) == 0 {
			continue
		}
		r.mu.Lock()
		r.pending = append(r.pending, data...)
		r.mu.Unlock()
	}
}

func (r *trackRecorder) flushLoop(onData func(chunk []byte)) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			chunk := r.pending
			r.pending = nil
			r.mu.Unlock()
			if len(chunk) > 0 && onData != nil {
				onData(chunk)
			}
		}
	}
}

func (r *trackRecorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *trackRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil
	}
	r.stopped = true
	r.active = false
	r.pending = nil
	close(r.stop)
	if r.closeReader != nil {
		if err := r.closeReader(); err != nil {
			return fmt.Errorf("closing media track reader: %w", err)
		}
	}
	r.logger.Debug("recorder stopped")
	return nil
}
