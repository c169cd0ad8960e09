package tools

import (
	"github.com/bt-bridge/voice-agent/shared"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Recording formats understood by the recorders in this package.
const (
	ContainerPCM  = "audio/pcm"
	ContainerOpus = webrtc.MimeTypeOpus

	// FallbackContainer is returned when nothing in the preference list is supported.
	FallbackContainer = ContainerPCM
)

// DefaultContainerPreferences lists recording formats in order of preference.
var DefaultContainerPreferences = []string{
	ContainerPCM,
	ContainerOpus,
}

// CapabilityProber reports whether the host can record in a given format.
type CapabilityProber interface {
	IsTypeSupported(mimeType string) bool
}

type CapabilityProberFunc func(mimeType string) bool

func (f CapabilityProberFunc) IsTypeSupported(mimeType string) bool { return f(mimeType) }

// StaticProber supports a fixed set of formats.
type StaticProber map[string]struct{}

func NewStaticProber(mimeTypes ...string) StaticProber {
	p := make(StaticProber, len(mimeTypes))
	for _, m := range mimeTypes {
		p[m] = struct{}{}
	}
	return p
}

func (p StaticProber) IsTypeSupported(mimeType string) bool {
	_, ok := p[mimeType]
	return ok
}

// SelectContainer returns the first entry of preferences the prober supports,
// or FallbackContainer. It never fails.
func SelectContainer(prober CapabilityProber, preferences []string, logger shared.LoggerAdapter) string {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	for _, mimeType := range preferences {
		if probe(prober, mimeType, logger) {
			logger.Debug("recording container selected", zap.String("mimeType", mimeType))
			return mimeType
		}
	}
	logger.Warn(
		"no supported recording container found, using fallback",
		zap.Strings("preferences", preferences),
		zap.String("fallback", FallbackContainer),
	)
	return FallbackContainer
}

func probe(prober CapabilityProber, mimeType string, logger shared.LoggerAdapter) (ok bool) {
	if prober == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("capability probe panicked", zap.String("mimeType", mimeType), zap.Any("panic", r))
			ok = false
		}
	}()
	return prober.IsTypeSupported(mimeType)
}
