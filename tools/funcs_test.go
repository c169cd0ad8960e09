package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFrameSamples(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		rate     int
		channels int
		expected int
	}{
		{
			name:     "Basic stereo at 48kHz for 120ms",
			duration: 120 * time.Millisecond,
			rate:     48000,
			channels: 2,
			expected: 11520, // 0.12s * 48000 * 2 = 11520
		},
		{
			name:     "Mono at 44.1kHz for 1s",
			duration: time.Second,
			rate:     44100,
			channels: 1,
			expected: 44100,
		},
		{
			name:     "Stereo at 48kHz for 20ms",
			duration: 20 * time.Millisecond,
			rate:     48000,
			channels: 2,
			expected: 1920, // 0.02s * 48000 * 2 = 1920
		},
		{
			name:     "Zero duration",
			duration: 0,
			rate:     48000,
			channels: 2,
			expected: 0,
		},
		{
			name:     "Zero channels",
			duration: time.Second,
			rate:     48000,
			channels: 0,
			expected: 0,
		},
		{
			name:     "Zero rate",
			duration: time.Second,
			rate:     0,
			channels: 2,
			expected: 0,
		},
		{
			name:     "Large values",
			duration: 10 * time.Second,
			rate:     96000,
			channels: 4,
			expected: 3840000, // 10s * 96000 * 4 = 3,840,000
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FrameSamples(tt.duration, tt.rate, tt.channels)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestInt16ToPCM(t *testing.T) {
	got := Int16ToPCM([]int16{0, 1, -1, 0x1234})
	assert.Equal(t, []byte{0x00, 0x00, 0x01, 0x00, 0xff, 0xff, 0x34, 0x12}, got)
}

func TestFloat32ToPCM(t *testing.T) {
	tests := []struct {
		name     string
		in       []float32
		expected []byte
	}{
		{name: "silence", in: []float32{0}, expected: []byte{0x00, 0x00}},
		{name: "full scale", in: []float32{1}, expected: []byte{0xff, 0x7f}},
		{name: "negative full scale", in: []float32{-1}, expected: []byte{0x01, 0x80}},
		{name: "clamped", in: []float32{3.5, -9}, expected: []byte{0xff, 0x7f, 0x01, 0x80}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Float32ToPCM(tt.in))
		})
	}
}

func TestPCMDuration(t *testing.T) {
	assert.Equal(t, time.Second, PCMDuration(48000, 24000, 1))
	assert.Equal(t, 500*time.Millisecond, PCMDuration(48000, 24000, 2))
	assert.Equal(t, time.Duration(0), PCMDuration(100, 0, 1))
}
