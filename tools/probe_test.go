package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectContainer(t *testing.T) {
	tests := []struct {
		name        string
		prober      CapabilityProber
		preferences []string
		expected    string
	}{
		{
			name:        "first supported wins",
			prober:      NewStaticProber(ContainerOpus, ContainerPCM),
			preferences: []string{"audio/webm", ContainerPCM, ContainerOpus},
			expected:    ContainerPCM,
		},
		{
			name:        "skips unsupported",
			prober:      NewStaticProber(ContainerOpus),
			preferences: DefaultContainerPreferences,
			expected:    ContainerOpus,
		},
		{
			name:        "nothing supported falls back",
			prober:      NewStaticProber("audio/ogg"),
			preferences: DefaultContainerPreferences,
			expected:    FallbackContainer,
		},
		{
			name:        "nil prober falls back",
			prober:      nil,
			preferences: DefaultContainerPreferences,
			expected:    FallbackContainer,
		},
		{
			name:        "empty preferences fall back",
			prober:      NewStaticProber(ContainerOpus),
			preferences: nil,
			expected:    FallbackContainer,
		},
		{
			name: "panicking prober falls back",
			prober: CapabilityProberFunc(func(string) bool {
				panic("host exploded")
			}),
			preferences: DefaultContainerPreferences,
			expected:    FallbackContainer,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SelectContainer(tt.prober, tt.preferences, nil))
		})
	}
}
