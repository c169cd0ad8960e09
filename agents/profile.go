package agents

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	pkg "github.com/bt-bridge/voice-agent"
	"github.com/goccy/go-yaml"
)

type Gender string

const (
	GenderMale    Gender = "male"
	GenderFemale  Gender = "female"
	GenderNeutral Gender = "neutral"
)

type KnowledgeBaseType string

const (
	KnowledgeBaseNone KnowledgeBaseType = "none"
	KnowledgeBaseURL  KnowledgeBaseType = "url"
	KnowledgeBaseFile KnowledgeBaseType = "file"
	KnowledgeBaseText KnowledgeBaseType = "text"
)

const (
	minNameLength   = 2
	maxNameLength   = 50
	minPromptLength = 10
)

// Profile describes a configured voice agent.
type Profile struct {
	Name              string            `yaml:"name"`
	SystemPrompt      string            `yaml:"system_prompt"`
	Gender            Gender            `yaml:"gender"`
	KnowledgeBaseType KnowledgeBaseType `yaml:"knowledge_base_type,omitempty"`
	KnowledgeBase     []string          `yaml:"knowledge_base,omitempty"`
	// Voice overrides the voice picked from Gender.
	Voice pkg.Voice `yaml:"voice,omitempty"`
}

func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}
	return ParseProfile(data)
}

func ParseProfile(data []byte) (*Profile, error) {
	p := new(Profile)
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}
	if p.Gender == "" {
		p.Gender = GenderNeutral
	}
	if p.KnowledgeBaseType == "" {
		p.KnowledgeBaseType = KnowledgeBaseNone
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Profile) Validate() error {
	var errs []error
	if n := utf8.RuneCountInString(strings.TrimSpace(p.Name)); n < minNameLength || n > maxNameLength {
		errs = append(errs, fmt.Errorf("name must be %d to %d characters", minNameLength, maxNameLength))
	}
	if utf8.RuneCountInString(strings.TrimSpace(p.SystemPrompt)) < minPromptLength {
		errs = append(errs, fmt.Errorf("system prompt must be at least %d characters", minPromptLength))
	}
	switch p.Gender {
	case GenderMale, GenderFemale, GenderNeutral:
	default:
		errs = append(errs, fmt.Errorf("unknown gender %q", p.Gender))
	}
	switch p.KnowledgeBaseType {
	case "", KnowledgeBaseNone, KnowledgeBaseURL, KnowledgeBaseFile, KnowledgeBaseText:
	default:
		errs = append(errs, fmt.Errorf("unknown knowledge base type %q", p.KnowledgeBaseType))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid profile %q: %w", p.Name, err)
	}
	return nil
}

// VoiceFor maps an agent gender to a synthesized voice.
func VoiceFor(g Gender) pkg.Voice {
	switch g {
	case GenderFemale:
		return pkg.VoiceShimmer
	case GenderMale:
		return pkg.VoiceEcho
	default:
		return pkg.VoiceAlloy
	}
}

func (p *Profile) OutputVoice() pkg.Voice {
	if p.Voice != "" {
		return p.Voice
	}
	return VoiceFor(p.Gender)
}

// Instructions is the persona seed: the system prompt followed by any reference material.
func (p *Profile) Instructions() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your name is %s.\n%s", strings.TrimSpace(p.Name), strings.TrimSpace(p.SystemPrompt))
	if len(p.KnowledgeBase) == 0 || p.KnowledgeBaseType == KnowledgeBaseNone {
		return b.String()
	}
	switch p.KnowledgeBaseType {
	case KnowledgeBaseText:
		b.WriteString("\n\nReference material:\n")
	case KnowledgeBaseURL:
		b.WriteString("\n\nReference sources:\n")
	case KnowledgeBaseFile:
		b.WriteString("\n\nReference documents:\n")
	}
	for _, entry := range p.KnowledgeBase {
		b.WriteString("- ")
		b.WriteString(strings.TrimSpace(entry))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Apply sets the persona and voice of cfg from the profile.
func (p *Profile) Apply(cfg pkg.SessionConfig) pkg.SessionConfig {
	cfg.Voice = p.OutputVoice()
	cfg.Instructions = p.Instructions()
	return cfg
}
