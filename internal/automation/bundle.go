package automation

import (
	"context"
	"fmt"
	"io"

	"zapflow/internal/models"

	"gopkg.in/yaml.v3"
)

// Bundle is a chatbot setup kept in a YAML file:
//
//	config:
//	  enabled: true
//	  ai_persona: "Você é o atendente virtual."
//	rules:
//	  - trigger: preço
//	    response: "Nossos planos começam em R$10."
//	  - id: greeting
//	    trigger: oi
//	    response: Olá!
//	    match_type: Exact
type Bundle struct {
	Config *ConfigPatch `yaml:"config,omitempty"`
	Rules  []BundleRule `yaml:"rules"`
}

type BundleRule struct {
	ID        string `yaml:"id,omitempty"`
	Trigger   string `yaml:"trigger"`
	Response  string `yaml:"response"`
	MatchType string `yaml:"match_type,omitempty"`
	Position  int    `yaml:"position,omitempty"`
}

// LoadBundle decodes a bundle, rejecting unknown keys.
func LoadBundle(r io.Reader) (*Bundle, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var b Bundle
	if err := dec.Decode(&b); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &b, nil
}

// Apply writes the bundle through s. With replace set, stored rules the
// bundle does not name by ID are deleted first. It stops at the first
// invalid rule and returns how many rules were written before it.
func (s *Settings) Apply(ctx context.Context, b *Bundle, replace bool) (int, error) {
	if b.Config != nil {
		if _, err := s.UpdateConfig(ctx, *b.Config); err != nil {
			return 0, err
		}
	}

	if replace {
		keep := make(map[string]bool, len(b.Rules))
		for _, r := range b.Rules {
			if r.ID != "" {
				keep[r.ID] = true
			}
		}
		existing, err := s.Rules(ctx)
		if err != nil {
			return 0, err
		}
		for _, r := range existing {
			if keep[r.ID] {
				continue
			}
			if err := s.DeleteRule(ctx, r.ID); err != nil {
				return 0, err
			}
		}
	}

	for i, r := range b.Rules {
		_, err := s.UpsertRule(ctx, models.ChatbotRule{
			ID:        r.ID,
			Trigger:   r.Trigger,
			Response:  r.Response,
			MatchType: r.MatchType,
			Position:  r.Position,
		})
		if err != nil {
			return i, fmt.Errorf("rule %d (%q): %w", i+1, r.Trigger, err)
		}
	}
	return len(b.Rules), nil
}
