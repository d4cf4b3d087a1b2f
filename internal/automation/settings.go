package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"zapflow/internal/models"
	"zapflow/internal/store"

	"github.com/google/uuid"
)

// ErrInvalidRule is matched by every rule validation failure.
var ErrInvalidRule = errors.New("invalid chatbot rule")

// Settings manages the chatbot config and rules. Every write goes to the
// store, whose change feed tells live clients; the router reads the store
// on each decision, so changes apply to the next inbound message.
type Settings struct {
	store store.ChatbotStore
}

func NewSettings(s store.ChatbotStore) *Settings {
	return &Settings{store: s}
}

// ConfigPatch holds the fields to change; nil fields are left as stored.
type ConfigPatch struct {
	Enabled   *bool   `json:"enabled" yaml:"enabled"`
	AIPersona *string `json:"ai_persona" yaml:"ai_persona"`
	Model     *string `json:"model" yaml:"model"`
}

func (s *Settings) Config(ctx context.Context) (models.ChatbotConfig, error) {
	return s.store.ChatbotConfig(ctx)
}

func (s *Settings) UpdateConfig(ctx context.Context, patch ConfigPatch) (models.ChatbotConfig, error) {
	cfg, err := s.store.ChatbotConfig(ctx)
	if err != nil {
		return models.ChatbotConfig{}, err
	}
	if patch.Enabled != nil {
		cfg.Enabled = *patch.Enabled
	}
	if patch.AIPersona != nil {
		cfg.AIPersona = *patch.AIPersona
	}
	if patch.Model != nil {
		if m := strings.TrimSpace(*patch.Model); m != "" {
			cfg.Model = m
		}
	}
	if err := s.store.SaveChatbotConfig(ctx, cfg); err != nil {
		return models.ChatbotConfig{}, err
	}
	return s.store.ChatbotConfig(ctx)
}

func (s *Settings) Rules(ctx context.Context) ([]models.ChatbotRule, error) {
	return s.store.ListRules(ctx)
}

func (s *Settings) Rule(ctx context.Context, id string) (*models.ChatbotRule, error) {
	return s.store.GetRule(ctx, id)
}

// UpsertRule creates or replaces a rule. A new rule without a position is
// placed after every existing rule; an updated rule without a position
// keeps its current one.
func (s *Settings) UpsertRule(ctx context.Context, rule models.ChatbotRule) (models.ChatbotRule, error) {
	rule.Trigger = strings.TrimSpace(rule.Trigger)
	rule.Response = strings.TrimSpace(rule.Response)
	if rule.MatchType == "" {
		rule.MatchType = models.MatchContains
	}
	switch {
	case rule.Trigger == "":
		return models.ChatbotRule{}, fmt.Errorf("%w: trigger is required", ErrInvalidRule)
	case rule.Response == "":
		return models.ChatbotRule{}, fmt.Errorf("%w: response is required", ErrInvalidRule)
	case rule.MatchType != models.MatchExact && rule.MatchType != models.MatchContains:
		return models.ChatbotRule{}, fmt.Errorf("%w: unknown match type %q", ErrInvalidRule, rule.MatchType)
	}

	var existing *models.ChatbotRule
	if rule.ID != "" {
		r, err := s.store.GetRule(ctx, rule.ID)
		switch {
		case err == nil:
			existing = r
		case !errors.Is(err, store.ErrNotFound):
			return models.ChatbotRule{}, err
		}
	} else {
		rule.ID = uuid.NewString()
	}

	if rule.Position == 0 {
		if existing != nil {
			rule.Position = existing.Position
		} else {
			rules, err := s.store.ListRules(ctx)
			if err != nil {
				return models.ChatbotRule{}, err
			}
			for _, r := range rules {
				if r.Position >= rule.Position {
					rule.Position = r.Position + 1
				}
			}
			if rule.Position == 0 {
				rule.Position = 1
			}
		}
	}

	if err := s.store.SaveRule(ctx, &rule); err != nil {
		return models.ChatbotRule{}, err
	}
	return rule, nil
}

func (s *Settings) DeleteRule(ctx context.Context, id string) error {
	return s.store.DeleteRule(ctx, id)
}

// Test reports which rule, if any, would answer text right now.
func (s *Settings) Test(ctx context.Context, text string) (*models.ChatbotRule, bool, error) {
	rules, err := s.store.ListRules(ctx)
	if err != nil {
		return nil, false, err
	}
	rule, ok := Match(text, rules)
	return rule, ok, nil
}
