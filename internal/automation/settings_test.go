package automation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"zapflow/internal/models"
	"zapflow/internal/store"
)

func TestUpsertRuleAppendsAndValidates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewSettings(store.NewMemory())

	first, err := s.UpsertRule(ctx, models.ChatbotRule{Trigger: " oi ", Response: "Olá!", MatchType: models.MatchExact})
	if err != nil {
		t.Fatalf("UpsertRule: %v", err)
	}
	second, err := s.UpsertRule(ctx, models.ChatbotRule{Trigger: "preço", Response: "R$10"})
	if err != nil {
		t.Fatalf("UpsertRule: %v", err)
	}
	if first.Trigger != "oi" || first.ID == "" {
		t.Errorf("first = %+v", first)
	}
	if second.MatchType != models.MatchContains || second.Position <= first.Position {
		t.Errorf("second = %+v, want Contains appended after %d", second, first.Position)
	}

	position := second.Position
	second.Response = "R$12"
	second.Position = 0
	updated, err := s.UpsertRule(ctx, second)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Position != position || updated.ID != second.ID {
		t.Errorf("update = %+v, want id %s at position %d", updated, second.ID, position)
	}
	rules, _ := s.Rules(ctx)
	if len(rules) != 2 || rules[1].Response != "R$12" {
		t.Errorf("rules = %+v", rules)
	}

	invalid := []models.ChatbotRule{
		{Trigger: "  ", Response: "x"},
		{Trigger: "x", Response: ""},
		{Trigger: "x", Response: "y", MatchType: "Regex"},
	}
	for _, r := range invalid {
		if _, err := s.UpsertRule(ctx, r); !errors.Is(err, ErrInvalidRule) {
			t.Errorf("UpsertRule(%+v): got %v, want ErrInvalidRule", r, err)
		}
	}
}

func TestUpdateConfigPatchesOnlyGivenFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewSettings(store.NewMemory())

	persona := "Responda em uma frase."
	cfg, err := s.UpdateConfig(ctx, ConfigPatch{AIPersona: &persona})
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if !cfg.Enabled || cfg.AIPersona != persona || cfg.Model != models.DefaultModel {
		t.Errorf("config = %+v", cfg)
	}
}

func TestSettingsTestDryRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewSettings(store.NewMemory())
	if _, err := s.UpsertRule(ctx, models.ChatbotRule{Trigger: "horário", Response: "9h às 18h"}); err != nil {
		t.Fatalf("UpsertRule: %v", err)
	}

	rule, ok, err := s.Test(ctx, "Qual o HORÁRIO?")
	if err != nil || !ok || rule.Response != "9h às 18h" {
		t.Errorf("Test = %+v, %v, %v", rule, ok, err)
	}
	if _, ok, _ := s.Test(ctx, "tchau"); ok {
		t.Error("Test matched unrelated text")
	}
}

func TestApplyBundle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewSettings(store.NewMemory())
	if _, err := s.UpsertRule(ctx, models.ChatbotRule{ID: "old", Trigger: "tchau", Response: "Até mais"}); err != nil {
		t.Fatalf("UpsertRule: %v", err)
	}
	if _, err := s.UpsertRule(ctx, models.ChatbotRule{ID: "greeting", Trigger: "ola", Response: "Oi"}); err != nil {
		t.Fatalf("UpsertRule: %v", err)
	}

	b, err := LoadBundle(strings.NewReader(`
config:
  enabled: false
  ai_persona: "Você é a Zap."
rules:
  - id: greeting
    trigger: oi
    response: Olá!
    match_type: Exact
  - trigger: preço
    response: R$10
`))
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
	n, err := s.Apply(ctx, b, true)
	if err != nil || n != 2 {
		t.Fatalf("Apply = %d, %v", n, err)
	}

	cfg, _ := s.Config(ctx)
	if cfg.Enabled || cfg.AIPersona != "Você é a Zap." || cfg.Model != models.DefaultModel {
		t.Errorf("config = %+v", cfg)
	}
	rules, _ := s.Rules(ctx)
	if len(rules) != 2 {
		t.Fatalf("rules = %+v, want greeting and preço", rules)
	}
	if rules[0].ID != "greeting" || rules[0].Response != "Olá!" || rules[1].Trigger != "preço" {
		t.Errorf("rules = %+v", rules)
	}
}

func TestLoadBundleRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	if _, err := LoadBundle(strings.NewReader("rules:\n  - trigger: oi\n    reply: Olá\n")); err == nil {
		t.Error("LoadBundle accepted an unknown key")
	}
}
