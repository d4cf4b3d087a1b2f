package automation

import (
	"testing"

	"zapflow/internal/models"
)

func TestMatch(t *testing.T) {
	t.Parallel()
	rules := []models.ChatbotRule{
		{ID: "1", Trigger: "oi", Response: "Olá!", MatchType: models.MatchExact},
		{ID: "2", Trigger: "preço", Response: "R$10", MatchType: models.MatchContains},
		{ID: "3", Trigger: "", Response: "never", MatchType: models.MatchContains},
		{ID: "4", Trigger: "Qual", Response: "shadowed", MatchType: models.MatchContains},
	}

	tests := []struct {
		text   string
		wantID string
	}{
		{"Qual o preço?", "2"},
		{"Oi", "1"},
		{"  oi  ", "1"},
		{"oi, tudo bem?", ""},
		{"PREÇO", "2"},
		{"nada", ""},
		{"", ""},
	}
	for _, tt := range tests {
		got, ok := Match(tt.text, rules)
		switch {
		case tt.wantID == "" && ok:
			t.Errorf("Match(%q) = rule %s, want none", tt.text, got.ID)
		case tt.wantID != "" && (!ok || got.ID != tt.wantID):
			t.Errorf("Match(%q) = %+v, %v; want rule %s", tt.text, got, ok, tt.wantID)
		}
	}
}

func TestMatchFirstWins(t *testing.T) {
	t.Parallel()
	rules := []models.ChatbotRule{
		{ID: "a", Trigger: "pedido", Response: "first", MatchType: models.MatchContains},
		{ID: "b", Trigger: "meu pedido", Response: "second", MatchType: models.MatchContains},
	}
	got, ok := Match("cadê meu pedido", rules)
	if !ok || got.ID != "a" {
		t.Errorf("Match = %+v, want first rule in order", got)
	}
}

func TestMediaContent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind, id, caption, want string
	}{
		{"image", "media-1", "promo", "[image]:media-1:promo"},
		{"audio", "media-2", "", "[audio]:media-2"},
		{"sticker", "", "", "[sticker]"},
	}
	for _, tt := range tests {
		if got := MediaContent(tt.kind, tt.id, tt.caption); got != tt.want {
			t.Errorf("MediaContent(%q, %q, %q) = %q, want %q", tt.kind, tt.id, tt.caption, got, tt.want)
		}
	}
}
