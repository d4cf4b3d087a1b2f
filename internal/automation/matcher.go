package automation

import (
	"strings"

	"zapflow/internal/models"
)

// Match returns the first rule, in the given order, whose trigger matches
// text. Matching is case-insensitive on the trimmed message; Exact compares
// the whole message and Contains looks for the trigger as a substring.
// Rules with an empty trigger never match.
func Match(text string, rules []models.ChatbotRule) (*models.ChatbotRule, bool) {
	message := strings.ToLower(strings.TrimSpace(text))
	for i := range rules {
		if matchKeyword(message, rules[i].MatchType, rules[i].Trigger) {
			return &rules[i], true
		}
	}
	return nil, false
}

// matchKeyword expects message already lowercased and trimmed.
func matchKeyword(message, matchType, trigger string) bool {
	value := strings.ToLower(strings.TrimSpace(trigger))
	if value == "" {
		return false
	}
	switch matchType {
	case models.MatchExact:
		return message == value
	case models.MatchContains:
		return strings.Contains(message, value)
	default:
		return false
	}
}

// MediaContent renders a non-text message as "[kind]:id:caption", the text
// form inbound media is stored and matched as.
func MediaContent(kind, id, caption string) string {
	content := "[" + kind + "]"
	if id != "" {
		content += ":" + id
	}
	if caption != "" {
		content += ":" + caption
	}
	return content
}
