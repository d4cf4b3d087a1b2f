package campaign

import (
	"regexp"
	"strings"

	"zapflow/internal/models"
)

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z_.]+)\s*\}\}`)

// Render fills the campaign template for one contact. Recognized
// placeholders are {{contact.name}}, {{contact.phone}},
// {{contact.birthday}} and {{campaign.name}}; anything else is left as
// written.
func Render(template string, contact *models.Contact, c *models.Campaign) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return placeholder.ReplaceAllStringFunc(template, func(match string) string {
		key := strings.ToLower(placeholder.FindStringSubmatch(match)[1])
		switch key {
		case "contact.name":
			if contact != nil {
				return contact.Name
			}
		case "contact.phone":
			if contact != nil {
				return contact.Address
			}
		case "contact.birthday":
			if contact != nil {
				return contact.Birthday
			}
		case "campaign.name":
			if c != nil {
				return c.Name
			}
		}
		return match
	})
}
