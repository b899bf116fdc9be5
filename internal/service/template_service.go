// internal/service/template_service.go
package service

import (
	"regexp"
	"strings"

	"github.com/unclebandit/funnel-engine/internal/model"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]*)\s*\}\}`)

// MergeTokens fills {{ ... }} placeholders from the lead and agent.
// Matching ignores case and inner whitespace; anything outside the vocabulary becomes "".
func MergeTokens(template string, lead *model.Lead, agent *model.Agent) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	values := tokenValues(lead, agent)
	return placeholder.ReplaceAllStringFunc(template, func(match string) string {
		key := strings.ToLower(placeholder.FindStringSubmatch(match)[1])
		return values[key]
	})
}

func tokenValues(lead *model.Lead, agent *model.Agent) map[string]string {
	if lead == nil {
		lead = &model.Lead{}
	}
	if agent == nil {
		agent = &model.Agent{}
	}

	first := strings.TrimSpace(lead.FirstName)
	if first == "" {
		if parts := strings.Fields(lead.Name); len(parts) > 0 {
			first = parts[0]
		}
	}
	name := strings.TrimSpace(lead.Name)
	if name == "" {
		name = strings.TrimSpace(lead.FirstName + " " + lead.LastName)
	}

	return map[string]string{
		"lead.first_name":  first,
		"first_name":       first,
		"lead.last_name":   lead.LastName,
		"lead.name":        name,
		"lead.email":       lead.Email,
		"lead.phone":       lead.Phone,
		"agent.first_name": agent.FirstName,
		"agent.last_name":  agent.LastName,
		"agent.name":       strings.TrimSpace(agent.FirstName + " " + agent.LastName),
		"agent.email":      agent.Email,
	}
}

// FormatEmailHTML turns plain message text into the HTML body sent to providers.
func FormatEmailHTML(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\n", "<br>")
}
