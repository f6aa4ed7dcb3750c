package templates

import (
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z][a-zA-Z0-9_]*)\s*\}\}`)

// Renderer substitutes {{variable}} placeholders into outbound message bodies.
// Placeholders without a matching variable are left verbatim: a missing
// optional field must never block a send.
type Renderer struct {
	optOutFooter string
}

// NewRenderer creates a renderer that appends the given opt-out footer.
func NewRenderer(optOutFooter string) *Renderer {
	return &Renderer{optOutFooter: strings.TrimSpace(optOutFooter)}
}

// Render substitutes vars into tmpl and appends the opt-out footer unless the
// footer text already appears in the body.
func (r *Renderer) Render(tmpl string, vars map[string]string) string {
	body := placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
	return r.appendFooter(body)
}

func (r *Renderer) appendFooter(body string) string {
	if r == nil || r.optOutFooter == "" {
		return body
	}
	if strings.Contains(strings.ToLower(body), strings.ToLower(r.optOutFooter)) {
		return body
	}
	trimmed := strings.TrimRight(body, " \t\n")
	if trimmed == "" {
		return r.optOutFooter
	}
	return trimmed + "\n" + r.optOutFooter
}

// ContactVars builds the standard variable map for a contact/tenant pair.
// Empty values are omitted so their placeholders pass through verbatim.
func ContactVars(pairs map[string]string) map[string]string {
	vars := make(map[string]string, len(pairs))
	for name, value := range pairs {
		if strings.TrimSpace(value) == "" {
			continue
		}
		vars[name] = value
	}
	return vars
}
