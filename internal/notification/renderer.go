package notification

import (
	"sort"
	"strings"
)

// Token names available to notification templates as {{Name}}.
const (
	TokenEntityType   = "EntityType"
	TokenEntityID     = "EntityId"
	TokenStepName     = "StepName"
	TokenStepCode     = "StepCode"
	TokenActorID      = "ActorId"
	TokenActorName    = "ActorName"
	TokenActorEmail   = "ActorEmail"
	TokenComments     = "Comments"
	TokenReason       = "Reason"
	TokenWorkflowCode = "WorkflowCode"
	TokenStatus       = "Status"
)

// TemplateSource looks up template bodies by name.
type TemplateSource interface {
	Template(name string) (string, bool)
}

// Renderer substitutes {{Key}} tokens in named templates. Unknown tokens
// are left in place.
type Renderer struct {
	templates TemplateSource
}

// NewRenderer creates a Renderer over the given templates.
func NewRenderer(templates TemplateSource) *Renderer {
	return &Renderer{templates: templates}
}

// Render renders the named template. The second result is false when the
// template does not exist.
func (r *Renderer) Render(name string, tokens map[string]string) (string, bool) {
	if r == nil || r.templates == nil || name == "" {
		return "", false
	}
	body, ok := r.templates.Template(name)
	if !ok {
		return "", false
	}
	return RenderString(body, tokens), true
}

// RenderString substitutes tokens in body.
func RenderString(body string, tokens map[string]string) string {
	if len(tokens) == 0 {
		return body
	}
	keys := make([]string, 0, len(tokens))
	for k := range tokens {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", tokens[k])
	}
	return strings.NewReplacer(pairs...).Replace(body)
}

// MapTemplates is a TemplateSource backed by a map.
type MapTemplates map[string]string

// Template implements TemplateSource.
func (m MapTemplates) Template(name string) (string, bool) {
	t, ok := m[name]
	return t, ok
}
