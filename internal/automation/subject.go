package automation

import (
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/EcrTech/insync-automation/internal/domain"
	"github.com/EcrTech/insync-automation/internal/pkg/logger"
)

// SubjectRenderer personalizes subject lines with contact data using Liquid
// ({{ first_name | default: "there" }}). Rendering is lax: a subject that
// fails to parse or render is used verbatim.
type SubjectRenderer struct {
	engine *liquid.Engine
	cache  sync.Map // subject source -> *liquid.Template
}

// NewSubjectRenderer creates a renderer with the default filter set.
func NewSubjectRenderer() *SubjectRenderer {
	engine := liquid.NewEngine()
	engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			return defaultVal
		}
		return value
	})
	return &SubjectRenderer{engine: engine}
}

// Subject picks the variant override or the template subject and renders it.
func (r *SubjectRenderer) Subject(sel Selection, tpl *domain.Template, contact *domain.ContactSnapshot) string {
	src := ""
	if sel.SubjectOverride != nil && strings.TrimSpace(*sel.SubjectOverride) != "" {
		src = *sel.SubjectOverride
	} else if tpl != nil {
		src = tpl.Subject
	}
	return r.Render(src, contact)
}

// Render renders src against the contact's fields. Standard fields are
// bound at the top level and under "contact"; custom fields under "custom".
func (r *SubjectRenderer) Render(src string, contact *domain.ContactSnapshot) string {
	if !strings.Contains(src, "{{") && !strings.Contains(src, "{%") {
		return src
	}

	var tpl *liquid.Template
	if cached, ok := r.cache.Load(src); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := r.engine.ParseString(src)
		if err != nil {
			logger.Warn("[Subject] parse error, using raw subject", "error", err.Error())
			return src
		}
		r.cache.Store(src, parsed)
		tpl = parsed
	}

	out, err := tpl.RenderString(bindings(contact))
	if err != nil {
		logger.Warn("[Subject] render error, using raw subject", "error", err.Error())
		return src
	}
	return out
}

func bindings(c *domain.ContactSnapshot) map[string]interface{} {
	fields := map[string]interface{}{}
	custom := map[string]interface{}{}
	if c != nil {
		for k, v := range c.Fields {
			fields[strings.ToLower(k)] = v
		}
		for k, v := range c.CustomFields {
			custom[k] = v
		}
		if c.Email != "" {
			fields["email"] = c.Email
		}
	}
	b := map[string]interface{}{
		"contact": fields,
		"custom":  custom,
	}
	for k, v := range fields {
		if _, reserved := b[k]; !reserved {
			b[k] = v
		}
	}
	return b
}
