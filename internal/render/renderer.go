// Package render turns a sequence step and a contact into the final
// subject and body using Liquid templates. Rendering happens once per
// work item immediately before dispatch, not at plan time, so edits to
// a step before it fires are honored.
package render

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/dripflow/dripflow/internal/sequence"
)

// Message is a rendered, ready-to-send email.
type Message struct {
	Subject     string
	Body        string
	HTML        bool
	Attachments []string
}

// Renderer renders step templates with per-contact merge fields.
type Renderer struct {
	engine *liquid.Engine
	mu     sync.Mutex
	cache  map[string]*liquid.Template
}

// New creates a renderer with a default filter so templates can fall
// back when a contact field is missing: {{ first_name | default: "there" }}.
func New() *Renderer {
	engine := liquid.NewEngine()
	engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			return fallback
		}
		return value
	})

	return &Renderer{
		engine: engine,
		cache:  make(map[string]*liquid.Template),
	}
}

// Render produces the final message for one (contact, step) pair. The
// contact's merge fields plus its email are the template bindings.
func (r *Renderer) Render(step sequence.Step, contact sequence.Contact) (*Message, error) {
	bindings := make(map[string]interface{}, len(contact.Fields)+2)
	for k, v := range contact.Fields {
		bindings[k] = v
	}
	bindings["email"] = contact.Email
	bindings["contact_id"] = contact.ID

	subject, err := r.render(step.Subject, bindings)
	if err != nil {
		return nil, fmt.Errorf("render subject for step %d: %w", step.Index, err)
	}
	body, err := r.render(step.Body, bindings)
	if err != nil {
		return nil, fmt.Errorf("render body for step %d: %w", step.Index, err)
	}

	return &Message{
		Subject:     subject,
		Body:        body,
		HTML:        step.HTML,
		Attachments: step.Attachments,
	}, nil
}

func (r *Renderer) render(tmpl string, bindings map[string]interface{}) (string, error) {
	if tmpl == "" {
		return "", nil
	}

	parsed, err := r.parse(tmpl)
	if err != nil {
		return "", err
	}
	return parsed.RenderString(bindings)
}

// parse caches compiled templates; a sequence reuses the same few
// templates across every contact of a run.
func (r *Renderer) parse(tmpl string) (*liquid.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.cache[tmpl]; ok {
		return cached, nil
	}
	parsed, err := r.engine.ParseString(tmpl)
	if err != nil {
		return nil, err
	}
	r.cache[tmpl] = parsed
	return parsed, nil
}
