// Package render maps template names to channel-ready content.
//
// Rendering is treated as a pure function of (template, data). Templates
// are plain text/template; a request without a registered template falls
// back to the title/message carried in the data map.
package render

import (
	"fmt"
	"strings"
	"sync"
	"text/template"

	"herald/internal/notify"
)

// Template is one named template set. Any part may be empty.
type Template struct {
	Subject string
	Text    string
	HTML    string
}

type Engine struct {
	mu   sync.RWMutex
	sets map[string]parsedSet
}

type parsedSet struct {
	subject *template.Template
	text    *template.Template
	html    *template.Template
}

func NewEngine() *Engine {
	return &Engine{sets: map[string]parsedSet{}}
}

// Register parses and installs a named template, replacing any previous one.
func (e *Engine) Register(name string, tpl Template) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("template name required")
	}
	var (
		set parsedSet
		err error
	)
	if tpl.Subject != "" {
		if set.subject, err = template.New(name + ".subject").Parse(tpl.Subject); err != nil {
			return fmt.Errorf("template %s subject: %w", name, err)
		}
	}
	if tpl.Text != "" {
		if set.text, err = template.New(name + ".text").Parse(tpl.Text); err != nil {
			return fmt.Errorf("template %s text: %w", name, err)
		}
	}
	if tpl.HTML != "" {
		if set.html, err = template.New(name + ".html").Parse(tpl.HTML); err != nil {
			return fmt.Errorf("template %s html: %w", name, err)
		}
	}
	e.mu.Lock()
	e.sets[name] = set
	e.mu.Unlock()
	return nil
}

// Render implements notify.Renderer.
func (e *Engine) Render(name string, data map[string]any) (notify.Content, error) {
	e.mu.RLock()
	set, ok := e.sets[strings.TrimSpace(name)]
	e.mu.RUnlock()

	if !ok {
		return fallback(data), nil
	}

	var out notify.Content
	var err error
	if out.Subject, err = exec(set.subject, data); err != nil {
		return notify.Content{}, fmt.Errorf("render %s subject: %w", name, err)
	}
	if out.Text, err = exec(set.text, data); err != nil {
		return notify.Content{}, fmt.Errorf("render %s text: %w", name, err)
	}
	if out.HTML, err = exec(set.html, data); err != nil {
		return notify.Content{}, fmt.Errorf("render %s html: %w", name, err)
	}
	if out.Subject == "" && out.Text == "" && out.HTML == "" {
		return fallback(data), nil
	}
	return out, nil
}

func exec(t *template.Template, data map[string]any) (string, error) {
	if t == nil {
		return "", nil
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

func fallback(data map[string]any) notify.Content {
	str := func(k string) string {
		if v, ok := data[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}
	return notify.Content{Subject: str("title"), Text: str("message")}
}
