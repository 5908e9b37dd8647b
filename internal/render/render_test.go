package render

import (
	"strings"
	"testing"
)

func TestRenderRegisteredTemplate(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	err := e.Register("disk", Template{
		Subject: "Disk alert on {{.host}}",
		Text:    "Usage at {{.pct}}%",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	out, err := e.Render("disk", map[string]any{"host": "db-1", "pct": 93})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out.Subject != "Disk alert on db-1" {
		t.Fatalf("subject = %q", out.Subject)
	}
	if out.Text != "Usage at 93%" {
		t.Fatalf("text = %q", out.Text)
	}
}

func TestRenderFallbackWhenUnregistered(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	out, err := e.Render("missing", map[string]any{"title": "hello", "message": "world"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out.Subject != "hello" || out.Text != "world" {
		t.Fatalf("fallback = %+v", out)
	}
}

func TestRegisterRejectsBadTemplate(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	err := e.Register("bad", Template{Text: "{{.unclosed"})
	if err == nil || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("expected parse error naming template, got %v", err)
	}
}
