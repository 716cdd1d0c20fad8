package flow

import (
	"strings"
	"testing"

	"github.com/haasonsaas/conduit/internal/llm/llmerrors"
)

func TestRenderTemplate(t *testing.T) {
	tests := []struct {
		name     string
		template string
		vars     map[string]any
		want     string
	}{
		{
			name:     "string substitution",
			template: "Summarize: {{ text }}",
			vars:     map[string]any{"text": "the quick brown fox"},
			want:     "Summarize: the quick brown fox",
		},
		{
			name:     "whitespace variants",
			template: "{{a}} {{ a }} {{  a  }}",
			vars:     map[string]any{"a": "x"},
			want:     "x x x",
		},
		{
			name:     "non-string values are JSON encoded",
			template: "count={{ n }} flags={{ opts }}",
			vars:     map[string]any{"n": 3, "opts": map[string]any{"deep": true}},
			want:     `count=3 flags={"deep":true}`,
		},
		{
			name:     "repeated placeholder",
			template: "{{ who }} and {{ who }}",
			vars:     map[string]any{"who": "me"},
			want:     "me and me",
		},
		{
			name:     "no placeholders",
			template: "static text",
			vars:     nil,
			want:     "static text",
		},
		{
			name:     "underscore names",
			template: "{{ _private }} {{ with_digits2 }}",
			vars:     map[string]any{"_private": "a", "with_digits2": "b"},
			want:     "a b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RenderTemplate(tt.template, tt.vars)
			if err != nil {
				t.Fatalf("render failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderTemplateUnboundVariable(t *testing.T) {
	_, err := RenderTemplate("Hello {{ name }}, meet {{ other }}", map[string]any{"name": "a"})
	if err == nil {
		t.Fatal("expected error for unbound variable")
	}
	if llmerrors.KindOf(err) != llmerrors.KindValidation {
		t.Errorf("expected validation kind, got %v", llmerrors.KindOf(err))
	}
	if !strings.Contains(err.Error(), "other") {
		t.Errorf("error should name the unbound variable: %v", err)
	}
}

func TestRenderTemplateIgnoresMalformedPlaceholders(t *testing.T) {
	// Names starting with a digit are not placeholders; the text passes
	// through untouched.
	got, err := RenderTemplate("{{ 9lives }} {{not-a-name}}", nil)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if got != "{{ 9lives }} {{not-a-name}}" {
		t.Errorf("malformed placeholders must pass through, got %q", got)
	}
}
