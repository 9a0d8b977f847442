// Package redact scrubs credentials out of failure diagnostics before they
// are written to rollback records and the ledger.
package redact

import (
	"regexp"

	"github.com/lucidwonk/ctxrollback/internal/config"
)

const DefaultPlaceholder = "[REDACTED]"

var sensitiveKeyRe = regexp.MustCompile(`(?i)password|passwd|secret|token|api[_-]?key|credential|authorization`)

// Redactor applies the built-in and configured rules. A nil *Redactor
// returns its input unchanged.
type Redactor struct {
	rules       []rule
	placeholder string
}

// New compiles a Redactor. It returns nil, nil when redaction is disabled.
func New(cfg config.RedactionConfig) (*Redactor, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	custom, err := customRules(cfg.Patterns)
	if err != nil {
		return nil, err
	}
	placeholder := cfg.Placeholder
	if placeholder == "" {
		placeholder = DefaultPlaceholder
	}
	return &Redactor{
		rules:       append(builtinRules(), custom...),
		placeholder: placeholder,
	}, nil
}

// Redact returns s with every matched secret replaced by the placeholder.
func (r *Redactor) Redact(s string) string {
	if r == nil || s == "" {
		return s
	}
	for _, rl := range r.rules {
		s = rl.apply(s, r.placeholder)
	}
	return s
}

// Details returns a copy of details where values under credential-like keys
// are replaced and every other string value is redacted.
func (r *Redactor) Details(details map[string]any) map[string]any {
	if r == nil || details == nil {
		return details
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if sensitiveKeyRe.MatchString(k) {
			out[k] = r.placeholder
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = r.Redact(s)
			continue
		}
		out[k] = v
	}
	return out
}
