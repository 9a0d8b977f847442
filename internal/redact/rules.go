package redact

import (
	"fmt"
	"regexp"
)

// rule is one compiled redaction pattern. When rewrite is nil the whole
// match becomes the placeholder.
type rule struct {
	name    string
	pattern *regexp.Regexp
	rewrite func(groups []string, placeholder string) string
}

var (
	// key=value and key: value where the key names a credential.
	assignmentRe = regexp.MustCompile(
		`(?i)([\w.-]*(?:password|passwd|secret|token|api[_-]?key|credential)[\w.-]*)(\s*[=:]\s*)("[^"]*"|'[^']*'|\S+)`,
	)
	bearerRe     = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/]+=*`)
	providerRe   = regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{36,}|sk-[A-Za-z0-9\-]{20,}|xox[bpsar]-[A-Za-z0-9\-]+)`)
	awsKeyIDRe   = regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`)
	urlUserRe    = regexp.MustCompile(`([a-z][a-z0-9+.-]*://[^/\s:@]+:)[^@\s/]+(@)`)
	privateKeyRe = regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`)
)

// builtinRules run in order; the block and URL rules go first so the
// assignment rule does not split them.
func builtinRules() []rule {
	return []rule{
		{name: "private_key", pattern: privateKeyRe},
		{name: "url_password", pattern: urlUserRe, rewrite: func(g []string, ph string) string { return g[1] + ph + g[2] }},
		{name: "assignment", pattern: assignmentRe, rewrite: func(g []string, ph string) string { return g[1] + g[2] + ph }},
		{name: "bearer", pattern: bearerRe, rewrite: func(g []string, ph string) string { return g[1] + ph }},
		{name: "provider_token", pattern: providerRe},
		{name: "aws_key_id", pattern: awsKeyIDRe},
	}
}

// customRules compiles extra patterns from the configuration.
func customRules(patterns []string) ([]rule, error) {
	rules := make([]rule, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redaction pattern %d: %w", i, err)
		}
		rules = append(rules, rule{name: fmt.Sprintf("custom_%d", i), pattern: re})
	}
	return rules, nil
}

func (r rule) apply(s, placeholder string) string {
	if r.rewrite == nil {
		return r.pattern.ReplaceAllString(s, placeholder)
	}
	return r.pattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := r.pattern.FindStringSubmatch(match)
		if groups == nil {
			return placeholder
		}
		return r.rewrite(groups, placeholder)
	})
}
