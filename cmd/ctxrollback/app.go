package main

import (
	"context"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/lucidwonk/ctxrollback/internal/config"
	"github.com/lucidwonk/ctxrollback/internal/retention"
	"github.com/lucidwonk/ctxrollback/internal/server"
)

var (
	flagConfig      string
	flagStateDir    string
	flagContextBase string
)

// loadConfig reads the config file and applies the persistent flag
// overrides.
func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		path = config.DefaultFile
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if flagStateDir != "" {
		cfg.StateDir = flagStateDir
	}
	if flagContextBase != "" {
		cfg.ContextBase = flagContextBase
	}
	return cfg, nil
}

// openApp loads config and wires every component. policyFor, when non-nil,
// derives the retention policy from the loaded config.
func openApp(ctx context.Context, policyFor func(*config.Config) retention.Policy) (*server.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := config.NewLogger(cfg.Log, os.Stderr)

	var policy *retention.Policy
	if policyFor != nil {
		p := policyFor(cfg)
		policy = &p
	}
	return server.Open(ctx, cfg, logger, policy)
}

// renderMarkdown renders text for the terminal, falling back to the raw
// markdown.
func renderMarkdown(text string) string {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimSpace(out)
}
