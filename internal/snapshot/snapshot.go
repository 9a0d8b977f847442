package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"
)

// ContextDirName is the per-domain directory holding context documents.
const ContextDirName = ".context"

// Domain is the full content of one domain's context directory at a point
// in time. Files is keyed by absolute path.
type Domain struct {
	DomainPath string            `json:"domainPath"`
	Files      map[string]string `json:"files"`
	Timestamp  time.Time         `json:"timestamp"`

	// Skipped lists entries left out of Files: symlinks, special files,
	// unreadable files and files that are not valid UTF-8. Rollback leaves
	// them untouched.
	Skipped []string `json:"skipped,omitempty"`
}

// Builder captures domain snapshots.
type Builder struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Builder{
		logger: logger.With(slog.String("component", "snapshot")),
	}
}

// ContextDir returns <basePath>/<domain>/.context.
func ContextDir(basePath, domain string) string {
	return filepath.Join(basePath, domain, ContextDirName)
}

// Capture reads every file under the domain's context directory. A missing
// directory yields an empty snapshot. Entries whose content cannot be held
// byte for byte are skipped with a warning instead of failing the capture.
func (b *Builder) Capture(ctx context.Context, domain, basePath string, at time.Time) (Domain, error) {
	dir := ContextDir(basePath, domain)
	snap := Domain{
		DomainPath: dir,
		Files:      map[string]string{},
		Timestamp:  at,
	}

	paths, err := ListFiles(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			b.logger.Debug("domain has no context directory yet",
				slog.String("domain", domain),
				slog.String("path", dir),
			)
			return snap, nil
		}
		return snap, fmt.Errorf("list %s: %w", dir, err)
	}

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return snap, err
		}
		data, reason := readRegular(p)
		if reason != "" {
			b.logger.Warn("skipping context file",
				slog.String("domain", domain),
				slog.String("path", p),
				slog.String("reason", reason),
			)
			snap.Skipped = append(snap.Skipped, p)
			continue
		}
		snap.Files[p] = string(data)
	}

	b.logger.Debug("domain captured",
		slog.String("domain", domain),
		slog.Int("files", len(snap.Files)),
		slog.Int("skipped", len(snap.Skipped)),
	)
	return snap, nil
}

// readRegular returns the content of p, or a reason it cannot be captured.
// Links are never followed.
func readRegular(p string) ([]byte, string) {
	info, err := os.Lstat(p)
	if err != nil {
		return nil, err.Error()
	}
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		return nil, "symlink"
	case !info.Mode().IsRegular():
		return nil, "not a regular file: " + info.Mode().Type().String()
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err.Error()
	}
	if !utf8.Valid(data) {
		return nil, "not valid UTF-8"
	}
	return data, ""
}

// ListFiles returns every non-directory entry beneath dir, symlinks
// included and never followed, depth first:
// within each directory, subdirectories are descended before its files are
// listed. Returned paths are rooted at dir.
func ListFiles(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	var out []string
	if err := walk(dir, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func walk(dir string, out *[]string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if err := walk(p, out); err != nil {
				return err
			}
			continue
		}
		files = append(files, p)
	}
	*out = append(*out, files...)
	return nil
}
