package atomicfs

import (
	"errors"
	"fmt"
	"path/filepath"
)

// Kind is the type of a file operation.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

var (
	// ErrRelativePath is returned for an operation whose target is not absolute.
	ErrRelativePath = errors.New("target path must be absolute")
	// ErrMissingContent is returned for a create or update without content.
	ErrMissingContent = errors.New("create and update operations require content")
	// ErrUnknownKind is returned for an operation type outside create/update/delete.
	ErrUnknownKind = errors.New("unknown operation type")
)

// Operation is a single file mutation within a batch. Content is nil for
// deletes; an empty string is valid content for create and update.
type Operation struct {
	Type            Kind    `json:"type"`
	TargetPath      string  `json:"targetPath"`
	Content         *string `json:"content,omitempty"`
	OriginalContent *string `json:"originalContent,omitempty"`
}

func Create(path, content string) Operation {
	return Operation{Type: KindCreate, TargetPath: path, Content: &content}
}

func Update(path, content string) Operation {
	return Operation{Type: KindUpdate, TargetPath: path, Content: &content}
}

func Delete(path string) Operation {
	return Operation{Type: KindDelete, TargetPath: path}
}

// Validate checks the operation shape without touching the filesystem.
func (o Operation) Validate() error {
	if !filepath.IsAbs(o.TargetPath) {
		return fmt.Errorf("%q: %w", o.TargetPath, ErrRelativePath)
	}
	switch o.Type {
	case KindCreate, KindUpdate:
		if o.Content == nil {
			return fmt.Errorf("%s %s: %w", o.Type, o.TargetPath, ErrMissingContent)
		}
	case KindDelete:
	default:
		return fmt.Errorf("%q: %w", o.Type, ErrUnknownKind)
	}
	return nil
}

func (o Operation) String() string {
	return fmt.Sprintf("%s %s", o.Type, o.TargetPath)
}
