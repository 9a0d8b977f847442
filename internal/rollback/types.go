package rollback

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lucidwonk/ctxrollback/internal/atomicfs"
	"github.com/lucidwonk/ctxrollback/internal/snapshot"
)

// Status is the lifecycle state of a rollback transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrNotFound          = errors.New("no rollback data found")
	ErrAlreadyExists     = errors.New("rollback transaction already exists")
	ErrInvalidUpdateID   = errors.New("invalid update id")
	ErrNoDomains         = errors.New("at least one affected domain is required")
	ErrInvalidDomain     = errors.New("invalid domain")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Details is diagnostic payload attached to a failed transaction. Values are
// restricted to strings, booleans, numbers and nil; it is never branched on.
type Details map[string]any

// StateRecord is the lightweight <updateId>.rollback.json record. It points
// at the full snapshot instead of embedding it.
type StateRecord struct {
	UpdateID        string     `json:"updateId"`
	Timestamp       time.Time  `json:"timestamp"`
	AffectedDomains []string   `json:"affectedDomains"`
	Status          Status     `json:"status"`
	SnapshotPath    string     `json:"snapshotPath"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	FailedAt        *time.Time `json:"failedAt,omitempty"`
	FailureReason   string     `json:"failureReason,omitempty"`
	ErrorStack      string     `json:"errorStack,omitempty"`
	ContextDetails  Details    `json:"contextDetails,omitempty"`
	CleanupEligible bool       `json:"cleanupEligible,omitempty"`
}

// SnapshotRecord is the full <updateId>.snapshot.json payload.
type SnapshotRecord struct {
	UpdateID        string               `json:"updateId"`
	Timestamp       time.Time            `json:"timestamp"`
	AffectedDomains []string             `json:"affectedDomains"`
	Snapshots       []snapshot.Domain    `json:"snapshots"`
	FileOperations  []atomicfs.Operation `json:"fileOperations"`
}

// Transaction is a state record assembled with its snapshot payload.
type Transaction struct {
	StateRecord
	Snapshots      []snapshot.Domain    `json:"snapshots"`
	FileOperations []atomicfs.Operation `json:"fileOperations"`
}

// Summary is the compact view returned by listing queries.
type Summary struct {
	UpdateID        string    `json:"updateId"`
	Timestamp       time.Time `json:"timestamp"`
	AffectedDomains []string  `json:"affectedDomains"`
	Status          Status    `json:"status"`
}

func (r StateRecord) Summary() Summary {
	return Summary{
		UpdateID:        r.UpdateID,
		Timestamp:       r.Timestamp,
		AffectedDomains: r.AffectedDomains,
		Status:          r.Status,
	}
}

// ValidateUpdateID checks that id is usable as a single file name element.
func ValidateUpdateID(id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidUpdateID, id)
	case strings.ContainsAny(id, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidUpdateID, id)
	}
	return nil
}

// sanitizeDetails keeps primitive values and stringifies everything else.
func sanitizeDetails(in map[string]any) Details {
	if len(in) == 0 {
		return nil
	}
	out := make(Details, len(in))
	for k, v := range in {
		switch tv := v.(type) {
		case nil, string, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
			out[k] = tv
		case error:
			out[k] = tv.Error()
		case fmt.Stringer:
			out[k] = tv.String()
		default:
			out[k] = fmt.Sprintf("%v", tv)
		}
	}
	return out
}

// errorChain renders err and every error it wraps, one per line.
func errorChain(err error) string {
	if err == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(err.Error())
	for inner := errors.Unwrap(err); inner != nil; inner = errors.Unwrap(inner) {
		b.WriteString("\n  caused by: ")
		b.WriteString(inner.Error())
	}
	return b.String()
}
