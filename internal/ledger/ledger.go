// Package ledger keeps the lifecycle history of rollback transactions.
//
// Every event is appended to a JSONL write-ahead file (fsynced) and inserted
// into the rollback_events SQLite table through the single-writer queue. The
// WAL is the source of truth for Reconcile, which finds rollbacks that were
// started but never resolved because the process died mid-rollback.
package ledger

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lucidwonk/ctxrollback/internal/writerq"
)

// Event kinds.
const (
	KindSnapshotCreated   = "snapshot_created"
	KindRollbackStarted   = "rollback_started"
	KindRollbackCompleted = "rollback_completed"
	KindRollbackFailed    = "rollback_failed"
	KindMarkedCompleted   = "marked_completed"
	KindMarkedFailed      = "marked_failed"
	KindRecordRemoved     = "record_removed"
)

const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Event is one ledger entry.
type Event struct {
	EventID   string `json:"event_id"`
	UpdateID  string `json:"update_id"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Ledger records rollback lifecycle events.
type Ledger struct {
	walPath string
	db      *sql.DB
	q       *writerq.Queue
	mu      sync.Mutex
}

// Open opens (or creates) the ledger database at dbPath and the WAL file at
// walPath.
func Open(dbPath, walPath string, logger *slog.Logger) (*Ledger, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	opts := []writerq.Option{writerq.WithCrashMarker(dbPath + ".crashed")}
	if logger != nil {
		opts = append(opts, writerq.WithLogger(logger))
	}
	return &Ledger{
		walPath: walPath,
		db:      db,
		q:       writerq.New(db, opts...),
	}, nil
}

// Close drains pending writes and closes the database.
func (l *Ledger) Close() error {
	if err := l.q.Close(); err != nil {
		return err
	}
	return l.db.Close()
}

// Record appends an event to the WAL and then to the database.
func (l *Ledger) Record(updateID, kind, detail string) error {
	e := Event{
		EventID:   uuid.New().String(),
		UpdateID:  updateID,
		Kind:      kind,
		Detail:    detail,
		Timestamp: time.Now().UTC().Format(timeLayout),
	}
	if err := l.appendWAL(e); err != nil {
		return fmt.Errorf("ledger: append wal: %w", err)
	}
	if err := l.q.Submit(context.Background(),
		`INSERT INTO rollback_events (event_id, update_id, kind, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.EventID, e.UpdateID, e.Kind, e.Detail, e.Timestamp,
	); err != nil {
		return fmt.Errorf("ledger: insert: %w", err)
	}
	return nil
}

// ReadWAL returns every event in the WAL, oldest first.
func (l *Ledger) ReadWAL() ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("ledger: decode wal line: %w", err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Reconcile returns the latest rollback_started event of every transaction
// that has no rollback_completed or rollback_failed after it.
func (l *Ledger) Reconcile() ([]Event, error) {
	events, err := l.ReadWAL()
	if err != nil {
		return nil, err
	}

	open := map[string]Event{}
	var order []string
	for _, e := range events {
		switch e.Kind {
		case KindRollbackStarted:
			if _, seen := open[e.UpdateID]; !seen {
				order = append(order, e.UpdateID)
			}
			open[e.UpdateID] = e
		case KindRollbackCompleted, KindRollbackFailed, KindRecordRemoved:
			delete(open, e.UpdateID)
		}
	}

	var orphans []Event
	for _, id := range order {
		if e, ok := open[id]; ok {
			orphans = append(orphans, e)
		}
	}
	return orphans, nil
}

// History returns the events of one transaction from the database, oldest
// first.
func (l *Ledger) History(updateID string) ([]Event, error) {
	rows, err := l.db.Query(
		`SELECT event_id, update_id, kind, detail, created_at FROM rollback_events WHERE update_id = ? ORDER BY rowid`,
		updateID,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: history: %w", err)
	}
	return scanEvents(rows)
}

// Recent returns the newest limit events, newest first.
func (l *Ledger) Recent(limit int) ([]Event, error) {
	rows, err := l.db.Query(
		`SELECT event_id, update_id, kind, detail, created_at FROM rollback_events ORDER BY rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: recent: %w", err)
	}
	return scanEvents(rows)
}

// Counts returns the number of events per kind.
func (l *Ledger) Counts() (map[string]int, error) {
	rows, err := l.db.Query(`SELECT kind, COUNT(*) FROM rollback_events GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("ledger: counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("ledger: scan counts: %w", err)
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.EventID, &e.UpdateID, &e.Kind, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: rows: %w", err)
	}
	return events, nil
}

func (l *Ledger) appendWAL(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.walPath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
