// Package writerq serializes SQLite writes through one goroutine, grouping
// them into transactions.
package writerq

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	DefaultQueueSize     = 256
	DefaultFlushInterval = 20 * time.Millisecond
	DefaultMaxBatch      = 64
	MaxCrashes           = 3
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("writerq: queue closed")

type op struct {
	query  string
	args   []any
	result chan error
}

// Queue owns the only writer connection to a database.
type Queue struct {
	db            *sql.DB
	ops           chan op
	stop          chan struct{}
	done          chan struct{}
	flushInterval time.Duration
	maxBatch      int
	crashMarker   string
	logger        *slog.Logger

	mu      sync.Mutex
	closed  bool
	crashes int
}

// Option configures a Queue.
type Option func(*Queue)

func WithFlushInterval(d time.Duration) Option {
	return func(q *Queue) { q.flushInterval = d }
}

func WithMaxBatch(n int) Option {
	return func(q *Queue) { q.maxBatch = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithCrashMarker sets a file written once the writer has panicked
// MaxCrashes times.
func WithCrashMarker(path string) Option {
	return func(q *Queue) { q.crashMarker = path }
}

// New starts the writer goroutine. Call Close to drain and stop it.
func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{
		db:            db,
		ops:           make(chan op, DefaultQueueSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		flushInterval: DefaultFlushInterval,
		maxBatch:      DefaultMaxBatch,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With(slog.String("component", "writerq"))
	go q.loop()
	return q
}

// Submit enqueues one statement and waits until its transaction commits.
func (q *Queue) Submit(ctx context.Context, query string, args ...any) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	o := op{query: query, args: args, result: make(chan error, 1)}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	case q.ops <- o:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-o.result:
		return err
	case <-q.done:
		select {
		case err := <-o.result:
			return err
		default:
			return ErrClosed
		}
	}
}

// Close drains queued statements and stops the writer. Safe to call twice.
func (q *Queue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.stop)
	}
	q.mu.Unlock()

	<-q.done
	return nil
}

func (q *Queue) loop() {
	defer close(q.done)

	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()

	batch := make([]op, 0, q.maxBatch)
	flush := func() {
		if len(batch) > 0 {
			q.safeFlush(batch)
			batch = batch[:0]
		}
	}

	for {
		select {
		case o := <-q.ops:
			batch = append(batch, o)
			if len(batch) >= q.maxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-q.stop:
			for {
				select {
				case o := <-q.ops:
					batch = append(batch, o)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (q *Queue) safeFlush(batch []op) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		q.mu.Lock()
		q.crashes++
		crashes := q.crashes
		q.mu.Unlock()

		q.logger.Error("writer panicked", slog.Any("panic", r), slog.Int("crashes", crashes))
		for i := range batch {
			select {
			case batch[i].result <- context.Canceled:
			default:
			}
		}
		if crashes >= MaxCrashes && q.crashMarker != "" {
			_ = os.MkdirAll(filepath.Dir(q.crashMarker), 0755)
			_ = os.WriteFile(q.crashMarker, []byte("writerq: writer crashed repeatedly\n"), 0644)
		}
	}()

	q.flush(batch)
}

// flush runs the batch in one transaction. If any statement fails, the
// transaction is rolled back and the remaining statements are replayed in a
// fresh one, so one bad statement only fails itself.
func (q *Queue) flush(batch []op) {
	results := q.execTx(batch, nil)
	if results.failed == nil {
		for i := range batch {
			batch[i].result <- results.commit
		}
		return
	}

	retry := q.execTx(batch, results.failed)
	for i := range batch {
		if err := results.failed[i]; err != nil {
			batch[i].result <- err
			continue
		}
		if err := retry.failed[i]; err != nil {
			batch[i].result <- err
			continue
		}
		batch[i].result <- retry.commit
	}
}

type txResult struct {
	failed map[int]error
	commit error
}

func (q *Queue) execTx(batch []op, skip map[int]error) txResult {
	tx, err := q.db.Begin()
	if err != nil {
		failed := make(map[int]error, len(batch))
		for i := range batch {
			failed[i] = err
		}
		return txResult{failed: failed}
	}

	var failed map[int]error
	for i := range batch {
		if _, skipped := skip[i]; skipped {
			continue
		}
		if _, err := tx.Exec(batch[i].query, batch[i].args...); err != nil {
			if failed == nil {
				failed = map[int]error{}
			}
			failed[i] = err
		}
	}

	if failed != nil && skip == nil {
		_ = tx.Rollback()
		return txResult{failed: failed}
	}
	return txResult{failed: failed, commit: tx.Commit()}
}
