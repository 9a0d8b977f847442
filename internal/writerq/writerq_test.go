package writerq

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	_, err = db.Exec(`CREATE TABLE events (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		update_id TEXT NOT NULL UNIQUE
	)`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func countEvents(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM events").Scan(&n))
	return n
}

func TestSubmitSingle(t *testing.T) {
	db := openTestDB(t)
	q := New(db)
	defer q.Close()

	require.NoError(t, q.Submit(context.Background(), "INSERT INTO events (update_id) VALUES (?)", "tx1"))

	var id string
	require.NoError(t, db.QueryRow("SELECT update_id FROM events").Scan(&id))
	assert.Equal(t, "tx1", id)
}

func TestSubmitConcurrent(t *testing.T) {
	db := openTestDB(t)
	q := New(db, WithMaxBatch(8), WithFlushInterval(5*time.Millisecond))
	defer q.Close()

	const n = 40
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = q.Submit(context.Background(), "INSERT INTO events (update_id) VALUES (?)", fmt.Sprintf("tx-%d", i))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "submit %d", i)
	}
	assert.Equal(t, n, countEvents(t, db))
}

func TestFailedStatementOnlyFailsItself(t *testing.T) {
	db := openTestDB(t)
	// Long flush interval so all three land in one batch.
	q := New(db, WithFlushInterval(100*time.Millisecond))
	defer q.Close()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	ids := []string{"dup", "dup", "other"}
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = q.Submit(context.Background(), "INSERT INTO events (update_id) VALUES (?)", id)
		}(i, id)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
		}
	}
	assert.Equal(t, 1, failures, "exactly one duplicate insert should fail")
	assert.Equal(t, 2, countEvents(t, db))
}

func TestSubmitContextCancelled(t *testing.T) {
	db := openTestDB(t)
	q := New(db)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.Submit(ctx, "INSERT INTO events (update_id) VALUES (?)", "never")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCloseDrains(t *testing.T) {
	db := openTestDB(t)
	q := New(db)

	require.NoError(t, q.Submit(context.Background(), "INSERT INTO events (update_id) VALUES (?)", "flushed"))
	require.NoError(t, q.Close())
	require.NoError(t, q.Close(), "second Close is a no-op")

	assert.Equal(t, 1, countEvents(t, db))
}

func TestSubmitAfterClose(t *testing.T) {
	db := openTestDB(t)
	q := New(db)
	require.NoError(t, q.Close())

	err := q.Submit(context.Background(), "INSERT INTO events (update_id) VALUES (?)", "late")
	assert.ErrorIs(t, err, ErrClosed)
}
