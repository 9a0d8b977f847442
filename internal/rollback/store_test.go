package rollback

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lucidwonk/ctxrollback/internal/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreLayoutAndFormat(t *testing.T) {
	base := t.TempDir()
	s := NewFileStore(base)
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	snapPath, err := s.SaveSnapshot(&SnapshotRecord{
		UpdateID:        "tx1",
		Timestamp:       at,
		AffectedDomains: []string{"analysis"},
		Snapshots: []snapshot.Domain{{
			DomainPath: "/ctx/analysis/.context",
			Files:      map[string]string{"/ctx/analysis/.context/rules.md": "A"},
			Timestamp:  at,
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "snapshots", "tx1.snapshot.json"), snapPath)

	require.NoError(t, s.SaveState(&StateRecord{
		UpdateID:        "tx1",
		Timestamp:       at,
		AffectedDomains: []string{"analysis"},
		Status:          StatusPending,
		SnapshotPath:    snapPath,
	}))

	data, err := os.ReadFile(filepath.Join(base, "state", "tx1.rollback.json"))
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasPrefix(text, "{\n  \"updateId\": \"tx1\""), "two-space indented JSON")
	assert.True(t, strings.HasSuffix(text, "}\n"))
	assert.NotContains(t, text, "failedAt", "unset optional fields are omitted")

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "2026-03-04T05:06:07Z", raw["timestamp"])
	assert.Equal(t, "pending", raw["status"])
	assert.Equal(t, snapPath, raw["snapshotPath"])

	snap, err := s.LoadSnapshot("tx1")
	require.NoError(t, err)
	assert.Equal(t, "A", snap.Snapshots[0].Files["/ctx/analysis/.context/rules.md"])
	assert.Greater(t, s.SnapshotSize("tx1"), int64(0))
}

func TestFileStoreLoadMissing(t *testing.T) {
	s := NewFileStore(t.TempDir())

	_, err := s.LoadState("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.LoadSnapshot("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, s.SnapshotSize("nope"))

	_, err = s.LoadState("../etc")
	assert.ErrorIs(t, err, ErrInvalidUpdateID)
}

func TestFileStoreListReportsCorruptAndOrphans(t *testing.T) {
	base := t.TempDir()
	s := NewFileStore(base)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"late", "early"} {
		_, err := s.SaveSnapshot(&SnapshotRecord{UpdateID: id})
		require.NoError(t, err)
		require.NoError(t, s.SaveState(&StateRecord{
			UpdateID:  id,
			Timestamp: t0.Add(time.Duration(1-i) * time.Hour),
			Status:    StatusPending,
		}))
	}
	require.NoError(t, os.WriteFile(filepath.Join(base, "state", "broken.rollback.json"), []byte("{not json"), 0644))
	_, err := s.SaveSnapshot(&SnapshotRecord{UpdateID: "lonely"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(base, "state", "README"), []byte("ignored"), 0644))

	listing, err := s.List()
	require.NoError(t, err)
	require.Len(t, listing.Records, 2)
	assert.Equal(t, "early", listing.Records[0].UpdateID)
	assert.Equal(t, "late", listing.Records[1].UpdateID)

	require.Len(t, listing.Corrupt, 1)
	assert.Equal(t, "broken", listing.Corrupt[0].UpdateID)
	assert.Error(t, listing.Corrupt[0].Err)

	require.Len(t, listing.Orphans, 1)
	assert.Equal(t, "lonely", listing.Orphans[0].UpdateID)
	assert.False(t, listing.Orphans[0].ModTime.IsZero())
}

func TestFileStoreListEmptyBase(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "never-created"))
	listing, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, listing.Records)
	assert.Empty(t, listing.Orphans)
}

func TestFileStoreDelete(t *testing.T) {
	base := t.TempDir()
	s := NewFileStore(base)

	snapPath, err := s.SaveSnapshot(&SnapshotRecord{UpdateID: "tx1"})
	require.NoError(t, err)
	require.NoError(t, s.SaveState(&StateRecord{UpdateID: "tx1", Status: StatusCompleted, SnapshotPath: snapPath}))

	require.NoError(t, s.Delete("tx1"))
	assert.NoFileExists(t, snapPath)
	assert.NoFileExists(t, s.StatePath("tx1"))

	require.NoError(t, s.Delete("tx1"), "deleting twice is not an error")
}

func TestLoadSnapshotRejectsMismatchedID(t *testing.T) {
	base := t.TempDir()
	s := NewFileStore(base)

	otherPath, err := s.SaveSnapshot(&SnapshotRecord{UpdateID: "other"})
	require.NoError(t, err)
	require.NoError(t, s.SaveState(&StateRecord{UpdateID: "tx1", SnapshotPath: otherPath}))

	_, err = s.LoadSnapshot("tx1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "belongs to")
}

func TestSnapshotSizeFollowsStatePointer(t *testing.T) {
	base := t.TempDir()
	s := NewFileStore(base)

	defaultPath, err := s.SaveSnapshot(&SnapshotRecord{UpdateID: "tx1", AffectedDomains: []string{"analysis"}})
	require.NoError(t, err)
	moved := filepath.Join(base, "archive", "tx1.snapshot.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(moved), 0755))
	require.NoError(t, os.Rename(defaultPath, moved))
	require.NoError(t, s.SaveState(&StateRecord{UpdateID: "tx1", Status: StatusPending, SnapshotPath: moved}))

	info, err := os.Stat(moved)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), s.SnapshotSize("tx1"))

	assert.Zero(t, s.SnapshotSize("missing"))
	assert.Zero(t, s.SnapshotSize("../escape"))
}
