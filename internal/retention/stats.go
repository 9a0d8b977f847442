package retention

import (
	"fmt"
	"time"

	"github.com/lucidwonk/ctxrollback/internal/filelock"
	"github.com/lucidwonk/ctxrollback/internal/rollback"
)

// Stats describes what the store currently holds.
type Stats struct {
	Total         int                     `json:"total"`
	ByStatus      map[rollback.Status]int `json:"byStatus"`
	Oldest        *time.Time              `json:"oldest,omitempty"`
	Newest        *time.Time              `json:"newest,omitempty"`
	SnapshotBytes int64                   `json:"snapshotBytes"`
	Corrupt       int                     `json:"corrupt"`
	Orphans       int                     `json:"orphans"`
	Policy        Policy                  `json:"policy"`
	LastSweep     *Summary                `json:"lastSweep,omitempty"`
	// HeldLocks lists the locks this process holds right now, such as
	// rollbacks in flight in a long-running server.
	HeldLocks []filelock.LockInfo `json:"heldLocks,omitempty"`
}

// Statistics summarises the store together with the policy and the last
// sweep run by this Manager.
func (m *Manager) Statistics() (Stats, error) {
	st := Stats{
		ByStatus: map[rollback.Status]int{
			rollback.StatusPending:   0,
			rollback.StatusCompleted: 0,
			rollback.StatusFailed:    0,
		},
		Policy: m.policy,
	}

	m.lastMu.Lock()
	if m.lastSweep != nil {
		last := *m.lastSweep
		st.LastSweep = &last
	}
	m.lastMu.Unlock()
	st.HeldLocks = m.locks.HeldLocks()

	listing, err := m.store.List()
	if err != nil {
		return st, fmt.Errorf("list records: %w", err)
	}
	st.Total = len(listing.Records)
	st.Corrupt = len(listing.Corrupt)
	st.Orphans = len(listing.Orphans)

	for _, r := range listing.Records {
		st.ByStatus[r.Status]++
		st.SnapshotBytes += m.store.SnapshotSize(r.UpdateID)
	}
	if n := len(listing.Records); n > 0 {
		oldest := listing.Records[0].Timestamp
		newest := listing.Records[n-1].Timestamp
		st.Oldest, st.Newest = &oldest, &newest
	}

	return st, nil
}
