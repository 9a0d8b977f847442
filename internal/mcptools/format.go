package mcptools

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lucidwonk/ctxrollback/internal/retention"
	"github.com/lucidwonk/ctxrollback/internal/rollback"
)

const timeFormat = time.RFC3339

// FormatTransaction renders a freshly created or loaded transaction.
func FormatTransaction(tx *rollback.Transaction) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Rollback transaction `%s`\n\n", tx.UpdateID))
	sb.WriteString(fmt.Sprintf("- **Status**: %s\n", tx.Status))
	sb.WriteString(fmt.Sprintf("- **Created**: %s\n", tx.Timestamp.Format(timeFormat)))
	sb.WriteString(fmt.Sprintf("- **Snapshot**: `%s`\n", tx.SnapshotPath))
	if tx.CompletedAt != nil {
		sb.WriteString(fmt.Sprintf("- **Completed**: %s\n", tx.CompletedAt.Format(timeFormat)))
	}
	if tx.FailedAt != nil {
		sb.WriteString(fmt.Sprintf("- **Failed**: %s\n", tx.FailedAt.Format(timeFormat)))
		sb.WriteString(fmt.Sprintf("- **Reason**: %s\n", tx.FailureReason))
	}

	sb.WriteString("\n| Domain | Context directory | Files |\n|---|---|---|\n")
	for i, snap := range tx.Snapshots {
		domain := ""
		if i < len(tx.AffectedDomains) {
			domain = tx.AffectedDomains[i]
		}
		sb.WriteString(fmt.Sprintf("| %s | `%s` | %d |\n", domain, snap.DomainPath, len(snap.Files)))
	}
	return sb.String()
}

// FormatSummaries renders a list of transactions as a table.
func FormatSummaries(title string, list []rollback.Summary) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## %s (%d)\n\n", title, len(list)))
	if len(list) == 0 {
		sb.WriteString("No transactions.\n")
		return sb.String()
	}
	sb.WriteString("| Update ID | Status | Created | Domains |\n|---|---|---|---|\n")
	for _, s := range list {
		sb.WriteString(fmt.Sprintf("| `%s` | %s | %s | %s |\n",
			s.UpdateID, s.Status, s.Timestamp.Format(timeFormat), strings.Join(s.AffectedDomains, ", ")))
	}
	return sb.String()
}

// FormatCleanup renders a sweep summary.
func FormatCleanup(s retention.Summary) string {
	var sb strings.Builder
	heading := "Cleanup"
	if s.DryRun {
		heading = "Cleanup (dry run)"
	}
	sb.WriteString(fmt.Sprintf("## %s: trigger `%s`\n\n", heading, s.CleanupTrigger))
	sb.WriteString(fmt.Sprintf("- **Removed**: %d\n", s.RemovedCount))
	for _, name := range sortedKeys(s.ByStrategy) {
		sb.WriteString(fmt.Sprintf("  - %s: %d\n", name, s.ByStrategy[name]))
	}
	if len(s.Skipped) > 0 {
		sb.WriteString(fmt.Sprintf("- **Skipped (in use)**: %s\n", strings.Join(s.Skipped, ", ")))
	}
	sb.WriteString(fmt.Sprintf("- **Duration**: %s\n", s.ExecutionTime.Round(time.Microsecond)))
	if len(s.Errors) > 0 {
		sb.WriteString(fmt.Sprintf("\n### Errors (%d)\n\n", len(s.Errors)))
		for _, e := range s.Errors {
			sb.WriteString("- " + e + "\n")
		}
	}
	return sb.String()
}

// FormatStats renders retention statistics and, when present, ledger event
// counts.
func FormatStats(st retention.Stats, events map[string]int) string {
	var sb strings.Builder
	sb.WriteString("## Rollback statistics\n\n")
	sb.WriteString(fmt.Sprintf("- **Transactions**: %d\n", st.Total))
	for _, status := range []rollback.Status{rollback.StatusPending, rollback.StatusCompleted, rollback.StatusFailed} {
		sb.WriteString(fmt.Sprintf("  - %s: %d\n", status, st.ByStatus[status]))
	}
	if st.Oldest != nil {
		sb.WriteString(fmt.Sprintf("- **Oldest**: %s\n", st.Oldest.Format(timeFormat)))
		sb.WriteString(fmt.Sprintf("- **Newest**: %s\n", st.Newest.Format(timeFormat)))
	}
	sb.WriteString(fmt.Sprintf("- **Snapshot payload**: %s\n", humanBytes(st.SnapshotBytes)))
	if st.Corrupt > 0 {
		sb.WriteString(fmt.Sprintf("- **Unreadable records**: %d\n", st.Corrupt))
	}
	if st.Orphans > 0 {
		sb.WriteString(fmt.Sprintf("- **Orphan snapshots**: %d\n", st.Orphans))
	}

	p := st.Policy
	sb.WriteString("\n### Policy\n\n")
	sb.WriteString(fmt.Sprintf("- max age: %dh, failed max age: %dh, max pending: %d\n",
		p.MaxAgeHours, p.FailedMaxAgeHours, p.MaxCount))
	sb.WriteString(fmt.Sprintf("- triggers: %s\n", strings.Join(p.Triggers, ", ")))
	sb.WriteString(fmt.Sprintf("- aggressive: %t\n", p.Aggressive))

	if st.LastSweep != nil {
		ls := st.LastSweep
		sb.WriteString(fmt.Sprintf("\n### Last sweep\n\n- trigger `%s` at %s: %d removed, %d errors\n",
			ls.CleanupTrigger, ls.FinishedAt.Format(timeFormat), ls.RemovedCount, len(ls.Errors)))
	}

	if len(st.HeldLocks) > 0 {
		sb.WriteString("\n### Locks held\n\n")
		for _, l := range st.HeldLocks {
			sb.WriteString(fmt.Sprintf("- %s (pid %d, since %s)\n", l.Purpose, l.PID, l.AcquiredAt))
		}
	}

	if len(events) > 0 {
		sb.WriteString("\n### Ledger events\n\n| Kind | Count |\n|---|---|\n")
		for _, k := range sortedKeys(events) {
			sb.WriteString(fmt.Sprintf("| %s | %d |\n", k, events[k]))
		}
	}
	return sb.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
