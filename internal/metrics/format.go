package metrics

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FormatHuman returns a human-readable table of metrics.
func FormatHuman(metrics []Metric) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-45s %12s  %s\n", "METRIC", "VALUE", "LABELS"))
	b.WriteString(strings.Repeat("-", 75) + "\n")

	for _, m := range metrics {
		labels := ""
		if len(m.Labels) > 0 {
			keys := make([]string, 0, len(m.Labels))
			for k := range m.Labels {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			parts := make([]string, 0, len(keys))
			for _, k := range keys {
				parts = append(parts, k+"="+m.Labels[k])
			}
			labels = strings.Join(parts, ", ")
		}

		valStr := fmt.Sprintf("%.0f", m.Value)
		if m.Value != float64(int64(m.Value)) {
			valStr = fmt.Sprintf("%.2f", m.Value)
		}

		b.WriteString(fmt.Sprintf("%-45s %12s  %s\n", m.Name, valStr, labels))
	}
	return b.String()
}

// FormatJSONL returns one JSON object per line.
func FormatJSONL(metrics []Metric) (string, error) {
	var b strings.Builder
	for _, m := range metrics {
		data, err := json.Marshal(m)
		if err != nil {
			return "", err
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	return b.String(), nil
}
