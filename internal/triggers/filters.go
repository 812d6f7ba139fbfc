package triggers

import (
	"sort"
	"strings"

	"github.com/wolfman30/crm-trigger-engine/internal/crm"
)

// FilterResult explains a filter evaluation.
type FilterResult struct {
	Matched bool
	Field   string
	Got     string
}

// MatchFilters evaluates the trigger's event filters against a payload. Each
// key is read through the adapter's field paths; a value matches when it
// equals (trimmed, case-insensitive) the filter or any entry of a filter list.
// Filters without values are ignored.
func MatchFilters(adapter crm.Adapter, t *Trigger, payload map[string]any) FilterResult {
	if t == nil || len(t.EventFilters) == 0 {
		return FilterResult{Matched: true}
	}
	keys := make([]string, 0, len(t.EventFilters))
	for k := range t.EventFilters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		want := t.EventFilters[key].Values()
		if len(want) == 0 || strings.TrimSpace(key) == "" {
			continue
		}
		got, ok := lookupField(adapter, payload, key)
		if !ok || !containsFold(want, got) {
			return FilterResult{Matched: false, Field: key, Got: got}
		}
	}
	return FilterResult{Matched: true}
}

func lookupField(adapter crm.Adapter, payload map[string]any, key string) (string, bool) {
	if adapter != nil {
		return adapter.FieldValue(payload, key)
	}
	if s := crm.StringAt(payload, key); s != "" {
		return s, true
	}
	v, ok := crm.Flatten(payload)[key]
	return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
}

func containsFold(values []string, got string) bool {
	got = strings.TrimSpace(got)
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), got) {
			return true
		}
	}
	return false
}
