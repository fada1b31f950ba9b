package util

import (
	"fmt"
	"sort"
	"strings"
)

// ValueString renders a column value the way it is compared across change
// records: byte slices as text, nil as empty.
func ValueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// PrimaryKeyString renders a primary-key map deterministically, columns in
// sorted order, for log fields and sink message keys.
func PrimaryKeyString(pk map[string]any) string {
	if len(pk) == 0 {
		return ""
	}
	parts := make([]string, 0, len(pk))
	for _, k := range SortedKeys(pk) {
		parts = append(parts, k+"="+ValueString(pk[k]))
	}
	return strings.Join(parts, ",")
}

func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
