package domain

import (
	"sort"
	"strings"
)

// ItemKey is the order-independent identity of a checklist item set.
func ItemKey(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
