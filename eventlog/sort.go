package eventlog

import (
	"sort"

	"github.com/hupe1980/agentledger/core"
)

// sortByTime orders cross-instance results deterministically.
func sortByTime(evs []core.Event) {
	sort.SliceStable(evs, func(i, j int) bool {
		a, b := evs[i], evs[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}

		if a.InstanceID != b.InstanceID {
			return a.InstanceID < b.InstanceID
		}

		return a.Sequence < b.Sequence
	})
}
