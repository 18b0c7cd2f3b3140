package fieldsync

import (
	"sort"
	"time"
)

// SyncCursor is the replication decision for one experiment: upload every
// record strictly newer than After.
type SyncCursor struct {
	// Experiment is the local table name, including the data suffix.
	Experiment string

	// After is the resume cursor. Records at or before it stay local.
	After time.Time

	// Pending is how far the local tail runs ahead of the cursor.
	Pending time.Duration
}

// ResolveCursors decides which experiments need uploading and from where.
//
// The remote authority's answer wins whenever it has one. For experiments
// the authority knows nothing about, the cursor falls back to the
// experiment's own first local timestamp, which bounds the upload window
// by data that actually exists; the strict-after stream then deliberately
// leaves that first record local rather than risk re-sending history.
//
// Experiments with no local records, or whose local tail is not ahead of
// the cursor, are omitted. Re-running the cycle right after a full sync
// therefore resolves to nothing, making replication idempotent.
func ResolveCursors(spans map[string]TimeSpan, lastSynced map[string]time.Time) []SyncCursor {
	cursors := make([]SyncCursor, 0, len(spans))
	for experiment, span := range spans {
		if span.Empty() {
			continue
		}
		after := lastSynced[experiment]
		if after.IsZero() {
			after = span.First
		}
		pending := span.Last.Sub(after)
		if pending <= 0 {
			continue
		}
		cursors = append(cursors, SyncCursor{
			Experiment: experiment,
			After:      after,
			Pending:    pending,
		})
	}

	sort.Slice(cursors, func(i, j int) bool {
		return cursors[i].Experiment < cursors[j].Experiment
	})
	return cursors
}
