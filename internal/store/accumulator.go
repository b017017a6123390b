// Package store accumulates records across pages and tasks, deduplicates by
// identifier, and periodically persists recovery checkpoints.
package store

import (
	"github.com/kareemsasa3/silkworm/internal/types"
)

// SeenSet tracks identifiers already merged. Implementations must make Add
// atomic: the first caller for an identifier wins.
type SeenSet interface {
	// Add marks id as seen and reports whether it was newly added.
	Add(id string) (bool, error)
	// Len returns the number of identifiers seen, when cheaply known.
	Len() int
}

// MemorySeen is the in-process SeenSet.
type MemorySeen struct {
	ids map[string]struct{}
}

// NewMemorySeen creates an empty in-process seen set.
func NewMemorySeen() *MemorySeen {
	return &MemorySeen{ids: make(map[string]struct{})}
}

func (m *MemorySeen) Add(id string) (bool, error) {
	if _, ok := m.ids[id]; ok {
		return false, nil
	}
	m.ids[id] = struct{}{}
	return true, nil
}

func (m *MemorySeen) Len() int { return len(m.ids) }

// Logger is the logging subset the store needs.
type Logger interface {
	Debug(format string, v ...interface{})
	Warn(format string, v ...interface{})
}

// Recorder is the metrics subset the store feeds.
type Recorder interface {
	RecordMerged()
	RecordDuplicate()
}

// Accumulator owns merged records in arrival order. The seen set is
// injected so independent harvests can share or isolate dedup state.
type Accumulator struct {
	seen       SeenSet
	records    []types.ProductRecord
	duplicates int
	logger     Logger
	rec        Recorder
}

// NewAccumulator builds an accumulator over the given seen set. rec may be
// nil.
func NewAccumulator(seen SeenSet, log Logger, rec Recorder) *Accumulator {
	return &Accumulator{seen: seen, logger: log, rec: rec}
}

// Merge inserts record unless its identifier was already seen. The first
// record for an identifier is the one retained.
func (a *Accumulator) Merge(record types.ProductRecord) (bool, error) {
	added, err := a.seen.Add(record.Identifier)
	if err != nil {
		return false, err
	}
	if !added {
		a.duplicates++
		if a.rec != nil {
			a.rec.RecordDuplicate()
		}
		a.logger.Debug("duplicate identifier %s dropped", record.Identifier)
		return false, nil
	}
	a.records = append(a.records, record)
	if a.rec != nil {
		a.rec.RecordMerged()
	}
	return true, nil
}

// MergeAll merges a batch and returns how many were newly inserted.
func (a *Accumulator) MergeAll(records []types.ProductRecord) (int, error) {
	inserted := 0
	for _, r := range records {
		ok, err := a.Merge(r)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

// Records returns the merged records in arrival order. The slice is the
// accumulator's own; callers mutate entries in place during enrichment.
func (a *Accumulator) Records() []types.ProductRecord {
	return a.records
}

// Len returns the number of merged records.
func (a *Accumulator) Len() int { return len(a.records) }

// Duplicates returns how many merge attempts were rejected.
func (a *Accumulator) Duplicates() int { return a.duplicates }
