package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"), testLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistoryFirstSightingHasNoChanges(t *testing.T) {
	h := openTestHistory(t)

	rec := record("101", "Solar Lantern")
	require.NoError(t, h.RecordProduct("run-1", &rec))

	summary, err := h.GetRunSummary("run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Products)
	assert.Equal(t, 0, summary.Changed)

	changed, err := h.ChangedProducts("run-1")
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestHistoryDetectsPriceDrift(t *testing.T) {
	h := openTestHistory(t)

	first := record("101", "Solar Lantern")
	first.Price = "100"
	require.NoError(t, h.RecordProduct("run-1", &first))

	second := record("101", "Solar Lantern")
	second.Price = "120"
	require.NoError(t, h.RecordProduct("run-2", &second))

	changed, err := h.ChangedProducts("run-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"101"}, changed)

	summary, err := h.GetRunSummary("run-2")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Changed)
}

func TestHistoryUnchangedContentStaysQuiet(t *testing.T) {
	h := openTestHistory(t)

	rec := record("101", "Solar Lantern")
	require.NoError(t, h.RecordProduct("run-1", &rec))
	require.NoError(t, h.RecordProduct("run-2", &rec))

	changed, err := h.ChangedProducts("run-2")
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestHistoryCountsEnrichedRows(t *testing.T) {
	h := openTestHistory(t)

	plain := record("101", "a")
	enriched := record("202", "b")
	enriched.Enriched = true
	require.NoError(t, h.RecordProduct("run-1", &plain))
	require.NoError(t, h.RecordProduct("run-1", &enriched))

	summary, err := h.GetRunSummary("run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Products)
	assert.Equal(t, 1, summary.Enriched)
}

func TestHistorySummaryOnEmptyRun(t *testing.T) {
	h := openTestHistory(t)

	summary, err := h.GetRunSummary("run-missing")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Products)
	assert.Equal(t, 0, summary.Changed)
	assert.True(t, summary.FirstWrite.IsZero())
}

func TestSummarizeChange(t *testing.T) {
	s := summarizeChange("Solar Lantern", "100", "Solar Lantern Pro", "120")
	assert.Contains(t, s, "price 100 -> 120")
	assert.Contains(t, s, "title ")
	assert.Contains(t, s, "+")

	priceOnly := summarizeChange("Same Title", "100", "Same Title", "90")
	assert.Equal(t, "price 100 -> 90", priceOnly)
}

func TestContentHashIgnoresVolatileFields(t *testing.T) {
	a := record("101", "Stable Title")
	b := record("101", "Stable Title")
	b.PageIndex = 7
	b.SourceTask = "different task"
	assert.Equal(t, contentHash(&a), contentHash(&b))

	c := record("101", "Other Title")
	assert.NotEqual(t, contentHash(&a), contentHash(&c))
}
