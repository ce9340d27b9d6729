package plancache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ngaut/planengine/internal/planmodel"
	"github.com/ngaut/planengine/internal/telemetry"
)

func cacheWithEntries(entries ...Entry) *Cache {
	c := New(nil, nil, telemetry.NewNoopLogger())
	c.snapshot.Store(buildSnapshot(entries))
	return c
}

func TestNormalize_StripsTrailingPunctuationAndCase(t *testing.T) {
	require.Equal(t, "summarize the report", Normalize("  Summarize the report!  "))
}

func TestLookup_FindsEntryAboveSimilarityCutoff(t *testing.T) {
	c := cacheWithEntries(Entry{Goal: "summarize the quarterly report"})

	result := c.Lookup("summarize the quarterly report", "")
	require.True(t, result.Found)
	require.Equal(t, "summarize the quarterly report", result.Entry.Goal)
}

func TestLookup_BelowCutoffReturnsNotFound(t *testing.T) {
	c := cacheWithEntries(Entry{Goal: "summarize the quarterly report"})

	result := c.Lookup("book a flight to paris", "")
	require.False(t, result.Found)
}

func TestLookup_EmptyCacheReturnsNotFound(t *testing.T) {
	c := New(nil, nil, telemetry.NewNoopLogger())
	result := c.Lookup("anything", "")
	require.False(t, result.Found)
}

func TestLookup_LanguageMatchIsReportedAsMatched(t *testing.T) {
	goal := "summarize the quarterly report"
	c := cacheWithEntries(
		Entry{Goal: goal, ResponseFormat: map[string]string{"Lang": "fr"}},
	)

	result := c.Lookup(goal, "fr")
	require.True(t, result.Found)
	require.True(t, result.Matched)
}

func TestLookup_NoLanguageMatchStillReturnsTopCandidateUnmatched(t *testing.T) {
	goal := "summarize the quarterly report"
	c := cacheWithEntries(Entry{Goal: goal, ResponseFormat: map[string]string{"Lang": "de"}})

	result := c.Lookup(goal, "fr")
	require.True(t, result.Found)
	require.False(t, result.Matched)
}

func TestBuildSnapshot_DeduplicatesByNormalizedGoalKeepingLastEntry(t *testing.T) {
	snap := buildSnapshot([]Entry{
		{Goal: "Summarize the report.", BestPlan: []planmodel.PlanStep{{SeqNo: 0}}},
		{Goal: "summarize the report", BestPlan: []planmodel.PlanStep{{SeqNo: 1}}},
	})
	require.Len(t, snap.order, 1)
	require.Equal(t, 1, snap.byNorm[snap.order[0]].BestPlan[0].SeqNo)
}

func TestLoadFromRedis_NilClientIsNoop(t *testing.T) {
	c := New(nil, nil, telemetry.NewNoopLogger())
	require.NoError(t, c.LoadFromRedis(nil))
}
