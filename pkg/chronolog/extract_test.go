package chronolog_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discernus/discernus-sub006/pkg/chronolog"
)

func TestExtract_InterleavedSessionsAreDisjoint(t *testing.T) {
	pl := newTestProjectLog(t, "test-key")

	order := []string{"A", "B", "A", "A", "B", "A"}
	for i, session := range order {
		_, err := pl.LogEvent("TEST_EVENT", session, chronolog.Payload{"i": i})
		require.NoError(t, err)
	}

	slA, err := chronolog.Extract(pl, "A")
	require.NoError(t, err)
	require.False(t, slA.Empty)
	require.Len(t, slA.Events, 4)

	// Original relative order is preserved.
	indices := make([]int, 0, 4)
	for _, e := range slA.Events {
		assert.Equal(t, "A", e.SessionID)
		indices = append(indices, int(e.Payload["i"].(float64)))
	}
	assert.Equal(t, []int{0, 2, 3, 5}, indices)

	slB, err := chronolog.Extract(pl, "B")
	require.NoError(t, err)
	require.Len(t, slB.Events, 2)
	for _, e := range slB.Events {
		assert.Equal(t, "B", e.SessionID)
	}
}

func TestExtract_NoMatchesIsExplicitlyEmpty(t *testing.T) {
	pl := newTestProjectLog(t, "test-key")
	_, err := pl.LogEvent("TEST_EVENT", "A", nil)
	require.NoError(t, err)

	sl, err := chronolog.Extract(pl, "does-not-exist")
	require.NoError(t, err)
	assert.True(t, sl.Empty)
	assert.Empty(t, sl.Events)
	assert.Empty(t, sl.Path)
	assert.Equal(t, 0, sl.Stats.EventCount)

	// No derived file is written for an empty extraction.
	entries, err := os.ReadDir(pl.ResultsDir())
	if err == nil {
		assert.Empty(t, entries)
	}
}

// The reference run shape: one INITIALIZATION plus three
// started/completed pairs on session S1, with two unrelated S2 events
// interleaved among them.
func TestExtract_ReferenceScenario(t *testing.T) {
	pl := newTestProjectLog(t, "test-key")

	log := func(kind, session string) {
		t.Helper()
		_, err := pl.LogEvent(kind, session, nil)
		require.NoError(t, err)
	}

	log(chronolog.EventKindInitialization, "S1")
	log("LLM_CALL_STARTED", "S1")
	log("LLM_CALL_COMPLETED", "S1")
	log("UNRELATED", "S2")
	log("LLM_CALL_STARTED", "S1")
	log("LLM_CALL_COMPLETED", "S1")
	log("UNRELATED", "S2")
	log("LLM_CALL_STARTED", "S1")
	log("LLM_CALL_COMPLETED", "S1")

	sl, err := chronolog.Extract(pl, "S1")
	require.NoError(t, err)
	require.Len(t, sl.Events, 7)

	stats := sl.Stats
	assert.Equal(t, 7, stats.EventCount)
	assert.Equal(t, 1, stats.EventCounts[chronolog.EventKindInitialization])
	assert.Equal(t, 3, stats.EventCounts["LLM_CALL_STARTED"])
	assert.Equal(t, 3, stats.EventCounts["LLM_CALL_COMPLETED"])

	// Duration spans only the 7 extracted records, unaffected by the
	// interleaved S2 events.
	first := sl.Events[0].Timestamp
	last := sl.Events[6].Timestamp
	assert.Equal(t, first, stats.StartedAt)
	assert.Equal(t, last, stats.EndedAt)
	assert.Equal(t, last.Sub(first), stats.Duration)

	// Phase duration: first LLM_CALL start to last LLM_CALL completion.
	require.Contains(t, stats.PhaseDurations, "LLM_CALL")
	assert.Equal(t, sl.Events[6].Timestamp.Sub(sl.Events[1].Timestamp), stats.PhaseDurations["LLM_CALL"])
}

func TestExtract_WritesDerivedFileWithOriginalRecords(t *testing.T) {
	pl := newTestProjectLog(t, "test-key")
	for i := 0; i < 3; i++ {
		_, err := pl.LogEvent("TEST_EVENT", "run-42", chronolog.Payload{"i": i})
		require.NoError(t, err)
	}
	_, err := pl.LogEvent("TEST_EVENT", "other", nil)
	require.NoError(t, err)

	sl, err := chronolog.Extract(pl, "run-42")
	require.NoError(t, err)

	// Deterministic name under the results dir, distinct from the log.
	assert.Equal(t, filepath.Join(pl.ResultsDir(), "session_run-42.jsonl"), sl.Path)
	assert.NotEqual(t, filepath.Dir(pl.Store().Path()), filepath.Dir(sl.Path))

	// Derived records preserve signatures and verify independently.
	f, err := os.Open(sl.Path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	signer := chronolog.NewSigner("test-key")
	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e chronolog.ChronologEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		assert.Equal(t, "run-42", e.SessionID)
		assert.True(t, signer.Verify(&e), "derived record %d must keep a valid signature", count)
		count++
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, 3, count)
}

func TestExtract_DerivedFileGoesThroughCommitSink(t *testing.T) {
	sink := &recordingSink{}
	root := t.TempDir()
	pl, err := chronolog.OpenProjectLog("proj-test", root, chronolog.NewSigner("test-key"), sink, nil)
	require.NoError(t, err)
	defer func() { _ = pl.Close() }()

	_, err = pl.LogEvent("TEST_EVENT", "S1", nil)
	require.NoError(t, err)

	sl, err := chronolog.Extract(pl, "S1")
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.paths, 2)
	assert.Equal(t, pl.Store().Path(), sink.paths[0])
	assert.Equal(t, sl.Path, sink.paths[1])
}

func TestExtract_SanitizesSessionIDInFilename(t *testing.T) {
	pl := newTestProjectLog(t, "test-key")
	_, err := pl.LogEvent("TEST_EVENT", "run/2026-08-24 12:00", nil)
	require.NoError(t, err)

	sl, err := chronolog.Extract(pl, "run/2026-08-24 12:00")
	require.NoError(t, err)
	assert.Equal(t, "session_run_2026-08-24_12_00.jsonl", filepath.Base(sl.Path))
}

func TestExtract_SkipsCorruptLinesWithFinding(t *testing.T) {
	pl := newTestProjectLog(t, "test-key")
	_, err := pl.LogEvent("TEST_EVENT", "S1", nil)
	require.NoError(t, err)

	f, err := os.OpenFile(pl.Store().Path(), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("}}} broken\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = pl.LogEvent("TEST_EVENT", "S1", nil)
	require.NoError(t, err)

	sl, err := chronolog.Extract(pl, "S1")
	require.NoError(t, err)
	assert.Len(t, sl.Events, 2)
	require.Len(t, sl.Findings, 1)
	assert.Equal(t, 1, sl.Findings[0].Position)
}
