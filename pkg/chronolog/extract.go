package chronolog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RunStatistics summarizes one session's extracted events. It is the sole
// structured surface downstream reporting consumes from this core.
type RunStatistics struct {
	SessionID      string                   `json:"session_id"`
	EventCount     int                      `json:"event_count"`
	StartedAt      time.Time                `json:"started_at"`
	EndedAt        time.Time                `json:"ended_at"`
	Duration       time.Duration            `json:"duration_ns"`
	EventCounts    map[string]int           `json:"event_counts"`
	PhaseDurations map[string]time.Duration `json:"phase_durations_ns,omitempty"`
}

// SessionLog is a derived, read-only view of one session: the ordered
// subsequence of matching events, the file they were copied to and their
// statistics. Never mutated after creation.
type SessionLog struct {
	SessionID string
	Path      string
	Events    []*ChronologEvent
	Stats     RunStatistics
	Findings  []Corruption
	Empty     bool
}

// Extract filters the project log by session id into a derived append-only
// file under the project's results directory, named deterministically from
// the session id, and computes RunStatistics over the extracted subset.
//
// A single forward pass copies matching records in original order,
// preserving the raw bytes (and therefore the signatures) exactly.
// Malformed lines are recorded as findings and skipped. When nothing
// matches, an explicit empty result is returned and no file is written.
func Extract(pl *ProjectLog, sessionID string) (*SessionLog, error) {
	dest := filepath.Join(pl.ResultsDir(), SessionFileStem+sanitizeSessionID(sessionID)+".jsonl")
	return ExtractTo(pl, sessionID, dest)
}

// ExtractTo is Extract with an explicit destination path.
func ExtractTo(pl *ProjectLog, sessionID, dest string) (*SessionLog, error) {
	it, err := pl.Store().Iterate()
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	result := &SessionLog{SessionID: sessionID}
	var lines [][]byte

	for it.Next() {
		rec := it.Record()
		if rec.Err != nil {
			if cre, ok := rec.Err.(*CorruptRecordError); ok {
				result.Findings = append(result.Findings, cre.Finding)
			}
			continue
		}
		if rec.Event.SessionID != sessionID {
			continue
		}
		result.Events = append(result.Events, rec.Event)
		lines = append(lines, rec.Raw)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	if len(result.Events) == 0 {
		result.Empty = true
		result.Stats = RunStatistics{SessionID: sessionID, EventCounts: map[string]int{}}
		return result, nil
	}

	if err := writeDerivedFile(dest, lines); err != nil {
		return nil, err
	}
	result.Path = dest
	result.Stats = computeStatistics(sessionID, result.Events)

	// Derived files are committed the same way the parent log is, for
	// independent auditability of a single run.
	if sink := pl.Store().sink; sink != nil {
		sink.Notify(dest, fmt.Sprintf("chronolog: session %s extract (%d events)", sessionID, len(result.Events)))
	}
	return result, nil
}

func writeDerivedFile(dest string, lines [][]byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("%w: create results directory: %v", ErrStorage, err)
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrStorage, dest, err)
	}
	defer func() { _ = f.Close() }()

	for _, line := range lines {
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("%w: write %s: %v", ErrStorage, dest, err)
		}
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync %s: %v", ErrStorage, dest, err)
	}
	return nil
}

func computeStatistics(sessionID string, events []*ChronologEvent) RunStatistics {
	stats := RunStatistics{
		SessionID:   sessionID,
		EventCount:  len(events),
		StartedAt:   events[0].Timestamp,
		EndedAt:     events[len(events)-1].Timestamp,
		EventCounts: make(map[string]int, 8),
	}
	stats.Duration = stats.EndedAt.Sub(stats.StartedAt)

	phaseStart := map[string]time.Time{}
	phaseEnd := map[string]time.Time{}
	for _, e := range events {
		stats.EventCounts[e.Kind]++

		if phase, ok := strings.CutSuffix(e.Kind, markerStartedSuffix); ok {
			if _, seen := phaseStart[phase]; !seen {
				phaseStart[phase] = e.Timestamp
			}
		}
		if phase, ok := strings.CutSuffix(e.Kind, markerCompletedSuffix); ok {
			phaseEnd[phase] = e.Timestamp
		}
	}

	for phase, started := range phaseStart {
		ended, ok := phaseEnd[phase]
		if !ok || ended.Before(started) {
			continue
		}
		if stats.PhaseDurations == nil {
			stats.PhaseDurations = map[string]time.Duration{}
		}
		stats.PhaseDurations[phase] = ended.Sub(started)
	}
	return stats
}

// sanitizeSessionID keeps derived filenames deterministic and safe for
// the filesystem.
func sanitizeSessionID(sessionID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, sessionID)
}
