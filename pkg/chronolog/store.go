package chronolog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// CommitSink receives best-effort external persistence requests after a
// durable write succeeds. Implementations must not block the caller;
// failures stay on the sink's own error channel and never propagate back
// into Append.
type CommitSink interface {
	Notify(path, message string)
}

// Corruption is one structured finding from iteration or verification:
// a malformed line or a signature mismatch at a zero-based record position.
type Corruption struct {
	Position int    `json:"position"`
	Reason   string `json:"reason"`
}

// Record is one raw entry yielded during iteration. Err carries a parse
// failure for the line; the iterator keeps going either way.
type Record struct {
	Position int
	Raw      []byte
	Event    *ChronologEvent
	Err      error
}

// EventStore is durable, append-only persistence for one project's log:
// newline-delimited JSON records, one self-contained record per line.
// The file is owned exclusively by its store; concurrent appends are
// serialized by a mutex around sign, write and flush.
type EventStore struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	signer *EventSigner
	sink   CommitSink
	closed bool
}

// NewEventStore opens (creating if needed) the log file at path for
// appending. The sink may be nil when no external mirroring is wanted.
func NewEventStore(path string, signer *EventSigner, sink CommitSink) (*EventStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("%w: create log directory: %v", ErrStorage, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}

	return &EventStore{
		path:   path,
		file:   f,
		signer: signer,
		sink:   sink,
	}, nil
}

// Path returns the physical log file path.
func (s *EventStore) Path() string {
	return s.path
}

// Append signs the event, writes it as one newline-delimited record and
// forces the write to stable storage before returning. There is no
// cross-call buffering: a crash immediately after Append returns cannot
// lose anything already returned. The best-effort external commit is
// notified after the durable write and can never fail or roll it back.
func (s *EventStore) Append(e *ChronologEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrLogClosed
	}

	sig, err := s.signer.Sign(e)
	if err != nil {
		return err
	}
	e.Signature = sig

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: marshal event %s: %v", ErrStorage, e.EventID, err)
	}

	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrStorage, s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync %s: %v", ErrStorage, s.path, err)
	}

	if s.sink != nil {
		s.sink.Notify(s.path, fmt.Sprintf("chronolog: %s (%s)", e.Kind, e.EventID))
	}
	return nil
}

// Iterate returns a lazy scan over the raw records strictly in append
// order. Each call opens a fresh read handle, so iteration is restartable
// from the start and independent of ongoing writes.
func (s *EventStore) Iterate() (*Iterator, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s for read: %v", ErrStorage, s.path, err)
	}
	return &Iterator{file: f, reader: bufio.NewReaderSize(f, 64*1024), position: -1}, nil
}

// Close releases the write handle. Records already appended stay durable.
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrStorage, s.path, err)
	}
	return nil
}

// maxRecordBytes bounds a single log line. Payloads are research metadata,
// not artifacts; anything near this size belongs in external storage.
const maxRecordBytes = 8 * 1024 * 1024

// Iterator walks the log file one record at a time.
type Iterator struct {
	file     *os.File
	reader   *bufio.Reader
	position int
	record   Record
	err      error
	done     bool
}

// Next advances to the next record, returning false at end of log.
// Malformed and oversized lines are reported as records carrying a
// Corruption error; scanning continues past them.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}

	line, oversized, err := it.readLine()
	if err != nil {
		it.done = true
		if err != io.EOF {
			it.err = fmt.Errorf("%w: read %s: %v", ErrStorage, it.file.Name(), err)
			return false
		}
		if len(line) == 0 && !oversized {
			return false
		}
	}

	it.position++
	rec := Record{Position: it.position, Raw: line}

	if oversized {
		rec.Raw = nil
		rec.Err = &CorruptRecordError{Corruption{
			Position: it.position,
			Reason:   fmt.Sprintf("record exceeds %d bytes", maxRecordBytes),
		}}
	} else {
		var e ChronologEvent
		if err := json.Unmarshal(line, &e); err != nil {
			rec.Err = &CorruptRecordError{Corruption{
				Position: it.position,
				Reason:   fmt.Sprintf("malformed record: %v", err),
			}}
		} else {
			rec.Event = &e
		}
	}

	it.record = rec
	return true
}

// readLine reads up to the next newline. A line longer than
// maxRecordBytes is consumed to its end but not retained, reported as
// oversized so the walk can keep going at the next record.
func (it *Iterator) readLine() ([]byte, bool, error) {
	var line []byte
	oversized := false
	for {
		chunk, err := it.reader.ReadSlice('\n')
		if !oversized {
			line = append(line, chunk...)
			if len(line) > maxRecordBytes {
				oversized = true
				line = nil
			}
		}
		switch err {
		case nil:
			if !oversized && len(line) > 0 && line[len(line)-1] == '\n' {
				line = line[:len(line)-1]
			}
			return line, oversized, nil
		case bufio.ErrBufferFull:
			continue
		default:
			return line, oversized, err
		}
	}
}

// Record returns the record the iterator is positioned on.
func (it *Iterator) Record() Record {
	return it.record
}

// Err reports a scan-level failure (an unreadable file), distinct from
// per-record corruption findings.
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the read handle.
func (it *Iterator) Close() error {
	return it.file.Close()
}

// CorruptRecordError wraps a Corruption finding as an error for record
// level reporting.
type CorruptRecordError struct {
	Finding Corruption
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("record %d: %s", e.Finding.Position, e.Finding.Reason)
}
