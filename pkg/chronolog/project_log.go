package chronolog

import (
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Filenames under the project root. The log lives in the project's state
// directory; derived session files go to a separate results location.
const (
	StateDirName    = ".discernus"
	LogFileName     = "chronolog.jsonl"
	ResultsDirName  = "results"
	ManifestName    = "discernus.yaml"
	SessionFileStem = "session_"
)

// CaptureStopper is the handle a project log holds on its background bus
// listener. Stop must be idempotent and must join the listener within a
// bounded timeout.
type CaptureStopper interface {
	Stop() error
}

// ProjectLog is the single live chronolog for one project. Exactly one
// open instance per canonical project id exists per process, enforced by
// the Registry. The log file is owned exclusively by this instance.
type ProjectLog struct {
	projectID string
	root      string
	store     *EventStore
	signer    *EventSigner
	logger    *slog.Logger

	mu      sync.Mutex
	capture CaptureStopper
	closed  bool
}

// OpenProjectLog opens the chronolog for the project rooted at root.
// projectID is the canonical project identity. The sink may be nil.
func OpenProjectLog(projectID, root string, signer *EventSigner, sink CommitSink, logger *slog.Logger) (*ProjectLog, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := NewEventStore(filepath.Join(root, StateDirName, LogFileName), signer, sink)
	if err != nil {
		return nil, err
	}

	return &ProjectLog{
		projectID: projectID,
		root:      root,
		store:     store,
		signer:    signer,
		logger:    logger,
	}, nil
}

// ProjectID returns the canonical project identity.
func (pl *ProjectLog) ProjectID() string {
	return pl.projectID
}

// Root returns the project root directory.
func (pl *ProjectLog) Root() string {
	return pl.root
}

// Store exposes the underlying event store for iteration.
func (pl *ProjectLog) Store() *EventStore {
	return pl.store
}

// Signer exposes the log's signer for verification.
func (pl *ProjectLog) Signer() *EventSigner {
	return pl.signer
}

// ResultsDir is where derived session files are written, distinct from
// the parent log.
func (pl *ProjectLog) ResultsDir() string {
	return filepath.Join(pl.root, StateDirName, ResultsDirName)
}

// Initialize records the first event of a run: actor identity, invoking
// command and an environment fingerprint, tagged with the given session.
func (pl *ProjectLog) Initialize(sessionID string) (*ChronologEvent, error) {
	return pl.LogEvent(EventKindInitialization, sessionID, Payload{
		"actor":       currentActor(),
		"command":     strings.Join(os.Args, " "),
		"environment": environmentFingerprint(),
	})
}

// LogEvent constructs, signs and durably appends one event. This and
// Initialize are the only operations collaborators need.
func (pl *ProjectLog) LogEvent(kind, sessionID string, payload Payload) (*ChronologEvent, error) {
	e, err := NewEvent(kind, sessionID, pl.projectID, payload)
	if err != nil {
		return nil, err
	}
	if err := pl.store.Append(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Append signs and durably appends an already constructed event. Used by
// the bus listener; foreground callers normally go through LogEvent.
func (pl *ProjectLog) Append(e *ChronologEvent) error {
	return pl.store.Append(e)
}

// AttachCapture records the live bus listener so teardown can stop it.
// Any previously attached listener is stopped first.
func (pl *ProjectLog) AttachCapture(c CaptureStopper) {
	pl.mu.Lock()
	prev := pl.capture
	pl.capture = c
	pl.mu.Unlock()

	if prev != nil {
		if err := prev.Stop(); err != nil {
			pl.logger.Warn("stopping previous capture", "project", pl.projectID, "error", err)
		}
	}
}

// StopCapture stops the background listener if one is attached. Safe and
// a no-op on a log with no active listener.
func (pl *ProjectLog) StopCapture() error {
	pl.mu.Lock()
	c := pl.capture
	pl.capture = nil
	pl.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Stop()
}

// Close stops any active capture and releases the log file.
func (pl *ProjectLog) Close() error {
	pl.mu.Lock()
	if pl.closed {
		pl.mu.Unlock()
		return nil
	}
	pl.closed = true
	pl.mu.Unlock()

	if err := pl.StopCapture(); err != nil {
		pl.logger.Warn("stopping capture on close", "project", pl.projectID, "error", err)
	}
	return pl.store.Close()
}

func currentActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

func environmentFingerprint() Payload {
	hostname, _ := os.Hostname()
	wd, _ := os.Getwd()
	return Payload{
		"os":          runtime.GOOS,
		"arch":        runtime.GOARCH,
		"go_version":  runtime.Version(),
		"hostname":    hostname,
		"working_dir": wd,
	}
}
