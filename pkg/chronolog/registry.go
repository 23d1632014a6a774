package chronolog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// CaptureFactory builds and starts a bus listener for a freshly created
// project log. A factory returning an error wrapping ErrBusUnavailable
// degrades the log to direct-append-only mode with a warning; any other
// error is surfaced.
type CaptureFactory func(pl *ProjectLog) (CaptureStopper, error)

// Registry maps canonical project identity to its single live ProjectLog.
// It is an explicit object owned by the process's composition root and
// passed by reference; there is no hidden global instance.
type Registry struct {
	mu          sync.Mutex
	logs        map[string]*ProjectLog
	initialized map[string]bool
	signer      *EventSigner
	sink        CommitSink
	capture     CaptureFactory
	logger      *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCommitSink mirrors every durable write to the given best-effort
// external sink.
func WithCommitSink(sink CommitSink) RegistryOption {
	return func(r *Registry) { r.sink = sink }
}

// WithCaptureFactory starts a bus listener for every created log.
func WithCaptureFactory(f CaptureFactory) RegistryOption {
	return func(r *Registry) { r.capture = f }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry using the given signer for every
// log it opens.
func NewRegistry(signer *EventSigner, opts ...RegistryOption) *Registry {
	r := &Registry{
		logs:        make(map[string]*ProjectLog),
		initialized: make(map[string]bool),
		signer:      signer,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CanonicalProjectRoot resolves any path inside a project (or the project
// root itself) to the project's canonical root directory: the nearest
// ancestor carrying a project manifest or state directory, falling back
// to the path's own directory when no marker exists yet.
func CanonicalProjectRoot(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}

	dir := abs
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		dir = filepath.Dir(abs)
	}
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}

	for probe := dir; ; probe = filepath.Dir(probe) {
		if hasProjectMarker(probe) {
			return probe, nil
		}
		if probe == filepath.Dir(probe) {
			break
		}
	}
	return dir, nil
}

func hasProjectMarker(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, ManifestName)); err == nil {
		return true
	}
	if info, err := os.Stat(filepath.Join(dir, StateDirName)); err == nil && info.IsDir() {
		return true
	}
	return false
}

// Open returns the live ProjectLog for the project containing path,
// opening it without recording anything. Read paths (verification,
// extraction, statistics) go through here so inspecting a log never
// appends to it.
func (r *Registry) Open(path string) (*ProjectLog, error) {
	root, err := CanonicalProjectRoot(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if pl, ok := r.logs[root]; ok {
		return pl, nil
	}

	pl, err := OpenProjectLog(filepath.Base(root), root, r.signer, r.sink, r.logger)
	if err != nil {
		return nil, err
	}
	r.logs[root] = pl
	return pl, nil
}

// GetOrCreate returns the live ProjectLog for the project containing
// path, creating it on first use. The first write-mode acquisition emits
// an INITIALIZATION event tagged with sessionID and, when a capture
// factory is configured, starts the background bus listener; a log
// previously acquired through Open is upgraded in place. A repeat call
// through any path inside the same project returns the same instance.
func (r *Registry) GetOrCreate(path, sessionID string) (*ProjectLog, error) {
	root, err := CanonicalProjectRoot(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pl, ok := r.logs[root]
	if ok && r.initialized[root] {
		return pl, nil
	}
	if !ok {
		pl, err = OpenProjectLog(filepath.Base(root), root, r.signer, r.sink, r.logger)
		if err != nil {
			return nil, err
		}
	}

	if _, err := pl.Initialize(sessionID); err != nil {
		delete(r.logs, root)
		_ = pl.Close()
		return nil, err
	}

	if r.capture != nil {
		capture, err := r.capture(pl)
		switch {
		case err == nil:
			pl.AttachCapture(capture)
		case isBusUnavailable(err):
			r.logger.Warn("bus capture skipped, direct logging only",
				"project", pl.ProjectID(), "error", err)
		default:
			delete(r.logs, root)
			_ = pl.Close()
			return nil, err
		}
	}

	r.logs[root] = pl
	r.initialized[root] = true
	return pl, nil
}

// Get returns the live log for the project containing path, if any.
func (r *Registry) Get(path string) (*ProjectLog, bool) {
	root, err := CanonicalProjectRoot(path)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	pl, ok := r.logs[root]
	return pl, ok
}

// Teardown stops any active listener, closes the log and evicts the
// entry. Safe to call for a project with no live log.
func (r *Registry) Teardown(path string) error {
	root, err := CanonicalProjectRoot(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	pl, ok := r.logs[root]
	delete(r.logs, root)
	delete(r.initialized, root)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return pl.Close()
}

// Close tears down every live log.
func (r *Registry) Close() error {
	r.mu.Lock()
	logs := make([]*ProjectLog, 0, len(r.logs))
	for _, pl := range r.logs {
		logs = append(logs, pl)
	}
	r.logs = make(map[string]*ProjectLog)
	r.initialized = make(map[string]bool)
	r.mu.Unlock()

	var firstErr error
	for _, pl := range logs {
		if err := pl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
