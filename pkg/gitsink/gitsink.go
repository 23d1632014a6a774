// Package gitsink mirrors chronolog files into a git history for
// off-process durability. It is strictly best-effort: appends never wait
// on it, and a failed commit is logged and surfaced on the sink's error
// channel, never propagated or retried.
package gitsink

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"
)

// Defaults for the sink's internal bounds. When the queue is full, new
// requests are dropped rather than blocking an append.
const (
	defaultQueueDepth    = 64
	defaultCommandBudget = 10 * time.Second
	closeTimeout         = 15 * time.Second
)

type request struct {
	path    string
	message string
}

// Sink commits files to the git repository at repoDir on a background
// goroutine.
type Sink struct {
	repoDir  string
	logger   *slog.Logger
	budget   time.Duration
	requests chan request
	errs     chan error
	done     chan struct{}
	failures atomic.Int64
	dropped  atomic.Int64
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) SinkOption {
	return func(s *Sink) { s.logger = logger }
}

// WithCommandBudget bounds each git invocation.
func WithCommandBudget(d time.Duration) SinkOption {
	return func(s *Sink) { s.budget = d }
}

// New starts a sink committing into the repository at repoDir. The
// directory does not have to be a repository: commits will simply fail
// onto the error channel, which is the best-effort contract.
func New(repoDir string, opts ...SinkOption) *Sink {
	s := &Sink{
		repoDir:  repoDir,
		logger:   slog.Default(),
		budget:   defaultCommandBudget,
		requests: make(chan request, defaultQueueDepth),
		errs:     make(chan error, defaultQueueDepth),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.worker()
	return s
}

// Notify queues a commit of path with the given message. Never blocks:
// when the queue is full the request is dropped and counted.
func (s *Sink) Notify(path, message string) {
	select {
	case s.requests <- request{path: path, message: message}:
	default:
		s.dropped.Add(1)
	}
}

// Errors exposes the sink's own error channel. Reading it is optional.
func (s *Sink) Errors() <-chan error {
	return s.errs
}

// Failures returns how many commits have failed so far.
func (s *Sink) Failures() int64 {
	return s.failures.Load()
}

// Dropped returns how many requests were shed due to a full queue.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close drains queued requests and stops the worker, waiting a bounded
// time for in-flight commits.
func (s *Sink) Close() error {
	close(s.requests)
	select {
	case <-s.done:
	case <-time.After(closeTimeout):
		return fmt.Errorf("gitsink worker did not stop within %s", closeTimeout)
	}
	if failed, dropped := s.failures.Load(), s.dropped.Load(); failed > 0 || dropped > 0 {
		s.logger.Warn("best-effort persistence summary", "failed", failed, "dropped", dropped)
	}
	return nil
}

func (s *Sink) worker() {
	defer close(s.done)
	for req := range s.requests {
		if err := s.commit(req); err != nil {
			s.failures.Add(1)
			s.logger.Warn("best-effort commit failed",
				"path", req.path, "error", err)
			select {
			case s.errs <- err:
			default:
			}
		}
	}
}

func (s *Sink) commit(req request) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.budget)
	defer cancel()

	if _, err := s.git(ctx, "add", "--", req.path); err != nil {
		return err
	}

	out, err := s.git(ctx, "commit", "-m", req.message, "--", req.path)
	if err != nil {
		// An unchanged file is not a failure; the record is already in
		// history.
		if strings.Contains(out, "nothing to commit") ||
			strings.Contains(out, "nothing added to commit") {
			return nil
		}
		return err
	}
	return nil
}

// git runs a git command targeting the sink's repository via -C, the same
// way all repository operations are scoped. Combined output is returned
// so callers can inspect git's explanation on failure.
func (s *Sink) git(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{"-C", s.repoDir}, args...)
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("git %s in %s: %w (output: %s)",
			strings.Join(args, " "), s.repoDir, err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}
