// Command chronolog manages project audit logs: initialization, ad-hoc
// event logging, integrity verification and session extraction.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/discernus/discernus-sub006/pkg/bus"
	"github.com/discernus/discernus-sub006/pkg/chronolog"
	"github.com/discernus/discernus-sub006/pkg/config"
	"github.com/discernus/discernus-sub006/pkg/gitsink"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "init":
		return runInit(args[2:], stdout, stderr)
	case "log":
		return runLog(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "extract":
		return runExtract(args[2:], stdout, stderr)
	case "stats":
		return runStats(args[2:], stdout, stderr)
	case "capture":
		return runCapture(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: chronolog <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init     Initialize a project chronolog (--project, --session)")
	fmt.Fprintln(w, "  log      Append one event (--project, --session, --kind, --data)")
	fmt.Fprintln(w, "  verify   Re-scan and verify every signature (--project, --json)")
	fmt.Fprintln(w, "  extract  Derive a session log with statistics (--project, --session)")
	fmt.Fprintln(w, "  stats    Print RunStatistics for a session (--project, --session, --json)")
	fmt.Fprintln(w, "  capture  Run bus capture until interrupted (--project, --session)")
}

// newLogger builds the diagnostic logger honoring LOG_LEVEL.
func newLogger(cfg *config.Config, stderr io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
}

// newRegistry is the composition root: config, signer, best-effort git
// sink and the registry all wire up here and nowhere else.
func newRegistry(cfg *config.Config, projectDir string, withSink bool, logger *slog.Logger) *chronolog.Registry {
	signer := chronolog.NewSigner(cfg.SigningKey)
	if cfg.UsedFallback {
		logger.Warn("DISCERNUS_SIGNING_KEY not set; using the documented insecure fallback key")
	}

	opts := []chronolog.RegistryOption{chronolog.WithLogger(logger)}
	if withSink {
		opts = append(opts, chronolog.WithCommitSink(gitsink.New(projectDir, gitsink.WithLogger(logger))))
	}
	return chronolog.NewRegistry(signer, opts...)
}

func runInit(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("init", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	project := cmd.String("project", ".", "Project directory")
	session := cmd.String("session", "", "Session ID for the run (REQUIRED)")
	name := cmd.String("name", "", "Project name for a new manifest")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *session == "" {
		fmt.Fprintln(stderr, "Error: --session is required")
		return 2
	}

	cfg := config.Load()
	logger := newLogger(cfg, stderr)

	if *name != "" {
		if err := config.WriteManifest(*project, &config.ProjectManifest{Name: *name}); err != nil {
			fmt.Fprintf(stderr, "Error writing manifest: %v\n", err)
			return 1
		}
	}

	reg := newRegistry(cfg, *project, true, logger)
	defer func() { _ = reg.Close() }()

	pl, err := reg.GetOrCreate(*project, *session)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Initialized chronolog for %s at %s\n", pl.ProjectID(), pl.Store().Path())
	return 0
}

func runLog(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("log", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	project := cmd.String("project", ".", "Project directory")
	session := cmd.String("session", "", "Session ID (REQUIRED)")
	kind := cmd.String("kind", "", "Event kind tag (REQUIRED)")
	data := cmd.String("data", "{}", "Event payload as a JSON object")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *session == "" || *kind == "" {
		fmt.Fprintln(stderr, "Error: --session and --kind are required")
		return 2
	}

	var payload chronolog.Payload
	if err := json.Unmarshal([]byte(*data), &payload); err != nil {
		fmt.Fprintf(stderr, "Error: --data is not a JSON object: %v\n", err)
		return 2
	}

	cfg := config.Load()
	logger := newLogger(cfg, stderr)
	reg := newRegistry(cfg, *project, true, logger)
	defer func() { _ = reg.Close() }()

	pl, err := reg.GetOrCreate(*project, *session)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	e, err := pl.LogEvent(*kind, *session, payload)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Logged %s (%s)\n", e.Kind, e.EventID)
	return 0
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	project := cmd.String("project", ".", "Project directory")
	jsonOut := cmd.Bool("json", false, "Output report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	logger := newLogger(cfg, stderr)
	reg := newRegistry(cfg, *project, false, logger)
	defer func() { _ = reg.Close() }()

	// Read-only: verification must never append to the log it inspects.
	pl, err := reg.Open(*project)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	report, err := chronolog.VerifyLog(pl)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else if report.Verified {
		fmt.Fprintf(stdout, "Verified: %d records, no corruption\n", report.VerifiedCount)
	} else {
		fmt.Fprintf(stdout, "NOT verified: %d ok, %d corrupted\n", report.VerifiedCount, len(report.Corrupted))
		for _, c := range report.Corrupted {
			fmt.Fprintf(stdout, "  record %d: %s\n", c.Position, c.Reason)
		}
	}

	if !report.Verified {
		return 1
	}
	return 0
}

func runExtract(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("extract", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	project := cmd.String("project", ".", "Project directory")
	session := cmd.String("session", "", "Session ID to extract (REQUIRED)")
	out := cmd.String("out", "", "Destination file (default: results dir)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *session == "" {
		fmt.Fprintln(stderr, "Error: --session is required")
		return 2
	}

	cfg := config.Load()
	logger := newLogger(cfg, stderr)
	reg := newRegistry(cfg, *project, true, logger)
	defer func() { _ = reg.Close() }()

	// Extraction reads the parent log without appending; only the derived
	// session file is written.
	pl, err := reg.Open(*project)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var sl *chronolog.SessionLog
	if *out != "" {
		sl, err = chronolog.ExtractTo(pl, *session, *out)
	} else {
		sl, err = chronolog.Extract(pl, *session)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if sl.Empty {
		fmt.Fprintf(stdout, "No events for session %s\n", *session)
		return 0
	}
	fmt.Fprintf(stdout, "Extracted %d events to %s\n", len(sl.Events), sl.Path)
	return 0
}

func runStats(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("stats", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	project := cmd.String("project", ".", "Project directory")
	session := cmd.String("session", "", "Session ID (REQUIRED)")
	jsonOut := cmd.Bool("json", false, "Output statistics as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *session == "" {
		fmt.Fprintln(stderr, "Error: --session is required")
		return 2
	}

	cfg := config.Load()
	logger := newLogger(cfg, stderr)
	reg := newRegistry(cfg, *project, false, logger)
	defer func() { _ = reg.Close() }()

	// Statistics are a pure read; repeated invocations must not change
	// the counts they report.
	pl, err := reg.Open(*project)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	sl, err := chronolog.Extract(pl, *session)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(sl.Stats, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	if sl.Empty {
		fmt.Fprintf(stdout, "No events for session %s\n", *session)
		return 0
	}
	fmt.Fprintf(stdout, "Session %s: %d events over %s\n", *session, sl.Stats.EventCount, sl.Stats.Duration)
	for kind, n := range sl.Stats.EventCounts {
		fmt.Fprintf(stdout, "  %-28s %d\n", kind, n)
	}
	for phase, d := range sl.Stats.PhaseDurations {
		fmt.Fprintf(stdout, "  phase %-22s %s\n", phase, d)
	}
	return 0
}

func runCapture(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("capture", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	project := cmd.String("project", ".", "Project directory")
	session := cmd.String("session", "", "Starting session ID (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *session == "" {
		fmt.Fprintln(stderr, "Error: --session is required")
		return 2
	}

	cfg := config.Load()
	logger := newLogger(cfg, stderr)

	if !cfg.CaptureEnabled {
		fmt.Fprintln(stderr, "Error: capture is disabled (DISCERNUS_CAPTURE_DISABLED=true)")
		return 1
	}

	broker := bus.NewRedisBroker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer func() { _ = broker.Close() }()

	signer := chronolog.NewSigner(cfg.SigningKey)
	if cfg.UsedFallback {
		logger.Warn("DISCERNUS_SIGNING_KEY not set; using the documented insecure fallback key")
	}

	reg := chronolog.NewRegistry(signer,
		chronolog.WithLogger(logger),
		chronolog.WithCommitSink(gitsink.New(*project, gitsink.WithLogger(logger))),
		chronolog.WithCaptureFactory(func(pl *chronolog.ProjectLog) (chronolog.CaptureStopper, error) {
			l := bus.NewListener(pl, *session, broker, bus.WithLogger(logger))
			if err := l.Start(context.Background()); err != nil {
				return nil, err
			}
			return l, nil
		}))
	defer func() { _ = reg.Close() }()

	pl, err := reg.GetOrCreate(*project, *session)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Capturing %s into %s (ctrl+c to stop)\n", bus.ChannelPattern, pl.Store().Path())
	waitForInterrupt()
	fmt.Fprintln(stdout, "Stopping capture")
	return 0
}
