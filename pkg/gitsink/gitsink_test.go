package gitsink_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discernus/discernus-sub006/pkg/gitsink"
)

// initRepo creates a git repository with identity configured so commits
// succeed in a bare test environment.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_COMMITTER_NAME=Test",
			"GIT_COMMITTER_EMAIL=test@test.local",
			"GIT_AUTHOR_NAME=Test",
			"GIT_AUTHOR_EMAIL=test@test.local",
		)
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, output)
		}
	}

	run("init")
	run("config", "user.name", "Test")
	run("config", "user.email", "test@test.local")
	return dir
}

func gitLog(t *testing.T, dir string) string {
	t.Helper()
	cmd := exec.Command("git", "-C", dir, "log", "--oneline")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return ""
	}
	return string(output)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSink_CommitsNotifiedFile(t *testing.T) {
	dir := initRepo(t)
	path := filepath.Join(dir, "chronolog.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"event":"INITIALIZATION"}`+"\n"), 0o600))

	sink := gitsink.New(dir)
	sink.Notify(path, "chronolog: INITIALIZATION (abc)")
	require.NoError(t, sink.Close())

	assert.EqualValues(t, 0, sink.Failures())
	assert.Contains(t, gitLog(t, dir), "INITIALIZATION")
}

func TestSink_UnchangedFileIsNotAFailure(t *testing.T) {
	dir := initRepo(t)
	path := filepath.Join(dir, "chronolog.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("line\n"), 0o600))

	sink := gitsink.New(dir)
	sink.Notify(path, "first")
	// Second notify without modifying the file: git has nothing to commit.
	sink.Notify(path, "second")
	require.NoError(t, sink.Close())

	assert.EqualValues(t, 0, sink.Failures())
	assert.Equal(t, 1, strings.Count(gitLog(t, dir), "\n"))
}

func TestSink_FailureIsCountedNotPropagated(t *testing.T) {
	// Not a git repository: every commit fails onto the error channel.
	dir := t.TempDir()
	path := filepath.Join(dir, "chronolog.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("line\n"), 0o600))

	sink := gitsink.New(dir)
	sink.Notify(path, "doomed")

	waitFor(t, func() bool { return sink.Failures() == 1 })

	select {
	case err := <-sink.Errors():
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("expected an error on the sink's error channel")
	}

	require.NoError(t, sink.Close())
}

func TestSink_NotifyNeverBlocks(t *testing.T) {
	dir := t.TempDir()
	sink := gitsink.New(dir)
	defer func() { _ = sink.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			sink.Notify(filepath.Join(dir, "f"), "msg")
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Notify blocked the caller")
	}
}
