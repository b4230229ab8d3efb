package vcs

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pocketwalk/pocketwalk/internal/domain/pocketwalk"
)

type gitCall struct {
	args []string
}

// fakeGit scripts `git status --porcelain` output and records every
// invocation.
type fakeGit struct {
	mu     sync.Mutex
	status string
	calls  []gitCall
}

func (g *fakeGit) run(ctx context.Context, args ...string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gitCall{args: args})
	if len(args) >= 1 && args[0] == "status" {
		return []byte(g.status), nil
	}
	return nil, nil
}

func (g *fakeGit) called(subcommand string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.calls {
		if len(c.args) > 0 && c.args[0] == subcommand {
			return true
		}
	}
	return false
}

func testController(t *testing.T, git *fakeGit, stdin io.Reader) (*Controller, *bytes.Buffer) {
	t.Helper()
	c := New(zap.NewNop())
	out := &bytes.Buffer{}
	c.SetStdout(out)
	c.SetGitRunner(git.run)
	c.prompt = newPromptReader(stdin)
	return c, out
}

func passingState() map[string]pocketwalk.AggregateToolState {
	return map[string]pocketwalk.AggregateToolState{
		"fmt": {Running: false, ReturnCode: 0, HasRC: true},
	}
}

func testConfig() pocketwalk.Config {
	return pocketwalk.Config{
		ConfigPath: ".pocketwalk.toml",
		Tools: map[string]pocketwalk.Tool{
			"fmt": {Name: "fmt", TargetPaths: []string{"a.py"}},
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestUpdateNotifiesOnceWhenQuiescent(t *testing.T) {
	git := &fakeGit{status: ""}
	c, out := testController(t, git, strings.NewReader(""))

	for i := 0; i < 3; i++ {
		if err := c.Update(context.Background(), testConfig(), passingState()); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	if got := strings.Count(out.String(), "No changes detected"); got != 1 {
		t.Errorf("expected exactly one notification, got %d in %q", got, out.String())
	}
}

func TestUpdateStartsAndCompletesCommit(t *testing.T) {
	git := &fakeGit{status: " M a.py\n"}
	c, out := testController(t, git, strings.NewReader("checkpoint\n"))

	if err := c.Update(context.Background(), testConfig(), passingState()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !c.Running() {
		t.Fatalf("expected commit task to be running")
	}
	waitFor(t, "commit to finish", func() bool { return !c.Running() })

	if !git.called("add") {
		t.Errorf("git add never invoked: %+v", git.calls)
	}
	if !git.called("commit") {
		t.Errorf("git commit never invoked: %+v", git.calls)
	}
	if !strings.Contains(out.String(), "commit message: ") {
		t.Errorf("prompt missing: %q", out.String())
	}
}

func TestUpdateCancelsCommitWhenToolRegresses(t *testing.T) {
	git := &fakeGit{status: " M a.py\n"}
	// a pipe never delivers a line, so the task parks at the prompt
	pr, pw := io.Pipe()
	defer pw.Close()
	c, _ := testController(t, git, pr)

	if err := c.Update(context.Background(), testConfig(), passingState()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	waitFor(t, "prompt to be reached", func() bool {
		git.mu.Lock()
		defer git.mu.Unlock()
		return len(git.calls) >= 3 // Update's status check, the task's status + diff
	})

	regressed := map[string]pocketwalk.AggregateToolState{
		"fmt": {Running: true},
	}
	if err := c.Update(context.Background(), testConfig(), regressed); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if c.Running() {
		t.Errorf("commit task should be cancelled")
	}
	if git.called("commit") || git.called("add") || git.called("rm") {
		t.Errorf("no staging command may run after cancellation: %+v", git.calls)
	}
}

func TestUpdateDoesNotStartWhenToolFailing(t *testing.T) {
	git := &fakeGit{status: " M a.py\n"}
	c, _ := testController(t, git, strings.NewReader(""))

	failing := map[string]pocketwalk.AggregateToolState{
		"fmt": {Running: false, ReturnCode: 2, HasRC: true},
	}
	if err := c.Update(context.Background(), testConfig(), failing); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if c.Running() {
		t.Errorf("commit task must not start with a failing tool")
	}
}

func TestUpdateDoesNotStartWithNoVCS(t *testing.T) {
	git := &fakeGit{status: " M a.py\n"}
	c, out := testController(t, git, strings.NewReader(""))

	cfg := testConfig()
	cfg.NoVCS = true
	if err := c.Update(context.Background(), cfg, passingState()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if c.Running() {
		t.Errorf("commit task must not start with no_vcs set")
	}
	if strings.Contains(out.String(), "No changes detected") {
		t.Errorf("notification must not print with no_vcs set")
	}
}

func TestClassifyExpandsUntrackedDirectories(t *testing.T) {
	git := &fakeGit{status: "?? sub/\n M a.py\n D gone.py\n"}
	c, _ := testController(t, git, strings.NewReader(""))

	cfg := pocketwalk.Config{
		ConfigPath: ".pocketwalk.toml",
		Tools: map[string]pocketwalk.Tool{
			"fmt": {Name: "fmt", TargetPaths: []string{"a.py", "sub/b.py"}},
		},
	}
	changes, err := c.classify(context.Background(), cfg)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}

	if len(changes.added) != 1 || changes.added[0] != "sub/b.py" {
		t.Errorf("expected tracked path under untracked dir, got %v", changes.added)
	}
	if len(changes.modified) != 1 || changes.modified[0] != "a.py" {
		t.Errorf("expected tracked modified path, got %v", changes.modified)
	}
	if len(changes.removed) != 1 || changes.removed[0] != "gone.py" {
		t.Errorf("expected deleted path, got %v", changes.removed)
	}
}

func TestCleanupCancelsPendingDialog(t *testing.T) {
	git := &fakeGit{status: " M a.py\n"}
	pr, pw := io.Pipe()
	defer pw.Close()
	c, _ := testController(t, git, pr)

	if err := c.Update(context.Background(), testConfig(), passingState()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	c.Cleanup(context.Background())
	if c.Running() {
		t.Errorf("cleanup must cancel the pending dialog")
	}
	if git.called("commit") {
		t.Errorf("no commit may happen after cleanup")
	}
}

func TestPromptReadCancelled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	p := newPromptReader(pr)
	out := &bytes.Buffer{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := p.read(ctx, out, "commit message: "); err == nil {
		t.Fatalf("expected cancellation error")
	}
	if !strings.Contains(out.String(), "input cancelled") {
		t.Errorf("cancellation notice missing: %q", out.String())
	}
}
