// Package vcs implements pocketwalk.VCSController: the git-backed
// commit workflow gated on the aggregate tool state.
package vcs

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pocketwalk/pocketwalk/internal/domain/pocketwalk"
	pwerrors "github.com/pocketwalk/pocketwalk/pkg/errors"
	"github.com/pocketwalk/pocketwalk/pkg/safego"
)

// Controller orchestrates at most one pending commit dialog at a time.
type Controller struct {
	log    *zap.Logger
	stdout io.Writer
	prompt *promptReader
	// runGit is swappable in tests; the default shells out.
	runGit func(ctx context.Context, args ...string) ([]byte, error)

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	taskErr  error
	notified bool
}

// New returns a Controller prompting on stdin and writing to stdout.
func New(log *zap.Logger) *Controller {
	return &Controller{
		log:    log,
		stdout: os.Stdout,
		prompt: newPromptReader(os.Stdin),
		runGit: gitCommand,
	}
}

// SetStdout redirects user-facing output, for tests.
func (c *Controller) SetStdout(w io.Writer) { c.stdout = w }

// SetGitRunner substitutes the git subprocess runner, for tests.
func (c *Controller) SetGitRunner(fn func(ctx context.Context, args ...string) ([]byte, error)) {
	c.runGit = fn
}

func gitCommand(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	return cmd.CombinedOutput()
}

// Update evaluates the commit workflow against the current tool state:
// re-raise a latched task error, stop a task invalidated by regressed
// state, start a task when everything passes and paths changed, or
// print the one-time quiescent notification.
func (c *Controller) Update(ctx context.Context, cfg pocketwalk.Config, state map[string]pocketwalk.AggregateToolState) error {
	c.mu.Lock()
	if c.taskErr != nil {
		err := c.taskErr
		c.mu.Unlock()
		return err
	}
	running := c.running
	notified := c.notified
	c.mu.Unlock()

	anyRunning := anyToolsRunning(state)
	allPassed := allToolsPassed(state)

	switch {
	case running && (anyRunning || !allPassed || !c.pathsChanged(ctx, cfg) || cfg.NoVCS):
		c.stopTask()
		c.setNotified(false)
	case !cfg.NoVCS && !running && !anyRunning && allPassed && c.pathsChanged(ctx, cfg):
		c.startTask(ctx, cfg)
		c.setNotified(false)
	case !cfg.NoVCS && !running && !anyRunning && allPassed && !notified:
		fmt.Fprintln(c.stdout, "No changes detected - no updates to commit.")
		c.setNotified(true)
	}
	return nil
}

// Running reports whether a commit dialog is pending.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Cleanup cancels any pending commit dialog.
func (c *Controller) Cleanup(ctx context.Context) {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return
	}
	fmt.Fprintln(c.stdout, "Cleaning up VCS tasks...")
	c.stopTask()
	fmt.Fprintln(c.stdout, "Done.")
}

func (c *Controller) setNotified(v bool) {
	c.mu.Lock()
	c.notified = v
	c.mu.Unlock()
}

// stopTask cancels the commit task and waits for it to unwind, so no
// further git subcommand runs after the stop decision.
func (c *Controller) stopTask() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.running = false
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (c *Controller) startTask(ctx context.Context, cfg pocketwalk.Config) {
	taskCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.running = true
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	safego.Go(c.log, "vcs-commit", func() {
		defer close(done)
		err := c.runCommit(taskCtx, cfg)
		c.mu.Lock()
		defer c.mu.Unlock()
		if taskCtx.Err() != nil {
			// cancelled mid-dialog; the stop path owns the state
			return
		}
		c.running = false
		c.cancel = nil
		c.done = nil
		if err != nil {
			c.taskErr = err
			return
		}
		c.notified = true
	}, func(err error) {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.done = nil
		c.taskErr = pwerrors.NewTickFailureError("commit task", err)
		c.mu.Unlock()
	})
}

// runCommit is the commit task body: classify the tree, show the user
// the pending change set, prompt for a message, then stage and commit.
func (c *Controller) runCommit(ctx context.Context, cfg pocketwalk.Config) error {
	changes, err := c.classify(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "removing: %v\n", changes.removed)
	fmt.Fprintf(c.stdout, "adding: %v\n", changes.added)
	diff, err := c.runGit(ctx, append([]string{"diff", "--color", "--"}, changes.modified...)...)
	if err == nil {
		c.stdout.Write(diff)
	}

	fmt.Fprintln(c.stdout, "your files are still being monitored for changes.")
	fmt.Fprintln(c.stdout, "if changes are made, the commit will be cancelled and you will be reprompted when all the checks pass again.")
	fmt.Fprintln(c.stdout, "prompting for commit message...")
	message, err := c.prompt.read(ctx, c.stdout, "commit message: ")
	if err != nil {
		return err
	}

	if len(changes.removed) > 0 {
		if _, err := c.runGit(ctx, append([]string{"rm"}, changes.removed...)...); err != nil {
			return pwerrors.NewTickFailureError("git rm", err)
		}
	}
	toStage := append(append([]string{}, changes.added...), changes.modified...)
	if len(toStage) > 0 {
		if _, err := c.runGit(ctx, append([]string{"add"}, toStage...)...); err != nil {
			return pwerrors.NewTickFailureError("git add", err)
		}
	}
	if _, err := c.runGit(ctx, "commit", "-m", message); err != nil {
		return pwerrors.NewTickFailureError("git commit", err)
	}
	c.log.Info("committed", zap.Int("removed", len(changes.removed)),
		zap.Int("added", len(changes.added)), zap.Int("modified", len(changes.modified)))
	return nil
}

// changeSet is the three disjoint path sets a commit operates on.
type changeSet struct {
	removed  []string
	added    []string
	modified []string
}

func (cs changeSet) empty() bool {
	return len(cs.removed) == 0 && len(cs.added) == 0 && len(cs.modified) == 0
}

func (c *Controller) pathsChanged(ctx context.Context, cfg pocketwalk.Config) bool {
	changes, err := c.classify(ctx, cfg)
	if err != nil {
		c.log.Warn("git status failed", zap.Error(err))
		return false
	}
	return !changes.empty()
}

// classify parses `git status --porcelain` into deleted-locally,
// untracked-but-tracked-by-us, and modified-but-tracked-by-us path
// sets. Untracked directories expand to every tracked path beneath.
func (c *Controller) classify(ctx context.Context, cfg pocketwalk.Config) (changeSet, error) {
	out, err := c.runGit(ctx, "status", "--porcelain")
	if err != nil {
		return changeSet{}, pwerrors.NewTickFailureError("git status", err)
	}
	tracked := trackedPaths(cfg)

	var cs changeSet
	var untracked []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		path := statusPath(line)
		switch {
		case strings.HasPrefix(strings.TrimSpace(line), "D"):
			cs.removed = append(cs.removed, path)
		case strings.HasPrefix(line, "??"):
			untracked = append(untracked, path)
		case strings.HasPrefix(strings.TrimSpace(line), "M"):
			if tracked[path] {
				cs.modified = append(cs.modified, path)
			}
		}
	}

	seen := make(map[string]bool)
	for _, path := range untracked {
		if strings.HasSuffix(path, "/") {
			for t := range tracked {
				if strings.HasPrefix(t, path) && !seen[t] {
					seen[t] = true
					cs.added = append(cs.added, t)
				}
			}
		} else if tracked[path] && !seen[path] {
			seen[path] = true
			cs.added = append(cs.added, path)
		}
	}
	sort.Strings(cs.removed)
	sort.Strings(cs.added)
	sort.Strings(cs.modified)
	return cs, nil
}

func statusPath(line string) string {
	fields := strings.SplitN(strings.TrimSpace(line), " ", 2)
	if len(fields) < 2 {
		return ""
	}
	return strings.TrimSpace(fields[1])
}

// trackedPaths is computed fresh per call from the current config so a
// config edit is tolerated mid-run: every tool's targets and triggers
// plus the config file itself, normalized relative to CWD.
func trackedPaths(cfg pocketwalk.Config) map[string]bool {
	cwd, _ := os.Getwd()
	tracked := make(map[string]bool)
	add := func(p string) {
		if p == "" {
			return
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return
		}
		rel, err := filepath.Rel(cwd, abs)
		if err != nil {
			return
		}
		tracked[rel] = true
	}
	for _, tool := range cfg.Tools {
		for _, p := range tool.TargetPaths {
			add(p)
		}
		for _, p := range tool.TriggerPaths {
			add(p)
		}
	}
	add(cfg.ConfigPath)
	return tracked
}

func anyToolsRunning(state map[string]pocketwalk.AggregateToolState) bool {
	for _, s := range state {
		if s.Running {
			return true
		}
	}
	return false
}

func allToolsPassed(state map[string]pocketwalk.AggregateToolState) bool {
	for _, s := range state {
		if s.Running || !s.HasRC || s.ReturnCode != 0 {
			return false
		}
	}
	return true
}
