package toolrunner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pocketwalk/pocketwalk/internal/domain/pocketwalk"
	pwerrors "github.com/pocketwalk/pocketwalk/pkg/errors"
)

const (
	// terminateTimeout is how long a process group gets to exit after
	// SIGTERM before escalation, and again after SIGKILL before the
	// subprocess is declared unkillable.
	terminateTimeout = 3 * time.Second
)

// waitKillBudget bounds a synchronous stop: terminate wait plus kill
// wait plus scheduling slack.
func waitKillBudget() <-chan time.Time {
	return time.After(2*terminateTimeout + time.Second)
}

// runTool supervises one subprocess from launch to completion. It runs
// on its own goroutine; all shared state is touched under r.mu.
func (r *Runner) runTool(ctx context.Context, name string, run pocketwalk.ToolRun, entry *runningTool, onCompletion pocketwalk.OnCompletion) {
	defer close(entry.reaped)

	previousRCs, err := r.loadReturnCodes(name, run.Context)
	if err != nil {
		r.log.Warn("discarding unreadable return-code cache",
			zap.String("tool", name), zap.Error(err))
		previousRCs = map[string]int{}
	}
	targetsUsed := targetsFor(run, previousRCs)

	argv := renderArgv(run.Tool, run.Context.Config, targetsUsed)
	if len(targetsUsed) == 0 {
		// wildcard placeholder for reporting and the rc table only,
		// never a literal argv item
		targetsUsed = []string{"*"}
	}
	fmt.Fprintf(r.stdout, "%v\n", argv)

	if _, lookErr := exec.LookPath(argv[0]); lookErr != nil {
		r.completeUnlaunchable(name, argv[0])
		return
	}

	var buf bytes.Buffer
	cmd := exec.Command(argv[0], argv[1:]...)
	// new process group so termination reaches the whole group
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	sink := io.MultiWriter(r.stdout, &buf)
	cmd.Stdout = sink
	cmd.Stderr = sink

	if err := cmd.Start(); err != nil {
		r.completeUnlaunchable(name, argv[0])
		return
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		r.killGroup(name, cmd, waitDone)
		return
	case <-waitDone:
	}

	rc := cmd.ProcessState.ExitCode()
	r.complete(ctx, name, run, rc, buf.Bytes(), targetsUsed, previousRCs, onCompletion)
}

// complete records a natural exit: report, persist output and merged
// return codes, invoke the completion callback, then publish the
// return code and reported context atomically.
func (r *Runner) complete(ctx context.Context, name string, run pocketwalk.ToolRun, rc int, output []byte, targetsUsed []string, previousRCs map[string]int, onCompletion pocketwalk.OnCompletion) {
	r.reportResult(name, rc)

	if err := r.saveOutput(name, output); err != nil {
		r.log.Error("failed to persist tool output", zap.String("tool", name), zap.Error(err))
	}
	if err := r.saveReturnCodes(name, targetsUsed, rc, previousRCs); err != nil {
		r.log.Error("failed to persist return codes", zap.String("tool", name), zap.Error(err))
	}

	if onCompletion != nil {
		if err := onCompletion(ctx, name, run.Context); err != nil {
			r.setLatched(pwerrors.NewCallbackError("completion callback for "+name, err))
		}
	}

	r.mu.Lock()
	r.returnCodes[name] = rc
	r.reported[name] = run.Context
	delete(r.running, name)
	idle := len(r.running) == 0
	r.mu.Unlock()

	if idle {
		fmt.Fprintln(r.stdout, "No tools running.")
	}
}

// completeUnlaunchable records a synthetic failed outcome for a tool
// whose executable could not be started; the supervisor keeps going.
func (r *Runner) completeUnlaunchable(name, executable string) {
	msg := fmt.Sprintf("cannot run command (%s) - no such executable found.\n", executable)
	fmt.Fprint(r.stdout, msg)
	r.reportResult(name, 1)

	r.mu.Lock()
	r.returnCodes[name] = 1
	delete(r.running, name)
	r.mu.Unlock()
}

// killGroup escalates a cancelled subprocess: SIGTERM to the group,
// wait, SIGKILL, wait again; a process that survives both is fatal.
func (r *Runner) killGroup(name string, cmd *exec.Cmd, waitDone <-chan error) {
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	select {
	case <-waitDone:
		r.log.Info("tool terminated", zap.String("tool", name))
		return
	case <-time.After(terminateTimeout):
	}

	_ = syscall.Kill(-pgid, syscall.SIGKILL)
	select {
	case <-waitDone:
		r.log.Info("tool killed", zap.String("tool", name))
	case <-time.After(terminateTimeout):
		r.setLatched(pwerrors.NewUnkillableError(name))
	}
}

// renderArgv substitutes the affected-targets placeholder in the argv
// template; a template without the placeholder passes through as-is.
// An empty template falls back to the bare tool name.
func renderArgv(tool pocketwalk.Tool, template []string, targetsUsed []string) []string {
	if len(template) == 0 {
		return []string{tool.Name}
	}
	var argv []string
	for _, arg := range template {
		if arg == AffectedTargetsPlaceholder {
			argv = append(argv, targetsUsed...)
		} else {
			argv = append(argv, arg)
		}
	}
	if len(argv) == 0 {
		return []string{tool.Name}
	}
	return argv
}

// targetsFor derives the target set a run operates on: previously
// failing targets still in the target set, plus the affected files when
// the template carries the placeholder.
func targetsFor(run pocketwalk.ToolRun, previousRCs map[string]int) []string {
	seen := make(map[string]bool)
	var targets []string
	for path, rc := range previousRCs {
		if rc != 0 && !seen[path] {
			seen[path] = true
			targets = append(targets, path)
		}
	}
	if containsPlaceholder(run.Context.Config) {
		for _, path := range run.AffectedFiles {
			if !seen[path] {
				seen[path] = true
				targets = append(targets, path)
			}
		}
	}
	sort.Strings(targets)
	return targets
}

func containsPlaceholder(template []string) bool {
	for _, arg := range template {
		if arg == AffectedTargetsPlaceholder {
			return true
		}
	}
	return false
}
