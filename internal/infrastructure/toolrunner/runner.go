// Package toolrunner implements pocketwalk.ToolRunner: one concurrently
// supervised subprocess per tool, cached outputs and per-path return
// codes, and replay of prior results for unchanged contexts.
package toolrunner

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/pocketwalk/pocketwalk/internal/domain/pocketwalk"
	pwerrors "github.com/pocketwalk/pocketwalk/pkg/errors"
	"github.com/pocketwalk/pocketwalk/pkg/safego"
)

// AffectedTargetsPlaceholder is substituted in argv templates with the
// tool's affected target paths.
const AffectedTargetsPlaceholder = "{affected_targets}"

// cancelledReturnCode is recorded for tools cancelled during cleanup,
// following the SIGINT convention.
const cancelledReturnCode = 130

type runningTool struct {
	context pocketwalk.Context
	cancel  context.CancelFunc
	// reaped is closed once the subprocess has been waited on, whether
	// it exited naturally or was killed.
	reaped chan struct{}
}

// Runner owns the per-tool subprocess lifecycle and the result caches.
type Runner struct {
	log      *zap.Logger
	cacheDir string
	stdout   io.Writer

	mu          sync.Mutex
	running     map[string]*runningTool
	returnCodes map[string]int
	reported    map[string]pocketwalk.Context
	// latched holds the first fatal error raised off-tick (a completion
	// callback failure or an unkillable subprocess); it is surfaced on
	// the next EnsureRunning call, like the original future-exception
	// check.
	latched error
}

// New returns a Runner persisting caches under cacheDir and streaming
// child output to stdout.
func New(log *zap.Logger, cacheDir string) *Runner {
	return &Runner{
		log:         log,
		cacheDir:    cacheDir,
		stdout:      os.Stdout,
		running:     make(map[string]*runningTool),
		returnCodes: make(map[string]int),
		reported:    make(map[string]pocketwalk.Context),
	}
}

// SetStdout redirects child output and result lines, for tests.
func (r *Runner) SetStdout(w io.Writer) { r.stdout = w }

// EnsureRunning launches every tool in toolsWithContexts that is not
// already running, clearing its stale return code first. Errors latched
// by a prior completion (callback failure, unkillable subprocess) are
// re-raised here.
func (r *Runner) EnsureRunning(ctx context.Context, toolsWithContexts map[string]pocketwalk.ToolRun, onCompletion pocketwalk.OnCompletion) error {
	r.mu.Lock()
	if r.latched != nil {
		err := r.latched
		r.mu.Unlock()
		return err
	}

	var starting []string
	for name := range toolsWithContexts {
		if _, ok := r.running[name]; !ok {
			starting = append(starting, name)
		}
	}
	sort.Strings(starting)
	if len(starting) > 0 {
		fmt.Fprintf(r.stdout, "Starting tools: %v\n", starting)
	}

	for _, name := range starting {
		run := toolsWithContexts[name]
		delete(r.returnCodes, name)
		toolCtx, cancel := context.WithCancel(ctx)
		entry := &runningTool{
			context: run.Context,
			cancel:  cancel,
			reaped:  make(chan struct{}),
		}
		r.running[name] = entry
		name := name
		safego.Go(r.log, "tool-"+name, func() {
			r.runTool(toolCtx, name, run, entry, onCompletion)
		}, func(err error) {
			// a panicked watcher leaves no completion behind; drop the
			// running entry and surface the panic on the next tick
			r.mu.Lock()
			delete(r.running, name)
			r.mu.Unlock()
			r.setLatched(pwerrors.NewTickFailureError("tool watcher for "+name, err))
		})
	}
	r.mu.Unlock()
	return nil
}

// Replay prints each tool's cached output, records the max per-path
// return code as current, and marks the context as reported.
func (r *Runner) Replay(ctx context.Context, toolsWithContexts map[string]pocketwalk.Context) error {
	names := make([]string, 0, len(toolsWithContexts))
	for name := range toolsWithContexts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		output, err := r.loadOutput(name)
		if err != nil {
			return err
		}
		rcs, err := r.loadAllReturnCodes(name)
		if err != nil {
			return err
		}
		rc := maxReturnCode(rcs)

		fmt.Fprintf(r.stdout, "%s is unchanged.  Last output:\n", name)
		r.stdout.Write(output)
		r.reportResult(name, rc)

		r.mu.Lock()
		r.returnCodes[name] = rc
		r.reported[name] = toolsWithContexts[name]
		r.mu.Unlock()
	}
	return nil
}

// FilterUnreported returns the subset whose context differs from the
// context its result was last emitted under.
func (r *Runner) FilterUnreported(toolsWithContexts map[string]pocketwalk.Context) map[string]pocketwalk.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]pocketwalk.Context)
	for name, c := range toolsWithContexts {
		reported, ok := r.reported[name]
		if !ok || !reported.Equal(c) {
			out[name] = c
		}
	}
	return out
}

// FailingPreconditions returns the tools held back this tick: a tool is
// included if any precondition's last recorded return code is missing
// or non-zero, or if any precondition is itself in toRun.
func (r *Runner) FailingPreconditions(data map[string]pocketwalk.ContextData, toRun map[string]pocketwalk.Context) map[string]pocketwalk.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]pocketwalk.Context)
	for name, d := range data {
		for _, pre := range d.Current.Preconditions {
			rc, ok := r.returnCodes[pre]
			if !ok || rc != 0 {
				out[name] = d.Current
				break
			}
		}
		for _, pre := range d.Current.Preconditions {
			if _, ok := toRun[pre]; ok {
				out[name] = d.Current
				break
			}
		}
	}
	return out
}

// EnsureStopped cancels every named tool that is currently running.
func (r *Runner) EnsureStopped(ctx context.Context, tools []string, reason string) error {
	var stopped []string
	for _, name := range tools {
		ok, err := r.stop(ctx, name)
		if err != nil {
			return err
		}
		if ok {
			stopped = append(stopped, name)
		}
	}
	if len(stopped) > 0 {
		sort.Strings(stopped)
		fmt.Fprintf(r.stdout, "Stopped tools with %s: %v\n", reason, stopped)
	}
	return nil
}

// EnsureStaleStopped cancels every running tool whose running context
// no longer matches the given current context.
func (r *Runner) EnsureStaleStopped(ctx context.Context, contexts map[string]pocketwalk.Context) error {
	var stale []string
	r.mu.Lock()
	for name, current := range contexts {
		if entry, ok := r.running[name]; ok && !entry.context.Equal(current) {
			stale = append(stale, name)
		}
	}
	r.mu.Unlock()

	var stopped []string
	for _, name := range stale {
		ok, err := r.stop(ctx, name)
		if err != nil {
			return err
		}
		if ok {
			stopped = append(stopped, name)
		}
	}
	if len(stopped) > 0 {
		sort.Strings(stopped)
		fmt.Fprintf(r.stdout, "Stopped stale tools: %v\n", stopped)
	}
	return nil
}

// EnsureRemovedStopped cancels every running tool no longer present in
// the configured tool set.
func (r *Runner) EnsureRemovedStopped(ctx context.Context, cfg pocketwalk.Config) error {
	var removed []string
	r.mu.Lock()
	for name := range r.running {
		if _, ok := cfg.Tools[name]; !ok {
			removed = append(removed, name)
		}
	}
	r.mu.Unlock()

	var stopped []string
	for _, name := range removed {
		ok, err := r.stop(ctx, name)
		if err != nil {
			return err
		}
		if ok {
			stopped = append(stopped, name)
		}
	}
	if len(stopped) > 0 {
		sort.Strings(stopped)
		fmt.Fprintf(r.stdout, "Stopped removed tools: %v\n", stopped)
	}
	return nil
}

// AggregateState derives the per-tool {running, return_code} snapshot.
func (r *Runner) AggregateState() map[string]pocketwalk.AggregateToolState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]pocketwalk.AggregateToolState)
	for name, rc := range r.returnCodes {
		out[name] = pocketwalk.AggregateToolState{Running: false, ReturnCode: rc, HasRC: true}
	}
	for name := range r.running {
		out[name] = pocketwalk.AggregateToolState{Running: true}
	}
	return out
}

// Cleanup cancels all running tools and records return code 130 for
// each, per the SIGINT convention.
func (r *Runner) Cleanup(ctx context.Context) {
	fmt.Fprintln(r.stdout, "Cleaning up tools...")
	r.mu.Lock()
	var names []string
	for name := range r.running {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		if _, err := r.stop(ctx, name); err != nil {
			r.log.Error("failed to stop tool during cleanup",
				zap.String("tool", name), zap.Error(err))
		}
		r.mu.Lock()
		r.returnCodes[name] = cancelledReturnCode
		r.mu.Unlock()
	}
	if len(names) > 0 {
		fmt.Fprintf(r.stdout, "Cancelled running tools: %v\n", names)
	}
	fmt.Fprintln(r.stdout, "Done.")
}

// stop cancels one running tool and waits for its subprocess to be
// reaped; returns whether the tool was running. An unkillable
// subprocess surfaces as a fatal error.
func (r *Runner) stop(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	entry, ok := r.running[name]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.running, name)
	r.mu.Unlock()

	entry.cancel()
	select {
	case <-entry.reaped:
		return true, nil
	case <-waitKillBudget():
		err := pwerrors.NewUnkillableError(name)
		r.setLatched(err)
		return true, err
	}
}

func (r *Runner) setLatched(err error) {
	r.mu.Lock()
	if r.latched == nil {
		r.latched = err
	}
	r.mu.Unlock()
}

func (r *Runner) reportResult(tool string, rc int) {
	if rc != 0 {
		fmt.Fprintf(r.stdout, "%s failed with RC %d\n", tool, rc)
	} else {
		fmt.Fprintf(r.stdout, "%s passed\n", tool)
	}
}

func maxReturnCode(rcs map[string]int) int {
	max := 0
	first := true
	for _, rc := range rcs {
		if first || rc > max {
			max = rc
			first = false
		}
	}
	return max
}
