// Package application composes the collaborators into the supervisory
// control loop.
package application

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pocketwalk/pocketwalk/internal/domain/pocketwalk"
	pwerrors "github.com/pocketwalk/pocketwalk/pkg/errors"
)

const (
	// tickSleep bounds the wakeup frequency of the decision loop.
	tickSleep = time.Second
	// tickRetries and tickRetryPause govern the per-tick retry of
	// arbitrary failures before they become fatal.
	tickRetries    = 3
	tickRetryPause = 100 * time.Millisecond
)

// StatusPublisher receives one snapshot per tick; the status server
// implements it, and a nil publisher disables the surface entirely.
type StatusPublisher interface {
	Publish(pocketwalk.StatusSnapshot)
}

// Supervisor drives the per-tick reconciliation loop and owns
// termination.
type Supervisor struct {
	log          *zap.Logger
	config       pocketwalk.ConfigSource
	engine       pocketwalk.ContextEngine
	runner       pocketwalk.ToolRunner
	vcs          pocketwalk.VCSController
	cancellation pocketwalk.Cancellation
	publisher    StatusPublisher

	// sleep is swappable in tests to keep ticks fast.
	sleep func(ctx context.Context, d time.Duration) error

	// tools is the configured tool set of the most recent tick; the
	// final exit code is computed over it.
	tools []string
}

// New wires a Supervisor from its collaborators. publisher may be nil.
func New(
	log *zap.Logger,
	config pocketwalk.ConfigSource,
	engine pocketwalk.ContextEngine,
	runner pocketwalk.ToolRunner,
	vcs pocketwalk.VCSController,
	cancellation pocketwalk.Cancellation,
	publisher StatusPublisher,
) *Supervisor {
	return &Supervisor{
		log:          log,
		config:       config,
		engine:       engine,
		runner:       runner,
		vcs:          vcs,
		cancellation: cancellation,
		publisher:    publisher,
		sleep:        cancellableSleep,
	}
}

// Run drives ticks until the termination predicate fires, then cleans
// up and returns the process exit code: the max return code across the
// final tool set (default 0), or 1 on an unrecoverable internal error.
func (s *Supervisor) Run() int {
	ctx := s.cancellation.Context()

	fatal := false
	for {
		if err := s.tickWithRetry(ctx); err != nil {
			if !pwerrors.IsCancelled(err) {
				s.log.Error("tick failed beyond retry budget", zap.Error(err))
				fatal = true
			}
			break
		}
		if s.cancellation.Cancelled() {
			break
		}
		cont, err := s.shouldContinue(ctx)
		if err != nil {
			s.log.Error("evaluating termination predicate", zap.Error(err))
			fatal = true
			break
		}
		if !cont {
			break
		}
	}

	// cleanup runs regardless of exit path; a fresh context because the
	// shared one is already cancelled on interrupt
	cleanupCtx := context.Background()
	s.vcs.Cleanup(cleanupCtx)
	s.runner.Cleanup(cleanupCtx)

	if fatal {
		return 1
	}
	return s.finalReturnCode()
}

// tickWithRetry makes up to tickRetries attempts at a tick on arbitrary
// failures; cancellation is never retried.
func (s *Supervisor) tickWithRetry(ctx context.Context) error {
	var err error
	for attempt := 0; attempt < tickRetries; attempt++ {
		err = s.tick(ctx)
		if err == nil || pwerrors.IsCancelled(err) {
			return err
		}
		s.log.Warn("tick failed, trying again",
			zap.Int("attempt", attempt+1), zap.Error(err))
		if sleepErr := s.sleep(ctx, tickRetryPause); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

// tick is one reconciliation pass: read config, derive context deltas,
// reconcile running tools against the desired set, let the VCS react,
// and publish the tick's snapshot.
func (s *Supervisor) tick(ctx context.Context) error {
	if err := s.sleep(ctx, tickSleep); err != nil {
		return err
	}
	runID := pocketwalk.RunID(uuid.NewString())
	log := s.log.With(zap.String("run_id", string(runID)))

	cfg, err := s.config.EffectiveConfig(ctx)
	if err != nil {
		return err
	}
	s.tools = s.config.Tools(cfg)

	data, err := s.contextData(ctx, cfg)
	if err != nil {
		return err
	}

	changed := s.engine.ToolsChanged(data)
	unchanged := s.engine.ToolsUnchanged(data)
	unreported := s.runner.FilterUnreported(unchanged)
	failing := s.runner.FailingPreconditions(data, changed)
	toRun := s.engine.Subtract(changed, failing)

	log.Info("tick classified",
		zap.Int("changed", len(changed)),
		zap.Int("unchanged", len(unchanged)),
		zap.Int("unreported", len(unreported)),
		zap.Int("failing_preconditions", len(failing)),
		zap.Int("to_run", len(toRun)))

	if err := s.runner.Replay(ctx, unreported); err != nil {
		return err
	}

	if err := s.runner.EnsureStopped(ctx, names(failing), "failing preconditions"); err != nil {
		return err
	}
	if err := s.runner.EnsureStaleStopped(ctx, changed); err != nil {
		return err
	}
	if err := s.runner.EnsureStopped(ctx, names(unchanged), "reverted files"); err != nil {
		return err
	}
	if err := s.runner.EnsureRemovedStopped(ctx, cfg); err != nil {
		return err
	}

	runs := make(map[string]pocketwalk.ToolRun, len(toRun))
	for name, current := range toRun {
		runs[name] = pocketwalk.ToolRun{
			Tool:          cfg.Tools[name],
			Context:       current,
			AffectedFiles: s.engine.AffectedFiles(current, data[name].Last),
		}
	}
	if err := s.runner.EnsureRunning(ctx, runs, s.engine.SaveContext); err != nil {
		return err
	}

	state := s.runner.AggregateState()
	if err := s.vcs.Update(ctx, cfg, state); err != nil {
		return err
	}

	s.publish(runID, state)
	return nil
}

// contextData pairs each configured tool's last-saved context with its
// freshly computed current context.
func (s *Supervisor) contextData(ctx context.Context, cfg pocketwalk.Config) (map[string]pocketwalk.ContextData, error) {
	toolList := make([]pocketwalk.Tool, 0, len(cfg.Tools))
	for _, t := range cfg.Tools {
		toolList = append(toolList, t)
	}
	last, err := s.engine.LoadLastContexts(ctx, toolList)
	if err != nil {
		return nil, err
	}
	current, err := s.engine.ComputeCurrentContexts(ctx, cfg)
	if err != nil {
		return nil, err
	}

	data := make(map[string]pocketwalk.ContextData, len(current))
	for name, c := range current {
		d := pocketwalk.ContextData{Current: c}
		if saved, ok := last[name]; ok {
			saved := saved
			d.Last = &saved
		}
		data[name] = d
	}
	return data, nil
}

// shouldContinue is the termination predicate evaluated after each
// tick, mirroring: loop forever, or the VCS dialog is pending, or
// till-pass with a failing tool, or any tool still running.
func (s *Supervisor) shouldContinue(ctx context.Context) (bool, error) {
	cfg, err := s.config.EffectiveConfig(ctx)
	if err != nil {
		return false, err
	}
	state := s.runner.AggregateState()
	return s.config.LoopForever(cfg) ||
		s.vcs.Running() ||
		(s.config.LoopTillPass(cfg) && !allPassed(state, s.tools)) ||
		anyRunning(state), nil
}

func (s *Supervisor) finalReturnCode() int {
	state := s.runner.AggregateState()
	rc := 0
	for _, name := range s.tools {
		if t, ok := state[name]; ok && t.HasRC && t.ReturnCode > rc {
			rc = t.ReturnCode
		}
	}
	return rc
}

func (s *Supervisor) publish(runID pocketwalk.RunID, state map[string]pocketwalk.AggregateToolState) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(pocketwalk.StatusSnapshot{
		RunID:       string(runID),
		Tools:       state,
		VCSRunning:  s.vcs.Running(),
		Cancelled:   s.cancellation.Cancelled(),
		GeneratedAt: time.Now(),
	})
}

func cancellableSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return pwerrors.NewCancelledError(ctx.Err())
	case <-time.After(d):
		return nil
	}
}

func allPassed(state map[string]pocketwalk.AggregateToolState, tools []string) bool {
	for _, name := range tools {
		t, ok := state[name]
		if !ok || t.Running || !t.HasRC || t.ReturnCode != 0 {
			return false
		}
	}
	return true
}

func anyRunning(state map[string]pocketwalk.AggregateToolState) bool {
	for _, t := range state {
		if t.Running {
			return true
		}
	}
	return false
}

func names(m map[string]pocketwalk.Context) []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
