package pocketwalk

import "context"

// ConfigSource returns the current effective configuration on demand.
type ConfigSource interface {
	// EffectiveConfig reads the on-disk config, overlays CLI overrides,
	// expands every glob, and returns a snapshot.
	EffectiveConfig(ctx context.Context) (Config, error)
	LoopForever(cfg Config) bool
	LoopTillPass(cfg Config) bool
	Tools(cfg Config) []string
}

// ContextData is the pair of contexts ContextEngine hands the supervisor
// for a single tool on a single tick.
type ContextData struct {
	Last    *Context // nil if no context was ever saved
	Current Context
}

// ContextEngine computes current tool contexts, loads last-saved
// contexts, classifies differences, and persists contexts.
type ContextEngine interface {
	LoadLastContexts(ctx context.Context, tools []Tool) (map[string]Context, error)
	ComputeCurrentContexts(ctx context.Context, cfg Config) (map[string]Context, error)
	ToolsChanged(data map[string]ContextData) map[string]Context
	ToolsUnchanged(data map[string]ContextData) map[string]Context
	AffectedFiles(current Context, last *Context) []string
	Subtract(a, b map[string]Context) map[string]Context
	SaveContext(ctx context.Context, tool string, c Context) error
}

// OnCompletion is invoked by the ToolRunner when a subprocess exits
// naturally; it is passed as data to avoid a direct dependency cycle
// between ToolRunner and ContextEngine.
type OnCompletion func(ctx context.Context, tool string, c Context) error

// ToolRunner starts, cancels, and tracks one subprocess per tool; owns
// cached outputs and return codes; replays prior results.
type ToolRunner interface {
	EnsureRunning(ctx context.Context, toolsWithContexts map[string]ToolRun, onCompletion OnCompletion) error
	Replay(ctx context.Context, toolsWithContexts map[string]Context) error
	FilterUnreported(toolsWithContexts map[string]Context) map[string]Context
	FailingPreconditions(data map[string]ContextData, toRun map[string]Context) map[string]Context

	EnsureStopped(ctx context.Context, tools []string, reason string) error
	EnsureStaleStopped(ctx context.Context, contexts map[string]Context) error
	EnsureRemovedStopped(ctx context.Context, cfg Config) error

	AggregateState() map[string]AggregateToolState
	Cleanup(ctx context.Context)
}

// ToolRun pairs a Tool definition with the Context snapshot it should be
// (or is being) launched under, plus the affected target paths that
// render the {affected_targets} placeholder.
type ToolRun struct {
	Tool          Tool
	Context       Context
	AffectedFiles []string
}

// VCSController orchestrates the commit workflow.
type VCSController interface {
	Update(ctx context.Context, cfg Config, state map[string]AggregateToolState) error
	Running() bool
	Cleanup(ctx context.Context)
}

// Cancellation signals user-requested termination.
type Cancellation interface {
	Cancelled() bool
	// Context is cancelled the instant the first interrupt is observed.
	Context() context.Context
}
