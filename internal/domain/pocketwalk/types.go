// Package pocketwalk defines the core data model and collaborator contracts
// shared by the supervisor and its infrastructure adapters.
package pocketwalk

import "time"

// Tool is a named unit of work: an argv template plus the globs and
// preconditions that decide when it must re-run.
type Tool struct {
	Name          string
	Argv          []string
	TargetPaths   []string
	TriggerPaths  []string
	Preconditions []string
	AuxConfigPath string
}

// Context is the fingerprint that decides whether a tool must re-run.
// Two contexts compare equal iff all four fields compare equal; map key
// order is immaterial, canonical serialization is required for persistence.
type Context struct {
	TargetFiles   map[string]string `toml:"target_files"`
	TriggerFiles  map[string]string `toml:"trigger_files"`
	Config        []string          `toml:"config"`
	Preconditions []string          `toml:"preconditions"`
}

// Equal reports whether c and other compare equal: all four fields
// must match, with map key order immaterial.
func (c Context) Equal(other Context) bool {
	return mapsEqual(c.TargetFiles, other.TargetFiles) &&
		mapsEqual(c.TriggerFiles, other.TriggerFiles) &&
		slicesEqual(c.Config, other.Config) &&
		slicesEqual(c.Preconditions, other.Preconditions)
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func slicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ContextDelta is derived, never persisted: the comparison between a
// tool's current context and its last-saved context.
type ContextDelta struct {
	Changed       bool
	AffectedFiles []string
}

// ToolState models the three possible states of a configured tool: never
// run (zero value), running, or completed. RunningContext/Started are only
// meaningful when Running is true; CompletionContext/ReturnCode/Output are
// only meaningful when a completion has been recorded.
type ToolState struct {
	Running           bool
	Started           time.Time
	RunningContext    Context
	HasCompletion     bool
	ReturnCode        int
	Output            []byte
	CompletionContext Context
}

// AggregateToolState is the per-tool {running, return_code} snapshot
// derived once per tick.
type AggregateToolState struct {
	Running    bool
	ReturnCode int
	HasRC      bool
}

// CacheEntry mirrors the on-disk triple of files persisted per tool:
// <tool>.context, <tool>.output, <tool>.return_codes.
type CacheEntry struct {
	Context     Context
	Output      []byte
	ReturnCodes map[string]int
}

// RunID tags a single supervisor tick for log correlation: it is set on
// the tick's classification log line and its status snapshot. Log
// records written by the tool runner do not carry it.
type RunID string

// RunOption selects the supervisor's continuation policy.
type RunOption string

const (
	RunOnce     RunOption = "once"
	RunForever  RunOption = "forever"
	RunTillPass RunOption = "till-pass"
)

// Config is the effective, fully-expanded configuration snapshot a tick
// operates against.
type Config struct {
	Run   RunOption
	NoVCS bool
	Tools map[string]Tool
	// ConfigPath is the on-disk file the snapshot was read from; the VCS
	// controller counts it among the tracked paths.
	ConfigPath string
	// CacheDir is the directory cache triples are persisted under,
	// ".pocketwalk.cache" by convention.
	CacheDir string
}

// StatusSnapshot is a JSON-serializable projection of the aggregate tool
// state plus ambient supervisor flags, refreshed once per tick for the
// optional status server.
type StatusSnapshot struct {
	RunID       string                        `json:"run_id"`
	Tools       map[string]AggregateToolState `json:"tools"`
	VCSRunning  bool                          `json:"vcs_running"`
	Cancelled   bool                          `json:"cancelled"`
	GeneratedAt time.Time                     `json:"generated_at"`
}
