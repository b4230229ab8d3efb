package toolrunner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/pocketwalk/pocketwalk/internal/domain/pocketwalk"
)

// syncBuffer makes bytes.Buffer safe for the runner's concurrent
// completion goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testRunner(t *testing.T) (*Runner, *syncBuffer, string) {
	t.Helper()
	dir := t.TempDir()
	r := New(zap.NewNop(), filepath.Join(dir, ".pocketwalk.cache"))
	out := &syncBuffer{}
	r.SetStdout(out)
	return r, out, dir
}

func waitIdle(t *testing.T, r *Runner, tool string) pocketwalk.AggregateToolState {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		state := r.AggregateState()
		if s, ok := state[tool]; ok && !s.Running {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("tool %s never became idle", tool)
	return pocketwalk.AggregateToolState{}
}

func contextFor(targets map[string]string, argv []string) pocketwalk.Context {
	return pocketwalk.Context{
		TargetFiles:   targets,
		TriggerFiles:  map[string]string{},
		Config:        argv,
		Preconditions: []string{},
	}
}

func TestEnsureRunningCompletesAndCaches(t *testing.T) {
	r, out, _ := testRunner(t)
	argv := []string{"sh", "-c", "echo checked"}
	c := contextFor(map[string]string{"a.py": "1"}, argv)
	run := map[string]pocketwalk.ToolRun{
		"fmt": {Tool: pocketwalk.Tool{Name: "fmt", Argv: argv}, Context: c, AffectedFiles: []string{"a.py"}},
	}

	var completedTool string
	var completedMu sync.Mutex
	onCompletion := func(_ context.Context, tool string, _ pocketwalk.Context) error {
		completedMu.Lock()
		completedTool = tool
		completedMu.Unlock()
		return nil
	}

	if err := r.EnsureRunning(context.Background(), run, onCompletion); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	state := waitIdle(t, r, "fmt")

	if !state.HasRC || state.ReturnCode != 0 {
		t.Errorf("expected rc 0, got %+v", state)
	}
	completedMu.Lock()
	if completedTool != "fmt" {
		t.Errorf("completion callback not invoked, got %q", completedTool)
	}
	completedMu.Unlock()
	if !strings.Contains(out.String(), "checked") {
		t.Errorf("child output not streamed: %q", out.String())
	}
	if !strings.Contains(out.String(), "fmt passed") {
		t.Errorf("result line missing: %q", out.String())
	}

	output, err := r.loadOutput("fmt")
	if err != nil {
		t.Fatalf("loadOutput: %v", err)
	}
	if !strings.Contains(string(output), "checked") {
		t.Errorf("cached output does not match streamed bytes: %q", output)
	}
}

func TestFailedToolRecordsNonZeroRC(t *testing.T) {
	r, out, _ := testRunner(t)
	argv := []string{"sh", "-c", "exit 3"}
	c := contextFor(map[string]string{"a.py": "1"}, argv)
	run := map[string]pocketwalk.ToolRun{
		"lint": {Tool: pocketwalk.Tool{Name: "lint", Argv: argv}, Context: c},
	}

	if err := r.EnsureRunning(context.Background(), run, nil); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	state := waitIdle(t, r, "lint")

	if state.ReturnCode != 3 {
		t.Errorf("expected rc 3, got %d", state.ReturnCode)
	}
	if !strings.Contains(out.String(), "lint failed with RC 3") {
		t.Errorf("failure line missing: %q", out.String())
	}
}

func TestUnlaunchableToolSynthesizesFailure(t *testing.T) {
	r, out, _ := testRunner(t)
	argv := []string{"no-such-executable-pocketwalk-test"}
	c := contextFor(map[string]string{"a.py": "1"}, argv)
	run := map[string]pocketwalk.ToolRun{
		"mypy": {Tool: pocketwalk.Tool{Name: "mypy", Argv: argv}, Context: c},
	}

	if err := r.EnsureRunning(context.Background(), run, nil); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	state := waitIdle(t, r, "mypy")

	if state.ReturnCode == 0 {
		t.Errorf("expected non-zero rc for unlaunchable tool")
	}
	if !strings.Contains(out.String(), "no such executable found") {
		t.Errorf("synthetic message missing: %q", out.String())
	}
}

func TestReplayEmitsCachedOutputAndMaxRC(t *testing.T) {
	r, out, _ := testRunner(t)
	if err := r.saveOutput("fmt", []byte("old output\n")); err != nil {
		t.Fatalf("saveOutput: %v", err)
	}
	rcs, err := toml.Marshal(map[string]int{"a.py": 0, "b.py": 2})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(r.returnCodesPath("fmt"), rcs, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c := contextFor(map[string]string{"a.py": "1", "b.py": "1"}, []string{"fmt"})
	if err := r.Replay(context.Background(), map[string]pocketwalk.Context{"fmt": c}); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	state := r.AggregateState()["fmt"]
	if state.ReturnCode != 2 {
		t.Errorf("expected max rc 2, got %d", state.ReturnCode)
	}
	if !strings.Contains(out.String(), "fmt is unchanged.") {
		t.Errorf("replay banner missing: %q", out.String())
	}
	if !strings.Contains(out.String(), "old output") {
		t.Errorf("cached output not replayed: %q", out.String())
	}

	// a replayed tool is reported: the same context filters out
	unreported := r.FilterUnreported(map[string]pocketwalk.Context{"fmt": c})
	if len(unreported) != 0 {
		t.Errorf("expected replayed tool to be reported, got %v", unreported)
	}
}

func TestFilterUnreportedKeepsNewContexts(t *testing.T) {
	r, _, _ := testRunner(t)
	c1 := contextFor(map[string]string{"a.py": "1"}, []string{"fmt"})
	c2 := contextFor(map[string]string{"a.py": "2"}, []string{"fmt"})

	r.mu.Lock()
	r.reported["fmt"] = c1
	r.mu.Unlock()

	got := r.FilterUnreported(map[string]pocketwalk.Context{"fmt": c2, "lint": c1})
	if _, ok := got["fmt"]; !ok {
		t.Errorf("changed context should be unreported")
	}
	if _, ok := got["lint"]; !ok {
		t.Errorf("never-reported tool should be unreported")
	}
}

func TestFailingPreconditions(t *testing.T) {
	r, _, _ := testRunner(t)
	r.mu.Lock()
	r.returnCodes["fmt"] = 0
	r.returnCodes["broken"] = 2
	r.mu.Unlock()

	withPre := func(pre ...string) pocketwalk.ContextData {
		return pocketwalk.ContextData{Current: pocketwalk.Context{Preconditions: pre}}
	}

	tests := []struct {
		name    string
		data    map[string]pocketwalk.ContextData
		toRun   map[string]pocketwalk.Context
		failing []string
		passing []string
	}{
		{
			name:    "passing precondition does not hold back",
			data:    map[string]pocketwalk.ContextData{"lint": withPre("fmt")},
			passing: []string{"lint"},
		},
		{
			name:    "failing precondition holds back",
			data:    map[string]pocketwalk.ContextData{"lint": withPre("broken")},
			failing: []string{"lint"},
		},
		{
			name:    "never-run precondition holds back",
			data:    map[string]pocketwalk.ContextData{"lint": withPre("never-ran")},
			failing: []string{"lint"},
		},
		{
			name:    "precondition in to_run holds back",
			data:    map[string]pocketwalk.ContextData{"lint": withPre("fmt")},
			toRun:   map[string]pocketwalk.Context{"fmt": {}},
			failing: []string{"lint"},
		},
		{
			name:    "no preconditions never held back",
			data:    map[string]pocketwalk.ContextData{"fmt": {}},
			passing: []string{"fmt"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.FailingPreconditions(tt.data, tt.toRun)
			for _, name := range tt.failing {
				if _, ok := got[name]; !ok {
					t.Errorf("expected %s to be failing preconditions", name)
				}
			}
			for _, name := range tt.passing {
				if _, ok := got[name]; ok {
					t.Errorf("expected %s to pass preconditions", name)
				}
			}
		})
	}
}

func TestEnsureStaleStoppedCancelsChangedContext(t *testing.T) {
	r, _, _ := testRunner(t)
	argv := []string{"sh", "-c", "sleep 30"}
	c1 := contextFor(map[string]string{"a.py": "1"}, argv)
	run := map[string]pocketwalk.ToolRun{
		"slow": {Tool: pocketwalk.Tool{Name: "slow", Argv: argv}, Context: c1},
	}
	if err := r.EnsureRunning(context.Background(), run, nil); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}

	c2 := contextFor(map[string]string{"a.py": "2"}, argv)
	if err := r.EnsureStaleStopped(context.Background(), map[string]pocketwalk.Context{"slow": c2}); err != nil {
		t.Fatalf("EnsureStaleStopped: %v", err)
	}

	state := r.AggregateState()
	if s, ok := state["slow"]; ok && s.Running {
		t.Errorf("stale tool still running: %+v", s)
	}
	// stopped without completing: return code is unset
	if s, ok := state["slow"]; ok && s.HasRC {
		t.Errorf("stopped tool should have no return code, got %+v", s)
	}
}

func TestEnsureStaleStoppedKeepsMatchingContext(t *testing.T) {
	r, _, _ := testRunner(t)
	argv := []string{"sh", "-c", "sleep 30"}
	c := contextFor(map[string]string{"a.py": "1"}, argv)
	run := map[string]pocketwalk.ToolRun{
		"slow": {Tool: pocketwalk.Tool{Name: "slow", Argv: argv}, Context: c},
	}
	if err := r.EnsureRunning(context.Background(), run, nil); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	t.Cleanup(func() { r.Cleanup(context.Background()) })

	if err := r.EnsureStaleStopped(context.Background(), map[string]pocketwalk.Context{"slow": c}); err != nil {
		t.Fatalf("EnsureStaleStopped: %v", err)
	}
	if s := r.AggregateState()["slow"]; !s.Running {
		t.Errorf("matching-context tool should keep running")
	}
}

func TestCleanupRecords130(t *testing.T) {
	r, _, _ := testRunner(t)
	argv := []string{"sh", "-c", "sleep 30"}
	c := contextFor(map[string]string{"a.py": "1"}, argv)
	run := map[string]pocketwalk.ToolRun{
		"slow": {Tool: pocketwalk.Tool{Name: "slow", Argv: argv}, Context: c},
	}
	if err := r.EnsureRunning(context.Background(), run, nil); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}

	r.Cleanup(context.Background())

	state := r.AggregateState()["slow"]
	if state.Running {
		t.Errorf("tool still running after cleanup")
	}
	if state.ReturnCode != 130 {
		t.Errorf("expected rc 130 after cleanup, got %d", state.ReturnCode)
	}
}

func TestSaveReturnCodesMergesPriorPaths(t *testing.T) {
	r, _, _ := testRunner(t)
	previous := map[string]int{"a.py": 2, "b.py": 0}
	if err := r.saveReturnCodes("fmt", []string{"a.py"}, 0, previous); err != nil {
		t.Fatalf("saveReturnCodes: %v", err)
	}

	got, err := r.loadAllReturnCodes("fmt")
	if err != nil {
		t.Fatalf("loadAllReturnCodes: %v", err)
	}
	if got["a.py"] != 0 {
		t.Errorf("used path should be overwritten, got %d", got["a.py"])
	}
	if got["b.py"] != 0 {
		t.Errorf("prior path should survive, got %d", got["b.py"])
	}
}

func TestTargetsForIncludesPreviouslyFailing(t *testing.T) {
	run := pocketwalk.ToolRun{
		Context: pocketwalk.Context{
			Config: []string{"fmt", AffectedTargetsPlaceholder},
		},
		AffectedFiles: []string{"a.py"},
	}
	previous := map[string]int{"b.py": 2, "c.py": 0}

	got := targetsFor(run, previous)
	want := map[string]bool{"a.py": true, "b.py": true}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for _, p := range got {
		if !want[p] {
			t.Errorf("unexpected target %s", p)
		}
	}
}

func TestTargetsForWithoutPlaceholderIgnoresAffected(t *testing.T) {
	run := pocketwalk.ToolRun{
		Context:       pocketwalk.Context{Config: []string{"fmt", "."}},
		AffectedFiles: []string{"a.py"},
	}
	got := targetsFor(run, map[string]int{})
	if len(got) != 0 {
		t.Errorf("expected no targets without placeholder, got %v", got)
	}
}

func TestRenderArgv(t *testing.T) {
	tests := []struct {
		name     string
		template []string
		targets  []string
		want     []string
	}{
		{
			name:     "placeholder substitution",
			template: []string{"fmt", "{affected_targets}"},
			targets:  []string{"a.py", "b.py"},
			want:     []string{"fmt", "a.py", "b.py"},
		},
		{
			name:     "no placeholder passes through",
			template: []string{"fmt", "."},
			targets:  []string{"a.py"},
			want:     []string{"fmt", "."},
		},
		{
			name:     "empty template falls back to tool name",
			template: nil,
			targets:  nil,
			want:     []string{"fmt"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderArgv(pocketwalk.Tool{Name: "fmt"}, tt.template, tt.targets)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("argv[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
