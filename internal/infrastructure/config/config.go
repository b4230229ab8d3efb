// Package config implements pocketwalk.ConfigSource: the on-disk TOML
// file, the CLI overlay, and per-tick glob expansion.
package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pocketwalk/pocketwalk/internal/domain/pocketwalk"
	pwerrors "github.com/pocketwalk/pocketwalk/pkg/errors"
)

// DefaultPath is where the config file lives unless -c overrides it.
const DefaultPath = ".pocketwalk.toml"

// DefaultCacheDir is the per-process cache directory convention.
const DefaultCacheDir = ".pocketwalk.cache"

// ToolOverride carries the per-tool CLI flags (--<tool>-targets and
// friends). A nil slice means "flag not given"; an empty non-nil slice
// means "explicitly cleared".
type ToolOverride struct {
	Targets       []string
	Triggers      []string
	Preconditions []string
	Args          []string
}

// Overrides is the full CLI overlay applied on top of the file.
type Overrides struct {
	ConfigPath string
	Once       bool
	Tools      []string // restrict the active tool set; nil = all
	NoVCS      bool
	PerTool    map[string]ToolOverride
}

// rawTool is the file shape of one tools.<name> table. Config is `any`
// because the argv template may be a TOML string or a list of strings.
type rawTool struct {
	TargetPaths   []string `toml:"target_paths"`
	TriggerPaths  []string `toml:"trigger_paths"`
	Preconditions []string `toml:"preconditions"`
	Config        any      `toml:"config"`
	ConfigPath    string   `toml:"config_path"`
}

type rawConfig struct {
	Run      string             `toml:"run"`
	NoVCS    bool               `toml:"no_vcs"`
	CacheDir string             `toml:"cache_dir"`
	Tools    map[string]rawTool `toml:"tools"`
}

// Source caches the parsed config file and invalidates the cache when
// the file-watcher reports an edit; glob expansion always happens fresh
// per call so new files matching a pattern are picked up every tick.
type Source struct {
	log       *zap.Logger
	overrides Overrides

	mu     sync.Mutex
	cached *rawConfig
	viper  *viper.Viper
}

// New returns a Source reading overrides.ConfigPath (DefaultPath if
// empty) and watching it for edits between ticks.
func New(log *zap.Logger, overrides Overrides) *Source {
	if overrides.ConfigPath == "" {
		overrides.ConfigPath = DefaultPath
	}
	s := &Source{log: log, overrides: overrides}

	v := viper.New()
	v.SetConfigFile(overrides.ConfigPath)
	v.SetConfigType("toml")
	v.OnConfigChange(func(_ fsnotify.Event) {
		s.invalidate()
	})
	if err := v.ReadInConfig(); err == nil {
		v.WatchConfig()
	}
	s.viper = v
	return s
}

// SetOverrides replaces the CLI overlay; used once the per-tool flags
// have been parsed against the configured tool names.
func (s *Source) SetOverrides(overrides Overrides) {
	if overrides.ConfigPath == "" {
		overrides.ConfigPath = DefaultPath
	}
	s.mu.Lock()
	s.overrides = overrides
	s.mu.Unlock()
}

func (s *Source) invalidate() {
	s.mu.Lock()
	s.cached = nil
	path := s.overrides.ConfigPath
	s.mu.Unlock()
	s.log.Info("config file changed, reloading on next tick", zap.String("path", path))
}

// load parses the config file, consulting the cache first.
func (s *Source) load() (*rawConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return s.cached, nil
	}
	data, err := os.ReadFile(s.overrides.ConfigPath)
	if err != nil {
		return nil, pwerrors.NewTickFailureError("reading config "+s.overrides.ConfigPath, err)
	}
	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, pwerrors.NewTickFailureError("decoding config "+s.overrides.ConfigPath, err)
	}
	if raw.Run == "" {
		raw.Run = string(pocketwalk.RunOnce)
	}
	if raw.CacheDir == "" {
		raw.CacheDir = DefaultCacheDir
	}
	s.cached = &raw
	return s.cached, nil
}

// EffectiveConfig reads the file, overlays the CLI flags, expands every
// glob in target/trigger paths and argv templates, and returns a
// snapshot for this tick.
func (s *Source) EffectiveConfig(ctx context.Context) (pocketwalk.Config, error) {
	raw, err := s.load()
	if err != nil {
		return pocketwalk.Config{}, err
	}
	s.mu.Lock()
	overrides := s.overrides
	s.mu.Unlock()

	cfg := pocketwalk.Config{
		Run:        pocketwalk.RunOption(raw.Run),
		NoVCS:      raw.NoVCS || overrides.NoVCS,
		ConfigPath: overrides.ConfigPath,
		CacheDir:   raw.CacheDir,
		Tools:      make(map[string]pocketwalk.Tool, len(raw.Tools)),
	}
	if overrides.Once {
		cfg.Run = pocketwalk.RunOnce
	}

	for name, rt := range raw.Tools {
		if !toolSelected(overrides, name) {
			continue
		}
		tool := pocketwalk.Tool{
			Name:          name,
			Argv:          ExpandGlobs(argvOf(rt.Config)),
			TargetPaths:   ExpandGlobs(rt.TargetPaths),
			TriggerPaths:  ExpandGlobs(rt.TriggerPaths),
			Preconditions: append([]string(nil), rt.Preconditions...),
			AuxConfigPath: rt.ConfigPath,
		}
		if ov, ok := overrides.PerTool[name]; ok {
			if ov.Targets != nil {
				tool.TargetPaths = ExpandGlobs(ov.Targets)
			}
			if ov.Triggers != nil {
				tool.TriggerPaths = ExpandGlobs(ov.Triggers)
			}
			if ov.Preconditions != nil {
				tool.Preconditions = append([]string(nil), ov.Preconditions...)
			}
			if ov.Args != nil {
				tool.Argv = ExpandGlobs(ov.Args)
			}
		}
		cfg.Tools[name] = tool
	}
	return cfg, nil
}

func toolSelected(overrides Overrides, name string) bool {
	if overrides.Tools == nil {
		return true
	}
	for _, t := range overrides.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// LoopForever derives from the run option.
func (s *Source) LoopForever(cfg pocketwalk.Config) bool {
	return cfg.Run == pocketwalk.RunForever
}

// LoopTillPass derives from the run option.
func (s *Source) LoopTillPass(cfg pocketwalk.Config) bool {
	return cfg.Run == pocketwalk.RunTillPass
}

// Tools returns the configured tool names.
func (s *Source) Tools(cfg pocketwalk.Config) []string {
	names := make([]string, 0, len(cfg.Tools))
	for name := range cfg.Tools {
		names = append(names, name)
	}
	return names
}

// argvOf normalizes the string-or-list union of a tool's argv template:
// a bare string splits on whitespace, a list passes through.
func argvOf(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return strings.Fields(t)
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ExpandGlobs expands every argument containing a glob metacharacter
// against CWD (absolute patterns are rooted at /); literal arguments
// pass through in order. A pattern matching nothing contributes nothing.
func ExpandGlobs(args []string) []string {
	var out []string
	for _, arg := range args {
		if !strings.ContainsAny(arg, "*?[") {
			out = append(out, arg)
			continue
		}
		matches, err := filepath.Glob(arg)
		if err != nil {
			// a malformed pattern is kept literal, matching nothing
			out = append(out, arg)
			continue
		}
		out = append(out, matches...)
	}
	return out
}
