// Package contextengine implements pocketwalk.ContextEngine: content
// fingerprinting and persistence of per-tool run contexts.
package contextengine

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/pocketwalk/pocketwalk/internal/domain/pocketwalk"
	pwerrors "github.com/pocketwalk/pocketwalk/pkg/errors"
)

const (
	hashRetries    = 3
	hashRetryPause = 100 * time.Millisecond
)

// Engine is the filesystem-backed ContextEngine: SHA-1 over target and
// trigger files, TOML persistence under a per-process cache directory.
type Engine struct {
	log      *zap.Logger
	cacheDir string
}

// New returns an Engine persisting under cacheDir.
func New(log *zap.Logger, cacheDir string) *Engine {
	return &Engine{log: log, cacheDir: cacheDir}
}

// persistedContext is the on-disk shape of a saved context: identical to
// pocketwalk.Context but without affected_files, which is derived only.
type persistedContext struct {
	TargetFiles   map[string]string `toml:"target_files"`
	TriggerFiles  map[string]string `toml:"trigger_files"`
	Config        []string          `toml:"config"`
	Preconditions []string          `toml:"preconditions"`
}

func (e *Engine) contextPath(tool string) string {
	return filepath.Join(e.cacheDir, tool+".context")
}

// LoadLastContexts reads <tool>.context for each tool; a tool with no
// saved context is simply absent from the result.
func (e *Engine) LoadLastContexts(ctx context.Context, tools []pocketwalk.Tool) (map[string]pocketwalk.Context, error) {
	out := make(map[string]pocketwalk.Context, len(tools))
	for _, t := range tools {
		raw, err := os.ReadFile(e.contextPath(t.Name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, pwerrors.NewTransientFileError("reading saved context for "+t.Name, err)
		}
		var p persistedContext
		if err := toml.Unmarshal(raw, &p); err != nil {
			return nil, pwerrors.NewTickFailureError("decoding saved context for "+t.Name, err)
		}
		out[t.Name] = pocketwalk.Context{
			TargetFiles:   p.TargetFiles,
			TriggerFiles:  p.TriggerFiles,
			Config:        p.Config,
			Preconditions: p.Preconditions,
		}
	}
	return out, nil
}

// ComputeCurrentContexts hashes every target/trigger file for every
// configured tool and returns the resulting contexts.
func (e *Engine) ComputeCurrentContexts(ctx context.Context, cfg pocketwalk.Config) (map[string]pocketwalk.Context, error) {
	out := make(map[string]pocketwalk.Context, len(cfg.Tools))
	for name, tool := range cfg.Tools {
		targetHashes, err := e.hashAll(ctx, tool.TargetPaths)
		if err != nil {
			return nil, err
		}
		triggerHashes, err := e.hashAll(ctx, tool.TriggerPaths)
		if err != nil {
			return nil, err
		}
		out[name] = pocketwalk.Context{
			TargetFiles:   targetHashes,
			TriggerFiles:  triggerHashes,
			Config:        append([]string(nil), tool.Argv...),
			Preconditions: append([]string(nil), tool.Preconditions...),
		}
	}
	return out, nil
}

// hashAll computes a SHA-1 hash for every expanded path, making up to
// hashRetries attempts per path on transient absence, hashRetryPause apart.
func (e *Engine) hashAll(ctx context.Context, paths []string) (map[string]string, error) {
	hashes := make(map[string]string, len(paths))
	for _, p := range paths {
		sum, err := e.hashWithRetry(ctx, p)
		if err != nil {
			return nil, err
		}
		hashes[p] = sum
	}
	return hashes, nil
}

func (e *Engine) hashWithRetry(ctx context.Context, path string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < hashRetries; attempt++ {
		data, err := os.ReadFile(path)
		if err == nil {
			sum := sha1.Sum(data)
			return hex.EncodeToString(sum[:]), nil
		}
		lastErr = err
		if !os.IsNotExist(err) {
			return "", pwerrors.NewTickFailureError("hashing "+path, err)
		}
		e.log.Warn("target file momentarily absent, retrying",
			zap.String("path", path), zap.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			return "", pwerrors.NewCancelledError(ctx.Err())
		case <-time.After(hashRetryPause):
		}
	}
	return "", pwerrors.NewTransientFileError(fmt.Sprintf("hashing %s", path), lastErr)
}

// ToolsChanged returns the subset whose current context differs from its
// last-saved context (or has no last-saved context at all).
func (e *Engine) ToolsChanged(data map[string]pocketwalk.ContextData) map[string]pocketwalk.Context {
	out := make(map[string]pocketwalk.Context)
	for name, d := range data {
		if d.Last == nil || !d.Last.Equal(d.Current) {
			out[name] = d.Current
		}
	}
	return out
}

// ToolsUnchanged returns the subset whose current context equals its
// last-saved context.
func (e *Engine) ToolsUnchanged(data map[string]pocketwalk.ContextData) map[string]pocketwalk.Context {
	out := make(map[string]pocketwalk.Context)
	for name, d := range data {
		if d.Last != nil && d.Last.Equal(d.Current) {
			out[name] = d.Current
		}
	}
	return out
}

// AffectedFiles returns the target paths whose hash changed since the
// last save, provided trigger_files/config/preconditions are unchanged;
// otherwise it returns the full current target set.
func (e *Engine) AffectedFiles(current pocketwalk.Context, last *pocketwalk.Context) []string {
	if last == nil ||
		!mapEqual(current.TriggerFiles, last.TriggerFiles) ||
		!sliceEqual(current.Config, last.Config) ||
		!sliceEqual(current.Preconditions, last.Preconditions) {
		return sortedKeys(current.TargetFiles)
	}
	var affected []string
	for path, hash := range current.TargetFiles {
		if lastHash, ok := last.TargetFiles[path]; !ok || lastHash != hash {
			affected = append(affected, path)
		}
	}
	sort.Strings(affected)
	return affected
}

// Subtract returns the tools present in a but not in b.
func (e *Engine) Subtract(a, b map[string]pocketwalk.Context) map[string]pocketwalk.Context {
	out := make(map[string]pocketwalk.Context)
	for name, c := range a {
		if _, ok := b[name]; !ok {
			out[name] = c
		}
	}
	return out
}

// SaveContext writes the canonical TOML serialization of c (affected
// files excluded, as they are derived-not-persisted) to
// <cache_dir>/<tool>.context, creating the cache directory if absent.
func (e *Engine) SaveContext(ctx context.Context, tool string, c pocketwalk.Context) error {
	if err := os.MkdirAll(e.cacheDir, 0o755); err != nil {
		return pwerrors.NewTickFailureError("creating cache dir", err)
	}
	p := persistedContext{
		TargetFiles:   c.TargetFiles,
		TriggerFiles:  c.TriggerFiles,
		Config:        c.Config,
		Preconditions: c.Preconditions,
	}
	raw, err := toml.Marshal(p)
	if err != nil {
		return pwerrors.NewTickFailureError("encoding context for "+tool, err)
	}
	if err := os.WriteFile(e.contextPath(tool), raw, 0o644); err != nil {
		return pwerrors.NewTickFailureError("writing context for "+tool, err)
	}
	e.log.Info("saved context", zap.String("tool", tool))
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mapEqual(a, b map[string]string) bool {
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

func sliceEqual(a, b []string) bool {
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
