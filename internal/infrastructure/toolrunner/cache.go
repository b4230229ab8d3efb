package toolrunner

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/pocketwalk/pocketwalk/internal/domain/pocketwalk"
	pwerrors "github.com/pocketwalk/pocketwalk/pkg/errors"
)

func (r *Runner) outputPath(tool string) string {
	return filepath.Join(r.cacheDir, tool+".output")
}

func (r *Runner) returnCodesPath(tool string) string {
	return filepath.Join(r.cacheDir, tool+".return_codes")
}

// loadOutput reads the raw cached output bytes for a tool.
func (r *Runner) loadOutput(tool string) ([]byte, error) {
	data, err := os.ReadFile(r.outputPath(tool))
	if err != nil {
		return nil, pwerrors.NewTickFailureError("reading cached output for "+tool, err)
	}
	return data, nil
}

// saveOutput persists the combined stdout+stderr bytes of a completed
// run; the cache copy equals the bytes already streamed to the user.
func (r *Runner) saveOutput(tool string, output []byte) error {
	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		return pwerrors.NewTickFailureError("creating cache dir", err)
	}
	if err := os.WriteFile(r.outputPath(tool), output, 0o644); err != nil {
		return pwerrors.NewTickFailureError("writing output for "+tool, err)
	}
	return nil
}

// loadAllReturnCodes reads the full per-path return-code table; a
// missing file yields an empty table.
func (r *Runner) loadAllReturnCodes(tool string) (map[string]int, error) {
	data, err := os.ReadFile(r.returnCodesPath(tool))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]int{}, nil
		}
		return nil, pwerrors.NewTickFailureError("reading return codes for "+tool, err)
	}
	rcs := map[string]int{}
	if err := toml.Unmarshal(data, &rcs); err != nil {
		return nil, pwerrors.NewTickFailureError("decoding return codes for "+tool, err)
	}
	return rcs, nil
}

// loadReturnCodes reads the cached table filtered to paths still in the
// tool's current target set.
func (r *Runner) loadReturnCodes(tool string, c pocketwalk.Context) (map[string]int, error) {
	all, err := r.loadAllReturnCodes(tool)
	if err != nil {
		return nil, err
	}
	filtered := map[string]int{}
	for path, rc := range all {
		if _, ok := c.TargetFiles[path]; ok {
			filtered[path] = rc
		}
	}
	return filtered, nil
}

// saveReturnCodes merges and persists the table: prior codes for paths
// still in the target set survive, and every path used in this run is
// overwritten with the run's return code.
func (r *Runner) saveReturnCodes(tool string, targetsUsed []string, rc int, previousRCs map[string]int) error {
	merged := map[string]int{}
	for path, prior := range previousRCs {
		merged[path] = prior
	}
	for _, path := range targetsUsed {
		merged[path] = rc
	}
	data, err := toml.Marshal(merged)
	if err != nil {
		return pwerrors.NewTickFailureError("encoding return codes for "+tool, err)
	}
	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		return pwerrors.NewTickFailureError("creating cache dir", err)
	}
	if err := os.WriteFile(r.returnCodesPath(tool), data, 0o644); err != nil {
		return pwerrors.NewTickFailureError("writing return codes for "+tool, err)
	}
	return nil
}
