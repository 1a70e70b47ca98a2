package flow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/champion-data/champion/internal/errs"
)

// checkpoint writes the run report to <state>/runs/<run_id>.json via
// temp-then-rename.
func (e *Engine) checkpoint(report *RunReport) error {
	const op = "flow.checkpoint"
	if e.stateDir == "" {
		return nil
	}
	dir := filepath.Join(e.stateDir, "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-run-*")
	if err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		tmp.Close()
		return errs.Wrap(errs.IO, op, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Wrap(errs.IO, op, err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	final := filepath.Join(dir, report.RunID+".json")
	if err := os.Rename(tmp.Name(), final); err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	return nil
}

// LoadCheckpoints reads every run report under the state dir, newest
// first by start time. Unreadable files are skipped, not fatal; a crashed
// writer must not poison reporting.
func LoadCheckpoints(stateDir string) ([]*RunReport, error) {
	const op = "flow.checkpoints"
	dir := filepath.Join(stateDir, "runs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.IO, op, err)
	}
	var out []*RunReport
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, ent.Name()))
		if err != nil {
			continue
		}
		var rep RunReport
		if json.Unmarshal(raw, &rep) != nil {
			continue
		}
		out = append(out, &rep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}
