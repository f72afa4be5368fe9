package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/minios-linux/strtrans/checkpoint"
	"github.com/minios-linux/strtrans/chunk"
)

var progressRe = regexp.MustCompile(`^progress_(\d+)\.json$`)

// ChunkStatus is the progress of one chunk as recorded on disk.
type ChunkStatus struct {
	Index      int
	State      checkpoint.State
	LastLine   int
	TotalLines int
	Percent    float64
	Err        error
}

// Status reads every checkpoint in the work directory, ordered by index.
// A checkpoint that cannot be read is reported with Err set.
func Status(layout chunk.Layout) ([]ChunkStatus, error) {
	entries, err := os.ReadDir(layout.ProgressDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", layout.ProgressDir(), err)
	}

	var out []ChunkStatus
	for _, e := range entries {
		m := progressRe.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}

		st := ChunkStatus{Index: idx}
		cp, err := checkpoint.Load(filepath.Join(layout.ProgressDir(), e.Name()))
		if err != nil {
			st.Err = err
		} else {
			st.State = cp.State()
			st.LastLine = cp.LastLine
			st.TotalLines = cp.TotalLines
			st.Percent = cp.Percent()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// LatestSummary returns the most recently finished run summary in the work
// directory, or nil if there is none.
func LatestSummary(layout chunk.Layout) (*Summary, error) {
	entries, err := os.ReadDir(layout.StatsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", layout.StatsDir(), err)
	}

	var latest *Summary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "run_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(layout.StatsDir(), name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		var s Summary
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		s.StatsFile = path
		if latest == nil || s.FinishedAt.After(latest.FinishedAt) {
			latest = &s
		}
	}
	return latest, nil
}

// Clean removes the parts, progress and stats directories of a run, and the
// work directory itself if nothing else is left in it. Quota files are kept
// elsewhere and are not touched.
func Clean(layout chunk.Layout) error {
	var errs []error
	for _, dir := range []string{layout.PartsDir(), layout.ProgressDir(), layout.StatsDir()} {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", dir, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	entries, err := os.ReadDir(layout.WorkDir)
	if err == nil && len(entries) == 0 {
		if err := os.Remove(layout.WorkDir); err != nil {
			return fmt.Errorf("removing %s: %w", layout.WorkDir, err)
		}
	}
	return nil
}
