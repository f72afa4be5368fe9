// Package chunk splits an input file into contiguous line ranges and
// translates one range at a time, resumably.
//
// Each chunk owns two files in the work directory:
//
//	parts/part_NNN.str          translated lines so far (UTF-8)
//	progress/progress_NNN.json  checkpoint
//
// A chunk moves NotStarted -> InProgress -> Completed. Only the processor of
// that chunk writes its files, so chunks never contend with each other.
package chunk

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
)

// ---------------------------------------------------------------------------
// Work directory layout
// ---------------------------------------------------------------------------

const (
	partsDir    = "parts"
	progressDir = "progress"
	statsDir    = "stats"
)

var partRe = regexp.MustCompile(`^part_(\d+)\.str$`)

// Layout names the files of a run below its work directory.
type Layout struct {
	WorkDir string
}

// PartsDir returns the directory holding partial outputs.
func (l Layout) PartsDir() string { return filepath.Join(l.WorkDir, partsDir) }

// ProgressDir returns the directory holding checkpoints.
func (l Layout) ProgressDir() string { return filepath.Join(l.WorkDir, progressDir) }

// StatsDir returns the directory holding run statistics.
func (l Layout) StatsDir() string { return filepath.Join(l.WorkDir, statsDir) }

// PartPath returns the partial output file of chunk i.
func (l Layout) PartPath(i int) string {
	return filepath.Join(l.PartsDir(), fmt.Sprintf("part_%03d.str", i))
}

// ProgressPath returns the checkpoint file of chunk i.
func (l Layout) ProgressPath(i int) string {
	return filepath.Join(l.ProgressDir(), fmt.Sprintf("progress_%03d.json", i))
}

// PartIndex extracts the chunk index from a part file name.
func PartIndex(name string) (int, bool) {
	m := partRe.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ---------------------------------------------------------------------------
// Chunk
// ---------------------------------------------------------------------------

// Chunk is the half-open line range [Start, End) of the input file.
type Chunk struct {
	Index        int
	Start        int
	End          int
	PartPath     string
	ProgressPath string
}

// Len returns the number of lines in the chunk.
func (c Chunk) Len() int { return c.End - c.Start }

// LinesPerPart returns ceil(total/parts).
func LinesPerPart(total, parts int) int {
	if total <= 0 || parts <= 0 {
		return 0
	}
	return (total + parts - 1) / parts
}

// Partition splits total lines into at most parts contiguous chunks of
// ceil(total/parts) lines; the last chunk takes the remainder. An empty
// input yields no chunks. The result is deterministic for a given
// (total, parts), which is what lets a later run find its files again.
func Partition(total, parts int, layout Layout) ([]Chunk, error) {
	if parts <= 0 {
		return nil, fmt.Errorf("parts must be positive, got %d", parts)
	}
	if total < 0 {
		return nil, fmt.Errorf("negative line count %d", total)
	}
	if total == 0 {
		return nil, nil
	}

	lpp := LinesPerPart(total, parts)
	n := (total + lpp - 1) / lpp

	chunks := make([]Chunk, 0, n)
	for i := 0; i < n; i++ {
		start := i * lpp
		end := min(start+lpp, total)
		chunks = append(chunks, Chunk{
			Index:        i,
			Start:        start,
			End:          end,
			PartPath:     layout.PartPath(i),
			ProgressPath: layout.ProgressPath(i),
		})
	}
	return chunks, nil
}
