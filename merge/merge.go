// Package merge concatenates translated part files into the final output.
package merge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio/v2"

	"github.com/minios-linux/strtrans/chunk"
	"github.com/minios-linux/strtrans/strfile"
	"github.com/minios-linux/strtrans/textenc"
)

// ErrUnencodable is returned when a translated line contains characters the
// output encoding cannot represent.
var ErrUnencodable = errors.New("text not representable in output encoding")

// Stats summarizes a merge.
type Stats struct {
	// Merged is the number of part files written to the output.
	Merged int
	// Missing lists part files that did not exist and were skipped.
	Missing []string
	// Lines is the number of lines written.
	Lines int
}

// Merge writes the lines of parts, in the given order, to out encoded as
// enc. Part files that do not exist are skipped and reported in Stats.
// Completion of the parts is not checked: an unfinished part contributes
// whatever it has.
//
// The output is written to a temporary file and renamed into place, so a
// failed merge leaves any previous output untouched.
func Merge(parts []string, out string, enc textenc.Encoding) (Stats, error) {
	var st Stats

	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return st, fmt.Errorf("mkdir %s: %w", filepath.Dir(out), err)
	}
	pf, err := renameio.NewPendingFile(out, renameio.WithPermissions(0644))
	if err != nil {
		return st, fmt.Errorf("creating %s: %w", out, err)
	}
	defer pf.Cleanup()

	w := enc.NewWriter(pf)
	for _, part := range parts {
		if _, err := os.Stat(part); os.IsNotExist(err) {
			st.Missing = append(st.Missing, part)
			continue
		}

		lines, err := strfile.ReadFile(part)
		if err != nil {
			return st, err
		}
		for i, ln := range lines {
			if _, err := w.Write([]byte(ln.String())); err != nil {
				return st, fmt.Errorf("%s:%d: %w (%s): %v", part, i+1, ErrUnencodable, enc.Name(), err)
			}
		}
		st.Merged++
		st.Lines += len(lines)
	}

	if err := w.Close(); err != nil {
		return st, fmt.Errorf("%w (%s): %v", ErrUnencodable, enc.Name(), err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return st, fmt.Errorf("writing %s: %w", out, err)
	}
	return st, nil
}

// Discover lists the part files in dir, ordered by their numeric index
// (part_2 before part_10).
func Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	type indexed struct {
		index int
		path  string
	}
	var found []indexed
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := chunk.PartIndex(e.Name()); ok {
			found = append(found, indexed{n, filepath.Join(dir, e.Name())})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].index < found[j].index })

	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, nil
}

// Gaps returns the indexes between 0 and the highest index in paths that
// have no part file.
func Gaps(paths []string) []int {
	have := make(map[int]bool, len(paths))
	highest := -1
	for _, p := range paths {
		if n, ok := chunk.PartIndex(p); ok {
			have[n] = true
			highest = max(highest, n)
		}
	}
	var gaps []int
	for i := 0; i <= highest; i++ {
		if !have[i] {
			gaps = append(gaps, i)
		}
	}
	return gaps
}
