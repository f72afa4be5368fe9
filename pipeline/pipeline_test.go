package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minios-linux/strtrans/checkpoint"
	"github.com/minios-linux/strtrans/chunk"
	"github.com/minios-linux/strtrans/quota"
	"github.com/minios-linux/strtrans/textenc"
	"github.com/minios-linux/strtrans/translate"
)

type fixture struct {
	dir    string
	input  string
	output string
	layout chunk.Layout
	calls  atomic.Int32
}

func newFixture(t *testing.T, content string) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:    dir,
		input:  filepath.Join(dir, "game.str"),
		output: filepath.Join(dir, "game_tr.str"),
		layout: chunk.Layout{WorkDir: filepath.Join(dir, "work")},
	}
	require.NoError(t, os.WriteFile(f.input, []byte(content), 0644))
	return f
}

func (f *fixture) client(t *testing.T, limit int, provider translate.ProviderFunc) (*translate.Client, *quota.Tracker) {
	t.Helper()
	q, err := quota.New(context.Background(), quota.Config{
		DailyLimit: limit,
		Store:      quota.NewFileStore(filepath.Join(f.dir, "quota")),
	})
	require.NoError(t, err)
	if provider == nil {
		provider = func(_ context.Context, text, _, _ string) (string, error) {
			f.calls.Add(1)
			return strings.ToUpper(text), nil
		}
	}
	return translate.NewClient(translate.Options{Provider: provider, Quota: q, RetryDelay: 1}), q
}

func (f *fixture) options(c *translate.Client, q *quota.Tracker) Options {
	return Options{
		Input:      f.input,
		Output:     f.output,
		Layout:     f.layout,
		Parts:      10,
		Workers:    3,
		Translator: c,
		Quota:      q,
	}
}

// sample builds n entries with a comment every fifth line.
func sample(n int) (in, want string) {
	var b, w strings.Builder
	for i := 0; i < n; i++ {
		if i%5 == 0 {
			fmt.Fprintf(&b, "# block %d\n", i)
			fmt.Fprintf(&w, "# block %d\n", i)
		}
		fmt.Fprintf(&b, "KEY_%d \"wert %d\"\n", i, i)
		fmt.Fprintf(&w, "KEY_%d \"WERT %d\"\n", i, i)
	}
	return b.String(), w.String()
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRunTranslatesAndMerges(t *testing.T) {
	in, want := sample(48) // 48 entries + 10 comments = 58 lines
	f := newFixture(t, in)
	c, q := f.client(t, 1_000_000, nil)

	sum, err := Run(context.Background(), f.options(c, q))
	require.NoError(t, err)

	assert.Equal(t, want, readFile(t, f.output))
	assert.Equal(t, 58, sum.TotalLines)
	assert.Equal(t, 6, sum.LinesPerPart)
	assert.Equal(t, 10, sum.Chunks)
	assert.Equal(t, 10, sum.Completed)
	assert.Empty(t, sum.Failed)
	assert.True(t, sum.OK())
	assert.True(t, sum.Merged)
	assert.Equal(t, int64(48), sum.Translate.Translated)
	assert.Equal(t, "UTF-8", sum.Encoding)
	assert.FileExists(t, sum.StatsFile)
}

func TestRunIsIdempotent(t *testing.T) {
	in, want := sample(30)
	f := newFixture(t, in)
	c, q := f.client(t, 1_000_000, nil)

	_, err := Run(context.Background(), f.options(c, q))
	require.NoError(t, err)
	calls := f.calls.Load()

	sum, err := Run(context.Background(), f.options(c, q))
	require.NoError(t, err)
	assert.Equal(t, calls, f.calls.Load(), "second run must not call the provider")
	assert.Equal(t, sum.Chunks, sum.Skipped)
	assert.Equal(t, want, readFile(t, f.output))
}

func TestRunResumesAfterInterrupt(t *testing.T) {
	in, want := sample(60)
	f := newFixture(t, in)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, q := f.client(t, 1_000_000, func(_ context.Context, text, _, _ string) (string, error) {
		if f.calls.Add(1) == 20 {
			cancel()
		}
		return strings.ToUpper(text), nil
	})

	sum, err := Run(ctx, f.options(c, q))
	require.NoError(t, err)
	assert.True(t, sum.Interrupted)
	assert.False(t, sum.Merged)
	assert.NoFileExists(t, f.output)

	// Lines done before the restart are reported once, so a progress
	// display still ends at the total.
	c2, q2 := f.client(t, 1_000_000, nil)
	opts := f.options(c2, q2)
	var total int
	var processed, resumed atomic.Int64
	opts.OnStart = func(n int) { total = n }
	opts.OnLine = func() { processed.Add(1) }
	opts.OnResume = func(n int) { resumed.Add(int64(n)) }
	sum, err = Run(context.Background(), opts)
	require.NoError(t, err)
	assert.True(t, sum.OK())
	assert.Equal(t, want, readFile(t, f.output))
	assert.Equal(t, 72, total)
	assert.Positive(t, resumed.Load())
	assert.Equal(t, int64(total), processed.Load()+resumed.Load())
}

func TestRunQuotaEnforcement(t *testing.T) {
	f := newFixture(t, "A \"abcd\"\nB \"efgh\"\nC \"ijkl\"\n")
	c, q := f.client(t, 10, nil)

	opts := f.options(c, q)
	opts.Parts = 1
	opts.Workers = 1
	sum, err := Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, "A \"ABCD\"\nB \"EFGH\"\nC \"ijkl\"\n", readFile(t, f.output))
	assert.Equal(t, 2, q.Remaining())
	assert.Equal(t, 2, sum.QuotaRemaining)
	assert.Equal(t, int64(1), sum.Translate.SkippedQuota)
}

func TestRunIsolatesChunkFailures(t *testing.T) {
	in, _ := sample(20) // 24 lines, 10 parts of 3 lines -> 8 chunks
	f := newFixture(t, in)
	c, q := f.client(t, 1_000_000, nil)

	// Chunk 2 has a part file that cannot belong to it.
	require.NoError(t, os.MkdirAll(f.layout.PartsDir(), 0755))
	require.NoError(t, os.WriteFile(f.layout.PartPath(2), []byte("1\n2\n3\n4\n5\n"), 0644))

	sum, err := Run(context.Background(), f.options(c, q))
	require.NoError(t, err)
	assert.Equal(t, []int{2}, sum.Failed)
	assert.Equal(t, sum.Chunks-1, sum.Completed)
	assert.False(t, sum.OK())
	assert.True(t, sum.Merged)

	cp, err := checkpoint.Load(f.layout.ProgressPath(2))
	require.NoError(t, err)
	assert.Equal(t, checkpoint.NotStarted, cp.State())
}

func TestRunEmptyInput(t *testing.T) {
	f := newFixture(t, "")
	c, q := f.client(t, 100, nil)

	sum, err := Run(context.Background(), f.options(c, q))
	require.NoError(t, err)
	assert.Zero(t, sum.Chunks)
	assert.True(t, sum.OK())
	assert.Equal(t, "", readFile(t, f.output))
}

func TestRunKeepsInputEncoding(t *testing.T) {
	enc, err := textenc.Lookup("windows-1252")
	require.NoError(t, err)
	raw, err := enc.Encode([]byte("# Menü\nSIZE \"Größe\"\n"))
	require.NoError(t, err)

	f := newFixture(t, string(raw))
	c, q := f.client(t, 100, func(_ context.Context, text, _, _ string) (string, error) {
		return "Größe!", nil
	})

	opts := f.options(c, q)
	opts.Encoding = &enc
	sum, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, enc.Name(), sum.OutputEncoding)

	want, err := enc.Encode([]byte("# Menü\nSIZE \"Größe!\"\n"))
	require.NoError(t, err)
	assert.Equal(t, string(want), readFile(t, f.output))
}

func TestRunNoMerge(t *testing.T) {
	in, _ := sample(5)
	f := newFixture(t, in)
	c, q := f.client(t, 1000, nil)

	opts := f.options(c, q)
	opts.NoMerge = true
	sum, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.False(t, sum.Merged)
	assert.NoFileExists(t, f.output)
}

func TestRunMissingInput(t *testing.T) {
	f := newFixture(t, "")
	c, q := f.client(t, 100, nil)
	opts := f.options(c, q)
	opts.Input = filepath.Join(f.dir, "missing.str")

	_, err := Run(context.Background(), opts)
	require.Error(t, err)
}

func TestStatusAndClean(t *testing.T) {
	in, _ := sample(10)
	f := newFixture(t, in)
	c, q := f.client(t, 1000, nil)

	sum, err := Run(context.Background(), f.options(c, q))
	require.NoError(t, err)

	statuses, err := Status(f.layout)
	require.NoError(t, err)
	require.Len(t, statuses, sum.Chunks)
	for i, st := range statuses {
		assert.Equal(t, i, st.Index)
		assert.Equal(t, checkpoint.Completed, st.State)
		assert.Equal(t, float64(100), st.Percent)
	}

	latest, err := LatestSummary(f.layout)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, sum.RunID, latest.RunID)

	require.NoError(t, Clean(f.layout))
	assert.NoDirExists(t, f.layout.WorkDir)
	assert.FileExists(t, f.output)
	assert.DirExists(t, filepath.Join(f.dir, "quota"), "cleanup must not touch quota state")

	statuses, err = Status(f.layout)
	require.NoError(t, err)
	assert.Empty(t, statuses)
}

func TestClampWorkers(t *testing.T) {
	tests := []struct {
		cores, byMem, want int
	}{
		{8, 100, 8},
		{32, 100, MaxWorkers},
		{8, 2, 2},
		{8, 0, 1},
		{0, 0, 1},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, clampWorkers(tc.cores, tc.byMem), "cores=%d mem=%d", tc.cores, tc.byMem)
	}
}

func TestWorkerCountBounds(t *testing.T) {
	n := WorkerCount()
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, MaxWorkers)
}
