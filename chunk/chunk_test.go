package chunk

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minios-linux/strtrans/checkpoint"
	"github.com/minios-linux/strtrans/textenc"
	"github.com/minios-linux/strtrans/translate"
)

// ---------------------------------------------------------------------------
// Partition
// ---------------------------------------------------------------------------

func TestPartition(t *testing.T) {
	layout := Layout{WorkDir: "/w"}
	tests := []struct {
		total, parts int
		wantChunks   int
		wantLPP      int
	}{
		{1000, 100, 100, 10},
		{57, 10, 10, 6},
		{5, 10, 5, 1},
		{101, 100, 51, 2},
		{1, 1, 1, 1},
	}
	for _, tc := range tests {
		chunks, err := Partition(tc.total, tc.parts, layout)
		require.NoError(t, err)
		require.Len(t, chunks, tc.wantChunks, "total=%d parts=%d", tc.total, tc.parts)
		assert.Equal(t, tc.wantLPP, LinesPerPart(tc.total, tc.parts))

		// Contiguous, non-overlapping, covering [0, total).
		next := 0
		for i, c := range chunks {
			assert.Equal(t, i, c.Index)
			assert.Equal(t, next, c.Start)
			assert.Greater(t, c.Len(), 0)
			assert.LessOrEqual(t, c.Len(), tc.wantLPP)
			next = c.End
		}
		assert.Equal(t, tc.total, next)
	}
}

func TestPartitionEmptyInput(t *testing.T) {
	chunks, err := Partition(0, 100, Layout{WorkDir: "/w"})
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestPartitionRejectsZeroParts(t *testing.T) {
	_, err := Partition(10, 0, Layout{WorkDir: "/w"})
	require.Error(t, err)
}

func TestLayoutPaths(t *testing.T) {
	l := Layout{WorkDir: "/w"}
	assert.Equal(t, filepath.Join("/w", "parts", "part_007.str"), l.PartPath(7))
	assert.Equal(t, filepath.Join("/w", "progress", "progress_123.json"), l.ProgressPath(123))

	n, ok := PartIndex("/w/parts/part_042.str")
	assert.True(t, ok)
	assert.Equal(t, 42, n)
	n, ok = PartIndex("part_1000.str")
	assert.True(t, ok)
	assert.Equal(t, 1000, n)
	_, ok = PartIndex("part_x.str")
	assert.False(t, ok)
}

// ---------------------------------------------------------------------------
// Processor
// ---------------------------------------------------------------------------

type translatorFunc func(ctx context.Context, text string) (string, translate.Outcome)

func (f translatorFunc) Translate(ctx context.Context, text string) (string, translate.Outcome) {
	return f(ctx, text)
}

// counting translates "Hallo Welt" to "Merhaba Dünya" and upper-cases
// everything else.
func counting(calls *atomic.Int32) translatorFunc {
	return func(_ context.Context, text string) (string, translate.Outcome) {
		calls.Add(1)
		if text == "Hallo Welt" {
			return "Merhaba Dünya", translate.OutcomeTranslated
		}
		return strings.ToUpper(text), translate.OutcomeTranslated
	}
}

func setup(t *testing.T, content string) (string, Chunk) {
	t.Helper()
	dir := t.TempDir()
	input := filepath.Join(dir, "in.str")
	require.NoError(t, os.WriteFile(input, []byte(content), 0644))

	total, err := countLines(content)
	require.NoError(t, err)
	chunks, err := Partition(total, 1, Layout{WorkDir: filepath.Join(dir, "work")})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	return input, chunks[0]
}

func countLines(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n, nil
}

func readPart(t *testing.T, c Chunk) string {
	t.Helper()
	data, err := os.ReadFile(c.PartPath)
	require.NoError(t, err)
	return string(data)
}

func TestProcessTranslatesEntry(t *testing.T) {
	input, c := setup(t, "GREETING \"Hallo Welt\"\n")
	var calls atomic.Int32
	p := NewProcessor(Options{Input: input, Encoding: textenc.UTF8, Translator: counting(&calls)})

	res := p.Process(context.Background(), c)
	require.True(t, res.OK, "err: %v", res.Err)
	assert.Equal(t, "GREETING \"Merhaba Dünya\"\n", readPart(t, c))
	assert.Equal(t, 1, res.Entries)

	cp, err := checkpoint.Load(c.ProgressPath)
	require.NoError(t, err)
	assert.True(t, cp.Completed)
	assert.Equal(t, 1, cp.LastLine)
	assert.Equal(t, 1, cp.TotalLines)
}

func TestProcessPassThrough(t *testing.T) {
	in := "# comment\r\n\nKEY without quotes\n   \nA \"x\"\r\n"
	input, c := setup(t, in)
	var calls atomic.Int32
	p := NewProcessor(Options{Input: input, Encoding: textenc.UTF8, Translator: counting(&calls)})

	res := p.Process(context.Background(), c)
	require.True(t, res.OK, "err: %v", res.Err)
	assert.Equal(t, "# comment\r\n\nKEY without quotes\n   \nA \"X\"\r\n", readPart(t, c))
	assert.Equal(t, int32(1), calls.Load())
}

func TestProcessIdempotent(t *testing.T) {
	input, c := setup(t, "A \"a\"\nB \"b\"\n")
	var calls atomic.Int32
	p := NewProcessor(Options{Input: input, Encoding: textenc.UTF8, Translator: counting(&calls)})

	require.True(t, p.Process(context.Background(), c).OK)
	first := readPart(t, c)
	require.Equal(t, int32(2), calls.Load())

	var resumed int
	p = NewProcessor(Options{
		Input:      input,
		Encoding:   textenc.UTF8,
		Translator: counting(&calls),
		OnResume:   func(n int) { resumed += n },
	})
	res := p.Process(context.Background(), c)
	require.True(t, res.OK)
	assert.True(t, res.Skipped)
	assert.Equal(t, 2, resumed, "a completed chunk counts as fully done")
	assert.Equal(t, int32(2), calls.Load(), "completed chunk must not call the provider")
	assert.Equal(t, first, readPart(t, c))
}

func TestProcessResumesAfterPartialOutput(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 25; i++ {
		b.WriteString("K \"v\"\n")
	}
	input, c := setup(t, b.String())

	// Simulate an interrupted run: 12 lines already written, checkpoint at 10.
	partial := strings.Repeat("K \"DONE\"\n", 12)
	require.NoError(t, os.MkdirAll(filepath.Dir(c.PartPath), 0755))
	require.NoError(t, os.WriteFile(c.PartPath, []byte(partial), 0644))
	cp, err := checkpoint.Load(c.ProgressPath)
	require.NoError(t, err)
	require.NoError(t, cp.Save(10, 25))

	var calls atomic.Int32
	var resumed int
	p := NewProcessor(Options{
		Input:      input,
		Encoding:   textenc.UTF8,
		Translator: counting(&calls),
		OnResume:   func(n int) { resumed += n },
	})
	res := p.Process(context.Background(), c)
	require.True(t, res.OK, "err: %v", res.Err)

	assert.Equal(t, 12, res.Resumed)
	assert.Equal(t, 12, resumed)
	assert.Equal(t, 13, res.Lines)
	assert.Equal(t, int32(13), calls.Load())
	assert.Equal(t, partial+strings.Repeat("K \"V\"\n", 13), readPart(t, c))
}

func TestProcessInterruptedThenResumedMatchesUninterrupted(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString("K \"v\"\n")
		if i%7 == 0 {
			b.WriteString("# section\n")
		}
	}
	content := b.String()

	// Uninterrupted reference run.
	refInput, refChunk := setup(t, content)
	var refCalls atomic.Int32
	ref := NewProcessor(Options{Input: refInput, Encoding: textenc.UTF8, Translator: counting(&refCalls)})
	require.True(t, ref.Process(context.Background(), refChunk).OK)
	want := readPart(t, refChunk)

	input, c := setup(t, content)
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	interrupting := translatorFunc(func(ctx context.Context, text string) (string, translate.Outcome) {
		if calls.Add(1) == 15 {
			cancel()
		}
		return strings.ToUpper(text), translate.OutcomeTranslated
	})
	p := NewProcessor(Options{Input: input, Encoding: textenc.UTF8, Translator: interrupting})
	res := p.Process(ctx, c)
	require.False(t, res.OK)
	require.ErrorIs(t, res.Err, context.Canceled)

	cp, err := checkpoint.Load(c.ProgressPath)
	require.NoError(t, err)
	assert.False(t, cp.Completed)
	assert.Greater(t, cp.LastLine, 0)

	var resumeCalls atomic.Int32
	p2 := NewProcessor(Options{Input: input, Encoding: textenc.UTF8, Translator: counting(&resumeCalls)})
	res = p2.Process(context.Background(), c)
	require.True(t, res.OK, "err: %v", res.Err)
	assert.Equal(t, want, readPart(t, c))
	assert.Equal(t, int32(30), calls.Load()-1+resumeCalls.Load())
}

func TestProcessRejectsOversizedPart(t *testing.T) {
	input, c := setup(t, "A \"a\"\n")
	require.NoError(t, os.MkdirAll(filepath.Dir(c.PartPath), 0755))
	require.NoError(t, os.WriteFile(c.PartPath, []byte("x\ny\n"), 0644))

	var calls atomic.Int32
	p := NewProcessor(Options{Input: input, Encoding: textenc.UTF8, Translator: counting(&calls)})
	res := p.Process(context.Background(), c)
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrPartTooLong)
}

func TestProcessIgnoresCorruptCheckpoint(t *testing.T) {
	input, c := setup(t, "A \"a\"\nB \"b\"\n")
	require.NoError(t, os.MkdirAll(filepath.Dir(c.PartPath), 0755))
	require.NoError(t, os.WriteFile(c.PartPath, []byte("A \"DONE\"\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Dir(c.ProgressPath), 0755))
	require.NoError(t, os.WriteFile(c.ProgressPath, []byte(`{"last_line": 1,`), 0644))

	var calls atomic.Int32
	p := NewProcessor(Options{Input: input, Encoding: textenc.UTF8, Translator: counting(&calls)})
	res := p.Process(context.Background(), c)
	require.True(t, res.OK, "err: %v", res.Err)
	assert.Equal(t, 1, res.Resumed)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "A \"DONE\"\nB \"B\"\n", readPart(t, c))

	cp, err := checkpoint.Load(c.ProgressPath)
	require.NoError(t, err)
	assert.True(t, cp.Completed)
}

func TestProcessRecoversPanic(t *testing.T) {
	input, c := setup(t, "A \"a\"\n")
	p := NewProcessor(Options{
		Input:    input,
		Encoding: textenc.UTF8,
		Translator: translatorFunc(func(context.Context, string) (string, translate.Outcome) {
			panic("boom")
		}),
	})
	res := p.Process(context.Background(), c)
	assert.False(t, res.OK)
	assert.ErrorContains(t, res.Err, "boom")
}

func TestProcessStopOnQuota(t *testing.T) {
	input, c := setup(t, "A \"a\"\nB \"b\"\nC \"c\"\n")
	var calls atomic.Int32
	budget := translatorFunc(func(_ context.Context, text string) (string, translate.Outcome) {
		if calls.Add(1) > 1 {
			return text, translate.OutcomeSkippedQuota
		}
		return strings.ToUpper(text), translate.OutcomeTranslated
	})

	p := NewProcessor(Options{Input: input, Encoding: textenc.UTF8, Translator: budget, StopOnQuota: true})
	res := p.Process(context.Background(), c)
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrQuotaExhausted)
	assert.Equal(t, "A \"A\"\n", readPart(t, c))

	// Without StopOnQuota the untranslated strings are copied through.
	input2, c2 := setup(t, "A \"a\"\nB \"b\"\n")
	calls.Store(0)
	p2 := NewProcessor(Options{Input: input2, Encoding: textenc.UTF8, Translator: budget})
	res = p2.Process(context.Background(), c2)
	require.True(t, res.OK)
	assert.Equal(t, "A \"A\"\nB \"b\"\n", readPart(t, c2))
}

func TestProcessDecodesInput(t *testing.T) {
	enc, err := textenc.Lookup("windows-1252")
	require.NoError(t, err)
	raw, err := enc.Encode([]byte("SIZE \"Größe\"\n"))
	require.NoError(t, err)

	input, c := setup(t, string(raw))
	var seen string
	p := NewProcessor(Options{
		Input:    input,
		Encoding: enc,
		Translator: translatorFunc(func(_ context.Context, text string) (string, translate.Outcome) {
			seen = text
			return "Boyut", translate.OutcomeTranslated
		}),
	})
	require.True(t, p.Process(context.Background(), c).OK)
	assert.Equal(t, "Größe", seen)
	assert.Equal(t, "SIZE \"Boyut\"\n", readPart(t, c))
}

func TestProcessCallsOnLine(t *testing.T) {
	input, c := setup(t, "A \"a\"\n# x\nB \"b\"\n")
	var lines atomic.Int32
	var calls atomic.Int32
	p := NewProcessor(Options{
		Input:      input,
		Encoding:   textenc.UTF8,
		Translator: counting(&calls),
		OnLine:     func() { lines.Add(1) },
	})
	require.True(t, p.Process(context.Background(), c).OK)
	assert.Equal(t, int32(3), lines.Load())
}

func TestProcessMultiLineTranslationKeepsLineCount(t *testing.T) {
	var b strings.Builder
	b.WriteString("KA \"first\"\n")
	for i := 1; i < 20; i++ {
		fmt.Fprintf(&b, "K%c \"v\"\n", 'A'+i)
	}
	content := b.String()

	multiLine := func(text string) string {
		if text == "first" {
			return "line1\nline2"
		}
		return strings.ToUpper(text)
	}

	refInput, refChunk := setup(t, content)
	ref := NewProcessor(Options{
		Input:    refInput,
		Encoding: textenc.UTF8,
		Translator: translatorFunc(func(_ context.Context, text string) (string, translate.Outcome) {
			return multiLine(text), translate.OutcomeTranslated
		}),
	})
	require.True(t, ref.Process(context.Background(), refChunk).OK)
	want := readPart(t, refChunk)
	assert.Equal(t, 20, strings.Count(want, "\n"))
	assert.True(t, strings.HasPrefix(want, "KA \"line1\\nline2\"\nKB \"V\"\n"), "got %q", want)

	input, c := setup(t, content)
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	p := NewProcessor(Options{
		Input:      input,
		Encoding:   textenc.UTF8,
		FlushEvery: 1,
		Translator: translatorFunc(func(_ context.Context, text string) (string, translate.Outcome) {
			if calls.Add(1) == 12 {
				cancel()
			}
			return multiLine(text), translate.OutcomeTranslated
		}),
	})
	res := p.Process(ctx, c)
	require.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 11, strings.Count(readPart(t, c), "\n"))

	p2 := NewProcessor(Options{
		Input:    input,
		Encoding: textenc.UTF8,
		Translator: translatorFunc(func(_ context.Context, text string) (string, translate.Outcome) {
			return multiLine(text), translate.OutcomeTranslated
		}),
	})
	res = p2.Process(context.Background(), c)
	require.True(t, res.OK, "err: %v", res.Err)
	assert.Equal(t, 11, res.Resumed)
	assert.Equal(t, 9, res.Lines)
	assert.Equal(t, want, readPart(t, c))
}

func TestProcessRejectsStaleCheckpoint(t *testing.T) {
	input, c := setup(t, "A \"a\"\nB \"b\"\n")
	cp, err := checkpoint.Load(c.ProgressPath)
	require.NoError(t, err)
	require.NoError(t, cp.Complete(3))

	var calls atomic.Int32
	p := NewProcessor(Options{Input: input, Encoding: textenc.UTF8, Translator: counting(&calls)})
	res := p.Process(context.Background(), c)
	assert.False(t, res.OK)
	assert.False(t, res.Skipped)
	assert.ErrorIs(t, res.Err, ErrStaleCheckpoint)
	assert.Zero(t, calls.Load())
}

type fixedQuota int

func (q fixedQuota) Remaining() int { return int(q) }

func TestProcessLogsQuotaWithProgress(t *testing.T) {
	input, c := setup(t, strings.Repeat("K \"v\"\n", 10))
	var buf bytes.Buffer
	var calls atomic.Int32
	p := NewProcessor(Options{
		Input:      input,
		Encoding:   textenc.UTF8,
		Translator: counting(&calls),
		Quota:      fixedQuota(4321),
		Logger:     slog.New(slog.NewTextHandler(&buf, nil)),
	})
	require.True(t, p.Process(context.Background(), c).OK)
	assert.Contains(t, buf.String(), "chunk progress")
	assert.Contains(t, buf.String(), "quota_left=4321")
}
