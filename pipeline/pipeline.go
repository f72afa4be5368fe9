// Package pipeline runs a whole translation: it partitions the input, feeds
// the chunks to a bounded worker pool, merges the parts and records run
// statistics.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/xid"

	"github.com/minios-linux/strtrans/chunk"
	"github.com/minios-linux/strtrans/merge"
	"github.com/minios-linux/strtrans/strfile"
	"github.com/minios-linux/strtrans/textenc"
	"github.com/minios-linux/strtrans/translate"
)

// Translator is the translation client shared by all workers.
type Translator interface {
	chunk.Translator
	Stats() translate.Stats
}

// Quota reports the remaining daily budget.
type Quota = chunk.Quota

// Options configures Run.
type Options struct {
	// Input is the source file.
	Input string
	// Output is the merged result.
	Output string
	// Layout locates the work directory.
	Layout chunk.Layout
	// Parts is the requested number of chunks.
	Parts int
	// Workers is the pool size; 0 sizes from the machine.
	Workers int
	// FlushEvery is the number of lines between checkpoint saves.
	FlushEvery int
	// Encoding of Input; detected when nil.
	Encoding *textenc.Encoding
	// OutputEncoding of Output; the input encoding when nil.
	OutputEncoding *textenc.Encoding
	// Translator translates entry values. Required.
	Translator Translator
	// Quota, when set, is reported in progress messages and the run summary.
	Quota Quota
	// StopOnQuota ends chunks at the first string over quota.
	StopOnQuota bool
	// NoMerge skips the merge step.
	NoMerge bool
	// OnStart is called once the line count is known.
	OnStart func(totalLines int)
	// OnLine is called after every processed line, from any worker.
	OnLine func()
	// OnResume is called with the lines each chunk had done before this
	// run, from any worker. With OnLine it accounts for every input line.
	OnResume func(lines int)
	// Logger receives progress messages. Nil discards.
	Logger *slog.Logger
}

// Summary describes one run. It is written to stats/run_<id>.json.
type Summary struct {
	RunID          string          `json:"run_id"`
	Input          string          `json:"input"`
	Output         string          `json:"output,omitempty"`
	Encoding       string          `json:"encoding"`
	OutputEncoding string          `json:"output_encoding,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
	TotalLines     int             `json:"total_lines"`
	LinesPerPart   int             `json:"lines_per_part"`
	Chunks         int             `json:"chunks"`
	Workers        int             `json:"workers"`
	Completed      int             `json:"completed"`
	Skipped        int             `json:"skipped"`
	Failed         []int           `json:"failed"`
	Interrupted    bool            `json:"interrupted"`
	Merged         bool            `json:"merged"`
	MissingParts   int             `json:"missing_parts"`
	Translate      translate.Stats `json:"translate"`
	QuotaRemaining int             `json:"quota_remaining"`
	StatsFile      string          `json:"-"`
}

// OK reports whether every chunk completed.
func (s *Summary) OK() bool {
	return len(s.Failed) == 0 && !s.Interrupted
}

// Run executes the pipeline. Only setup problems (unreadable input, work
// directory not creatable, no translator) and merge failures are returned
// as errors; failed chunks are listed in the summary and a later Run
// resumes them.
func Run(ctx context.Context, opts Options) (*Summary, error) {
	if opts.Translator == nil {
		return nil, errors.New("pipeline: translator not set")
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	sum := &Summary{
		RunID:     xid.New().String(),
		Input:     opts.Input,
		StartedAt: time.Now().UTC(),
		Failed:    []int{},
	}
	log = log.With("run", sum.RunID)

	// 1. Encoding and size.
	var enc textenc.Encoding
	if opts.Encoding != nil {
		enc = *opts.Encoding
	} else {
		detected, err := textenc.Detect(opts.Input)
		if err != nil {
			return nil, err
		}
		enc = detected
	}
	sum.Encoding = enc.Name()

	total, err := strfile.CountLines(opts.Input, enc)
	if err != nil {
		return nil, err
	}
	sum.TotalLines = total
	sum.LinesPerPart = chunk.LinesPerPart(total, opts.Parts)

	chunks, err := chunk.Partition(total, opts.Parts, opts.Layout)
	if err != nil {
		return nil, err
	}
	sum.Chunks = len(chunks)

	for _, dir := range []string{opts.Layout.PartsDir(), opts.Layout.ProgressDir(), opts.Layout.StatsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	// 2. Pool size.
	workers := opts.Workers
	if workers <= 0 {
		workers = WorkerCount()
	}
	workers = max(min(workers, len(chunks)), 1)
	sum.Workers = workers

	log.Info("starting translation",
		"input", opts.Input, "encoding", sum.Encoding, "lines", total,
		"chunks", len(chunks), "lines_per_part", sum.LinesPerPart, "workers", workers)
	if opts.OnStart != nil {
		opts.OnStart(total)
	}

	// 3. Process.
	results := processAll(ctx, opts, enc, chunks, workers, log)

	for _, r := range results {
		switch {
		case r.OK && r.Skipped:
			sum.Skipped++
		case r.OK:
			sum.Completed++
		default:
			sum.Failed = append(sum.Failed, r.Index)
		}
	}
	sum.Interrupted = ctx.Err() != nil
	if len(sum.Failed) > 0 {
		log.Warn("chunks failed", "count", len(sum.Failed), "chunks", sum.Failed)
	}

	// 4. Merge.
	var mergeErr error
	if !opts.NoMerge && !sum.Interrupted {
		outEnc := enc
		if opts.OutputEncoding != nil {
			outEnc = *opts.OutputEncoding
		}
		sum.Output = opts.Output
		sum.OutputEncoding = outEnc.Name()

		parts := make([]string, len(chunks))
		for i, c := range chunks {
			parts[i] = c.PartPath
		}
		ms, err := merge.Merge(parts, opts.Output, outEnc)
		if err != nil {
			mergeErr = fmt.Errorf("merging into %s: %w", opts.Output, err)
		} else {
			sum.Merged = true
			sum.MissingParts = len(ms.Missing)
			log.Info("merged parts", "output", opts.Output, "parts", ms.Merged, "lines", ms.Lines, "missing", len(ms.Missing))
		}
	}

	// 5. Stats.
	sum.Translate = opts.Translator.Stats()
	if opts.Quota != nil {
		sum.QuotaRemaining = opts.Quota.Remaining()
	}
	sum.FinishedAt = time.Now().UTC()
	if err := sum.save(opts.Layout.StatsDir()); err != nil {
		log.Warn("saving run stats", "err", err)
	}

	return sum, mergeErr
}

// processAll keeps up to workers chunks in flight: a worker that finishes
// picks up the next chunk at once. After ctx is done no new chunk starts;
// chunks that never started are reported as failed with ctx's error.
func processAll(ctx context.Context, opts Options, enc textenc.Encoding, chunks []chunk.Chunk, workers int, log *slog.Logger) []chunk.Result {
	results := make([]chunk.Result, len(chunks))
	if len(chunks) == 0 {
		return results
	}

	proc := chunk.NewProcessor(chunk.Options{
		Input:       opts.Input,
		Encoding:    enc,
		Translator:  opts.Translator,
		FlushEvery:  opts.FlushEvery,
		StopOnQuota: opts.StopOnQuota,
		OnLine:      opts.OnLine,
		OnResume:    opts.OnResume,
		Quota:       opts.Quota,
		Logger:      log,
	})

	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(r any) {
		log.Error("worker panic", "panic", r)
	}))
	if err != nil {
		for i, c := range chunks {
			results[i] = chunk.Result{Index: c.Index, Err: fmt.Errorf("creating worker pool: %w", err)}
		}
		return results
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i, c := range chunks {
		if err := ctx.Err(); err != nil {
			results[i] = chunk.Result{Index: c.Index, Err: err}
			continue
		}

		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			results[i] = proc.Process(ctx, c)
		})
		if err != nil {
			wg.Done()
			results[i] = chunk.Result{Index: c.Index, Err: fmt.Errorf("submitting chunk: %w", err)}
		}
	}
	wg.Wait()
	return results
}

func (s *Summary) save(dir string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}
	path := filepath.Join(dir, "run_"+s.RunID+".json")
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	s.StatsFile = path
	return nil
}
