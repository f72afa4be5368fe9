package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/minios-linux/strtrans/checkpoint"
	"github.com/minios-linux/strtrans/strfile"
	"github.com/minios-linux/strtrans/textenc"
	"github.com/minios-linux/strtrans/translate"
)

var (
	// ErrPartTooLong means the partial output has more lines than the chunk
	// range; the part file does not belong to this partitioning.
	ErrPartTooLong = errors.New("partial output longer than chunk")
	// ErrInputChanged means the input file has fewer lines in the chunk's
	// range than the partitioning expects.
	ErrInputChanged = errors.New("input shorter than chunk range")
	// ErrStaleCheckpoint means the checkpoint was written for a chunk of a
	// different size: the input changed since the work directory was made.
	ErrStaleCheckpoint = errors.New("checkpoint from a different partitioning")
	// ErrQuotaExhausted stops a chunk when StopOnQuota is set.
	ErrQuotaExhausted = errors.New("daily quota exhausted")
)

const (
	defaultFlushEvery = 10
	progressEvery     = 10
)

// Translator is the part of translate.Client the processor needs.
type Translator interface {
	Translate(ctx context.Context, text string) (string, translate.Outcome)
}

// Quota reports the remaining daily budget.
type Quota interface {
	Remaining() int
}

// Options configures a Processor.
type Options struct {
	// Input is the source file; it is re-read for every chunk.
	Input string
	// Encoding of Input.
	Encoding textenc.Encoding
	// Translator translates entry values.
	Translator Translator
	// FlushEvery is the number of lines between saves. Default: 10.
	FlushEvery int
	// StopOnQuota ends the chunk at the first string skipped for quota
	// instead of copying it untranslated, so a later run picks it up.
	StopOnQuota bool
	// OnLine is called after every processed line.
	OnLine func()
	// OnResume is called with the lines a chunk already had before this
	// run: all of them for a completed chunk, or the partial output.
	OnResume func(lines int)
	// Quota, when set, is included in progress messages.
	Quota Quota
	// Logger receives progress messages. Nil discards.
	Logger *slog.Logger
}

// Result is the outcome of processing one chunk.
type Result struct {
	Index int
	OK    bool
	// Skipped is true when the chunk was already completed.
	Skipped bool
	// Resumed is the number of lines found in the partial output.
	Resumed int
	// Lines is the number of lines processed in this run.
	Lines int
	// Entries is the number of translatable lines processed in this run.
	Entries int
	Err     error
}

// Processor translates chunks.
type Processor struct {
	opts Options
	log  *slog.Logger
}

// NewProcessor returns a Processor.
func NewProcessor(opts Options) *Processor {
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = defaultFlushEvery
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Processor{opts: opts, log: logger}
}

// Process runs chunk c to completion or until ctx is done. It never panics
// and never returns an error directly: failures end up in Result.Err, with
// everything processed so far flushed to disk.
func (p *Processor) Process(ctx context.Context, c Chunk) (res Result) {
	res.Index = c.Index
	log := p.log.With("chunk", c.Index)

	defer func() {
		if r := recover(); r != nil {
			res.OK = false
			res.Err = fmt.Errorf("panic: %v", r)
		}
		if res.Err != nil {
			log.Error("chunk failed", "err", res.Err)
		}
	}()

	cp, err := checkpoint.Load(c.ProgressPath)
	switch {
	case errors.Is(err, checkpoint.ErrCorrupt):
		// The part file alone tells how far the chunk got.
		log.Warn("ignoring unreadable checkpoint", "err", err)
		cp = checkpoint.New(c.ProgressPath)
	case err != nil:
		res.Err = err
		return res
	}

	total := c.Len()
	if cp.TotalLines > 0 && cp.TotalLines != total {
		res.Err = fmt.Errorf("%s: %w (%d lines, chunk has %d); run clean to start over",
			c.ProgressPath, ErrStaleCheckpoint, cp.TotalLines, total)
		return res
	}
	if cp.Completed {
		log.Debug("chunk already completed")
		res.OK, res.Skipped = true, true
		p.resumed(total)
		return res
	}

	done, err := strfile.ReadFile(c.PartPath)
	if err != nil {
		res.Err = err
		return res
	}
	if len(done) > total {
		res.Err = fmt.Errorf("%s: %w (%d > %d lines)", c.PartPath, ErrPartTooLong, len(done), total)
		return res
	}
	res.Resumed = len(done)

	src, err := strfile.ReadRange(p.opts.Input, p.opts.Encoding, c.Start, c.End)
	if err != nil {
		res.Err = err
		return res
	}
	if len(src) < total {
		res.Err = fmt.Errorf("lines [%d, %d): %w (got %d)", c.Start, c.End, ErrInputChanged, len(src))
		return res
	}

	if len(done) > 0 {
		log.Info("resuming chunk", "line", len(done), "total", total)
		p.resumed(len(done))
	}

	out := make([]strfile.Line, len(done), total)
	copy(out, done)

	flush := func() error {
		if err := strfile.WriteFile(c.PartPath, out); err != nil {
			return err
		}
		return cp.Save(len(out), total)
	}

	// stop saves what is done and reports why the chunk did not finish.
	stop := func(cause error) Result {
		if err := flush(); err != nil {
			cause = errors.Join(cause, err)
		}
		res.Err = cause
		return res
	}

	pending := 0
	for i := len(done); i < total; i++ {
		if err := ctx.Err(); err != nil {
			return stop(err)
		}

		ln := src[i]
		if e, ok := ln.Entry(); ok {
			value, outcome := p.opts.Translator.Translate(ctx, e.Value)
			// A translation interrupted by cancellation is not written.
			if err := ctx.Err(); err != nil {
				return stop(err)
			}
			if outcome == translate.OutcomeSkippedQuota && p.opts.StopOnQuota {
				return stop(ErrQuotaExhausted)
			}
			ln = ln.WithValue(value)
			res.Entries++
		}

		out = append(out, ln)
		res.Lines++
		pending++
		if p.opts.OnLine != nil {
			p.opts.OnLine()
		}

		processed := len(out)
		if processed%progressEvery == 0 {
			attrs := []any{
				"percent", fmt.Sprintf("%.1f", float64(processed)/float64(total)*100),
				"line", processed, "total", total,
			}
			if p.opts.Quota != nil {
				attrs = append(attrs, "quota_left", p.opts.Quota.Remaining())
			}
			log.Info("chunk progress", attrs...)
		}
		if pending >= p.opts.FlushEvery || processed == total {
			if err := flush(); err != nil {
				res.Err = err
				return res
			}
			pending = 0
		}
	}

	// Resumed with nothing left to do, or an empty range: make sure the
	// part file exists before completing.
	if res.Lines == 0 {
		if err := strfile.WriteFile(c.PartPath, out); err != nil {
			res.Err = err
			return res
		}
	}

	if err := cp.Complete(total); err != nil {
		res.Err = err
		return res
	}
	log.Debug("chunk completed", "lines", res.Lines, "entries", res.Entries)
	res.OK = true
	return res
}

func (p *Processor) resumed(lines int) {
	if p.opts.OnResume != nil {
		p.opts.OnResume(lines)
	}
}
