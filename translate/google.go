package translate

import (
	"context"
	"fmt"
	"time"

	"github.com/bregydoc/gtranslate"
)

// Google translates through the public Google Translate web endpoint.
// It needs no API key and is the default provider.
type Google struct {
	timeout time.Duration
	call    func(text string, params gtranslate.TranslationParams) (string, error)
}

// NewGoogle returns a Google provider with the given per-request timeout.
func NewGoogle(timeout time.Duration) *Google {
	return &Google{timeout: timeout, call: gtranslate.TranslateWithParams}
}

type googleResult struct {
	text string
	err  error
}

// Translate implements Provider. gtranslate has no context support, so the
// request runs in its own goroutine and is abandoned on cancel or timeout.
func (g *Google) Translate(ctx context.Context, text, source, target string) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	done := make(chan googleResult, 1)
	go func() {
		out, err := g.call(text, gtranslate.TranslationParams{From: source, To: target})
		done <- googleResult{out, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("google translate: %w", r.err)
		}
		if r.text == "" {
			return "", ErrEmptyResult
		}
		return r.text, nil
	}
}
