// Package strfile reads and writes line-oriented string tables.
//
// Format: one entry per line, `KEY "free text value"`. Every other line
// (comments, blank lines, malformed entries) is a pass-through line and is
// reproduced byte for byte, including its line terminator.
//
// Values are taken greedily up to the last double quote on the line. Escaped
// quotes inside a value and values spanning several lines are not supported:
// such lines either parse with the wrong boundaries or pass through
// untranslated. A line break inside a replacement value is written as the
// two characters \n, so one entry always stays one line.
package strfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/minios-linux/strtrans/textenc"
)

// entryRe matches `KEY "value"` at the start of a trimmed line.
var entryRe = regexp.MustCompile(`^(\S+)\s+"(.+)"`)

var lineBreaks = strings.NewReplacer("\r\n", `\n`, "\n", `\n`, "\r", `\n`)

// ---------------------------------------------------------------------------
// Line model
// ---------------------------------------------------------------------------

// Line is one line of a string table.
type Line struct {
	// Text is the line content without its terminator.
	Text string
	// EOL is the original terminator: "\n", "\r\n" or "" for a final
	// unterminated line.
	EOL string
}

// String returns the line with its terminator.
func (l Line) String() string {
	return l.Text + l.EOL
}

// Entry is a translatable `KEY "value"` pair.
type Entry struct {
	Key   string
	Value string
}

// ParseEntry parses text as a translatable entry. The second result is false
// for pass-through lines.
func ParseEntry(text string) (Entry, bool) {
	m := entryRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return Entry{}, false
	}
	return Entry{Key: m[1], Value: m[2]}, true
}

// Format renders the entry as `KEY "value"`.
func (e Entry) Format() string {
	return e.Key + ` "` + e.Value + `"`
}

// Entry returns the parsed entry for l, if any.
func (l Line) Entry() (Entry, bool) {
	return ParseEntry(l.Text)
}

// WithValue returns l with its entry value replaced by value. Anything after
// the closing quote and any leading indentation is dropped, matching how the
// entry was parsed. Line breaks in value are escaped. Pass-through lines are
// returned unchanged.
func (l Line) WithValue(value string) Line {
	e, ok := l.Entry()
	if !ok {
		return l
	}
	e.Value = lineBreaks.Replace(value)
	return Line{Text: e.Format(), EOL: l.EOL}
}

// ---------------------------------------------------------------------------
// Reading
// ---------------------------------------------------------------------------

// lineReader yields lines with their terminators from a UTF-8 stream.
type lineReader struct {
	br *bufio.Reader
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{br: bufio.NewReaderSize(r, 64*1024)}
}

// next returns the next line. It returns io.EOF once the stream is
// exhausted; a final unterminated line is returned before io.EOF.
func (lr *lineReader) next() (Line, error) {
	s, err := lr.br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return Line{}, err
	}
	if s == "" && errors.Is(err, io.EOF) {
		return Line{}, io.EOF
	}
	return splitEOL(s), nil
}

func splitEOL(s string) Line {
	switch {
	case strings.HasSuffix(s, "\r\n"):
		return Line{Text: s[:len(s)-2], EOL: "\r\n"}
	case strings.HasSuffix(s, "\n"):
		return Line{Text: s[:len(s)-1], EOL: "\n"}
	default:
		return Line{Text: s}
	}
}

// ReadLines reads every line from r, which must yield UTF-8.
func ReadLines(r io.Reader) ([]Line, error) {
	lr := newLineReader(r)
	var lines []Line
	for {
		ln, err := lr.next()
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return nil, err
		}
		lines = append(lines, ln)
	}
}

// CountLines returns the number of lines in the file at path. A final line
// without a terminator counts.
func CountLines(path string, enc textenc.Encoding) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	lr := newLineReader(enc.NewReader(f))
	n := 0
	for {
		_, err := lr.next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return 0, fmt.Errorf("reading %s: %w", path, err)
		}
		n++
	}
}

// ReadRange reads lines [start, end) of the file at path, decoding from enc.
// The file is read from the beginning on every call.
func ReadRange(path string, enc textenc.Encoding, start, end int) ([]Line, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("invalid line range [%d, %d)", start, end)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	lr := newLineReader(enc.NewReader(f))
	lines := make([]Line, 0, end-start)
	for i := 0; i < end; i++ {
		ln, err := lr.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if i >= start {
			lines = append(lines, ln)
		}
	}
	return lines, nil
}

// ReadFile reads a UTF-8 file written by WriteFile. A missing file yields
// no lines and no error.
func ReadFile(path string) ([]Line, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	lines, err := ReadLines(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return lines, nil
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// Marshal joins lines with their terminators.
func Marshal(lines []Line) []byte {
	var b strings.Builder
	for _, ln := range lines {
		b.WriteString(ln.Text)
		b.WriteString(ln.EOL)
	}
	return []byte(b.String())
}

// WriteFile replaces the file at path with lines, UTF-8 encoded. The file is
// written to a temporary name and renamed into place, so a crash leaves
// either the old or the new content.
func WriteFile(path string, lines []Line) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := renameio.WriteFile(path, Marshal(lines), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
