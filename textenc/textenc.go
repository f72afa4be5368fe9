// Package textenc detects and converts the character encoding of string
// table files.
//
// Detection is best effort: a BOM wins, valid UTF-8 is taken as UTF-8, and
// everything else is handed to a statistical charset detector. A wrong guess
// is not detected later; callers that know the encoding should use Lookup.
//
// Internally strtrans works on UTF-8 text only. Input is decoded once while
// reading, chunk part files are stored as UTF-8 and the merged output is
// encoded back with the detected (or configured) encoding.
package textenc

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// sniffLimit bounds how much of a file is fed to the charset detector.
const sniffLimit = 1 << 20

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// Encoding is a named text encoding.
type Encoding struct {
	name string
	enc  encoding.Encoding
}

// UTF8 is plain UTF-8 without a byte order mark. Bytes pass through unchanged.
var UTF8 = Encoding{name: "UTF-8", enc: encoding.Nop}

// UTF8BOM is UTF-8 with a leading byte order mark, which is stripped on
// decode and written back on encode.
var UTF8BOM = Encoding{name: "UTF-8-SIG", enc: unicode.UTF8BOM}

// Name returns the encoding label.
func (e Encoding) Name() string {
	if e.name == "" {
		return UTF8.name
	}
	return e.name
}

// IsUTF8 reports whether no transcoding is needed to read or write e.
func (e Encoding) IsUTF8() bool {
	return e.enc == nil || e.enc == encoding.Nop
}

func (e Encoding) encoding() encoding.Encoding {
	if e.enc == nil {
		return encoding.Nop
	}
	return e.enc
}

// String implements fmt.Stringer.
func (e Encoding) String() string { return e.Name() }

// Lookup resolves an encoding label such as "utf-8", "ISO-8859-1" or
// "windows-1254".
func Lookup(label string) (Encoding, error) {
	norm := strings.ToLower(strings.TrimSpace(label))
	switch norm {
	case "", "utf-8", "utf8", "ascii", "us-ascii":
		return UTF8, nil
	case "utf-8-sig", "utf8-sig", "utf-8-bom":
		return UTF8BOM, nil
	case "utf-16", "utf16":
		return Encoding{name: "UTF-16", enc: unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM)}, nil
	case "gb-18030":
		norm = "gb18030"
	}

	enc, err := htmlindex.Get(norm)
	if err != nil {
		return Encoding{}, fmt.Errorf("unknown encoding %q: %w", label, err)
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		name = label
	}
	return Encoding{name: name, enc: enc}, nil
}

// Detect guesses the encoding of the file at path.
func Detect(path string) (Encoding, error) {
	f, err := os.Open(path)
	if err != nil {
		return Encoding{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, sniffLimit))
	if err != nil {
		return Encoding{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return DetectBytes(data), nil
}

// DetectBytes guesses the encoding of data.
func DetectBytes(data []byte) Encoding {
	switch {
	case bytes.HasPrefix(data, bomUTF8):
		return UTF8BOM
	case bytes.HasPrefix(data, bomUTF16LE), bytes.HasPrefix(data, bomUTF16BE):
		enc, _ := Lookup("utf-16")
		return enc
	}

	if validUTF8Prefix(data) {
		return UTF8
	}

	res, err := chardet.NewTextDetector().DetectBest(data)
	if err != nil || res == nil {
		return fallback()
	}
	enc, err := Lookup(res.Charset)
	if err != nil {
		return fallback()
	}
	return enc
}

// validUTF8Prefix is utf8.Valid that tolerates a rune cut off by sniffLimit.
func validUTF8Prefix(data []byte) bool {
	if utf8.Valid(data) {
		return true
	}
	if len(data) < sniffLimit {
		return false
	}
	for i := 1; i < utf8.UTFMax && i < len(data); i++ {
		if utf8.Valid(data[:len(data)-i]) {
			return true
		}
	}
	return false
}

// fallback is used when the detector cannot name a charset. windows-1252 is
// a superset of ISO-8859-1 and never fails to decode.
func fallback() Encoding {
	enc, _ := Lookup("windows-1252")
	return enc
}

// ---------------------------------------------------------------------------
// Conversion
// ---------------------------------------------------------------------------

// NewReader returns a reader that decodes r from e into UTF-8.
func (e Encoding) NewReader(r io.Reader) io.Reader {
	if e.IsUTF8() {
		return r
	}
	return transform.NewReader(r, e.encoding().NewDecoder())
}

// NewWriter returns a writer that encodes UTF-8 input into e. Close must be
// called to flush buffered output; it does not close w.
func (e Encoding) NewWriter(w io.Writer) io.WriteCloser {
	if e.IsUTF8() {
		return nopCloser{w}
	}
	return transform.NewWriter(w, e.encoding().NewEncoder())
}

// Decode converts b from e into UTF-8.
func (e Encoding) Decode(b []byte) ([]byte, error) {
	if e.IsUTF8() {
		return b, nil
	}
	out, err := e.encoding().NewDecoder().Bytes(b)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", e.Name(), err)
	}
	return out, nil
}

// Encode converts UTF-8 b into e. Runes that e cannot represent are an error.
func (e Encoding) Encode(b []byte) ([]byte, error) {
	if e.IsUTF8() {
		return b, nil
	}
	out, err := e.encoding().NewEncoder().Bytes(b)
	if err != nil {
		return nil, fmt.Errorf("encoding to %s: %w", e.Name(), err)
	}
	return out, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
