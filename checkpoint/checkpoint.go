// Package checkpoint persists how far the processing of one chunk has
// progressed. The checkpoint file is the source of truth for resuming: a
// chunk whose checkpoint says completed is skipped, any other chunk resumes
// after the lines already present in its part file.
//
// Format (JSON, one file per chunk, progress/progress_NNN.json):
//
//	{"last_line": 40, "total_lines": 120, "completed": false, "timestamp": "..."}
//
// Each checkpoint is owned by exactly one chunk processor; nothing here is
// safe for two writers on the same file.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// ErrCorrupt is returned when a checkpoint file exists but cannot be parsed.
var ErrCorrupt = errors.New("corrupt checkpoint")

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// State is the lifecycle state of a chunk derived from its checkpoint.
type State int

const (
	NotStarted State = iota
	InProgress
	Completed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case InProgress:
		return "in progress"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// Checkpoint is the persisted progress of one chunk.
type Checkpoint struct {
	LastLine   int       `json:"last_line"`
	TotalLines int       `json:"total_lines"`
	Completed  bool      `json:"completed"`
	Timestamp  time.Time `json:"timestamp"`

	path string
}

// ---------------------------------------------------------------------------
// Loading and saving
// ---------------------------------------------------------------------------

// New returns a not-started checkpoint that will be written to path.
func New(path string) *Checkpoint {
	return &Checkpoint{path: path}
}

// Load reads the checkpoint at path.
// Returns a zero (not started) checkpoint if the file doesn't exist.
func Load(path string) (*Checkpoint, error) {
	cp := New(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cp, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("parsing %s: %w: %v", path, ErrCorrupt, err)
	}
	cp.path = path
	return cp, nil
}

// Save records lastLine of total and writes the checkpoint. The checkpoint
// becomes completed once lastLine reaches total.
func (cp *Checkpoint) Save(lastLine, total int) error {
	cp.LastLine = lastLine
	cp.TotalLines = total
	cp.Completed = lastLine >= total
	cp.Timestamp = time.Now().UTC()
	return cp.write()
}

// Complete marks the checkpoint as finished and writes it.
func (cp *Checkpoint) Complete(total int) error {
	return cp.Save(total, total)
}

func (cp *Checkpoint) write() error {
	if cp.path == "" {
		return fmt.Errorf("checkpoint path not set")
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cp.path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(cp.path), err)
	}
	if err := renameio.WriteFile(cp.path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", cp.path, err)
	}
	return nil
}

// Path returns the checkpoint file path.
func (cp *Checkpoint) Path() string {
	return cp.path
}

// ---------------------------------------------------------------------------
// Derived state
// ---------------------------------------------------------------------------

// State reports the lifecycle state.
func (cp *Checkpoint) State() State {
	switch {
	case cp.Completed:
		return Completed
	case cp.LastLine > 0:
		return InProgress
	default:
		return NotStarted
	}
}

// Percent returns progress in the range 0..100.
func (cp *Checkpoint) Percent() float64 {
	if cp.Completed {
		return 100
	}
	if cp.TotalLines <= 0 {
		return 0
	}
	return float64(cp.LastLine) / float64(cp.TotalLines) * 100
}
