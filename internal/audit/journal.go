package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"pactduel/trust/internal/suspect"
	"pactduel/trust/internal/validation"
)

// DefaultSegmentBytes caps the size of one live journal segment before it is
// rotated into a zstd archive.
const DefaultSegmentBytes int64 = 32 * 1024 * 1024

// Event is one security-relevant validation outcome persisted with full
// context for later review.
type Event struct {
	At           string               `json:"at"`
	ConnectionID string               `json:"connection_id,omitempty"`
	PlayerID     string               `json:"player_id,omitempty"`
	MessageType  string               `json:"message_type,omitempty"`
	Code         validation.Code      `json:"code,omitempty"`
	Risk         validation.RiskLevel `json:"risk,omitempty"`
	Pattern      suspect.PatternType  `json:"pattern,omitempty"`
	Valid        bool                 `json:"valid"`
	Detail       string               `json:"detail,omitempty"`
}

// Sink receives audit events. The pipeline writes every result carrying the
// shouldLog hint through a Sink.
type Sink interface {
	Append(event Event) error
	Close() error
}

// Journal streams audit events to a snappy-compressed JSONL segment and
// re-compresses closed segments into zstd archives.
type Journal struct {
	mu      sync.Mutex
	dir     string
	maxSize int64
	now     func() time.Time

	file   *os.File
	stream *snappy.Writer
	size   int64
}

// Option customises journal construction.
type Option func(*Journal)

// WithClock injects a deterministic time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(j *Journal) {
		if clock != nil {
			j.now = clock
		}
	}
}

// WithSegmentBytes overrides the rotation threshold.
func WithSegmentBytes(limit int64) Option {
	return func(j *Journal) {
		if limit > 0 {
			j.maxSize = limit
		}
	}
}

// NewJournal opens a journal rooted at dir, creating the directory and the
// first live segment.
func NewJournal(dir string, opts ...Option) (*Journal, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit journal directory must be provided")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	journal := &Journal{
		dir:     dir,
		maxSize: DefaultSegmentBytes,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(journal)
		}
	}
	if err := journal.openSegmentLocked(); err != nil {
		return nil, err
	}
	return journal, nil
}

// Append writes one event line to the live segment, rotating first when the
// segment has reached the size threshold.
func (j *Journal) Append(event Event) error {
	if j == nil {
		return fmt.Errorf("journal not initialised")
	}
	if event.At == "" {
		event.At = j.now().UTC().Format(time.RFC3339Nano)
	}
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.size+int64(len(line))+1 > j.maxSize {
		if err := j.rotateLocked(); err != nil {
			return err
		}
	}
	if _, err := j.stream.Write(line); err != nil {
		return err
	}
	if _, err := j.stream.Write([]byte("\n")); err != nil {
		return err
	}
	j.size += int64(len(line)) + 1
	return j.stream.Flush()
}

// Close flushes and closes the live segment.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeSegmentLocked()
}

func (j *Journal) openSegmentLocked() error {
	name := fmt.Sprintf("audit-%s.jsonl.sz", j.now().UTC().Format("20060102T150405"))
	file, err := os.OpenFile(filepath.Join(j.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	j.file = file
	j.stream = snappy.NewBufferedWriter(file)
	j.size = 0
	return nil
}

func (j *Journal) closeSegmentLocked() error {
	var firstErr error
	if j.stream != nil {
		if err := j.stream.Close(); err != nil {
			firstErr = err
		}
		j.stream = nil
	}
	if j.file != nil {
		if err := j.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		j.file = nil
	}
	return firstErr
}

// rotateLocked closes the live segment, archives it as zstd, and opens a
// fresh segment. Archival failures are non-fatal; the original segment stays.
func (j *Journal) rotateLocked() error {
	closed := ""
	if j.file != nil {
		closed = j.file.Name()
	}
	if err := j.closeSegmentLocked(); err != nil {
		return err
	}
	if closed != "" {
		if err := archiveSegment(closed); err == nil {
			_ = os.Remove(closed)
		}
	}
	return j.openSegmentLocked()
}

// archiveSegment decompresses a snappy segment and rewrites it as zstd.
func archiveSegment(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(path+".zst", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	encoder, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}
	reader := snappy.NewReader(in)
	if _, err := io.Copy(encoder, reader); err != nil {
		encoder.Close()
		out.Close()
		return err
	}
	if err := encoder.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// NopSink discards events; used in tests and when auditing is disabled.
type NopSink struct{}

// Append implements Sink by discarding the event.
func (NopSink) Append(Event) error { return nil }

// Close implements Sink.
func (NopSink) Close() error { return nil }
