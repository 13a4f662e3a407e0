package destination

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/vela-metrics/statsdaemon/pkg/shelf"
	"github.com/vela-metrics/statsdaemon/pkg/util"
)

// lineFormat renders one flush record as a single output line.
type lineFormat func(shelf.Record) string

func carbonLine(r shelf.Record) string {
	return fmt.Sprintf("%s %s %d\n", r.Name, formatValue(r.Value), int64(r.Timestamp))
}

func csvLine(r shelf.Record) string {
	return fmt.Sprintf("%s,%s,%d\n", r.Name, formatValue(r.Value), int64(r.Timestamp))
}

// Stream flushes records as lines to an io.Writer, flushing any buffering
// before returning. name identifies the destination in String().
type Stream struct {
	name   string
	format lineFormat

	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

// NewStdout returns a destination writing Carbon-format lines to standard
// output.
func NewStdout() *Stream {
	return newStream("stdout", os.Stdout, util.NopWriteCloser(os.Stdout), carbonLine)
}

// NewFile opens path for append and returns a destination writing
// Carbon-format lines to it.
func NewFile(path string) (*Stream, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return newStream(path, f, f, carbonLine), nil
}

// NewCsvFile opens path for append and returns a destination writing
// CSV-format lines to it.
func NewCsvFile(path string) (*Stream, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return newStream(path, f, f, csvLine), nil
}

func newStream(name string, w io.Writer, closer io.Closer, format lineFormat) *Stream {
	return &Stream{name: name, format: format, w: bufio.NewWriter(w), closer: closer}
}

func (s *Stream) String() string {
	return "stream:" + s.name
}

// Flush writes every record as one line and flushes the underlying writer.
func (s *Stream) Flush(records []shelf.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if _, err := s.w.WriteString(s.format(r)); err != nil {
			return fmt.Errorf("writing to %s: %w", s.name, err)
		}
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flushing %s: %w", s.name, err)
	}
	return nil
}

// Close closes the underlying writer. Stdout's closer is a no-op.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closer.Close()
}
