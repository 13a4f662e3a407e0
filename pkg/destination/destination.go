// Package destination implements the flush sinks a queue processor writes
// aggregated records to: Carbon/Graphite over TCP, and line-oriented
// file/stream sinks.
package destination

import (
	"fmt"

	"github.com/vela-metrics/statsdaemon/pkg/shelf"
)

// Destination accepts one flush batch at a time. Implementations must not
// return until every record in records has been attempted.
type Destination interface {
	Flush(records []shelf.Record) error
	fmt.Stringer
}

func formatValue(v float64) string {
	return fmt.Sprintf("%g", v)
}
