package destination

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/vela-metrics/statsdaemon/pkg/shelf"
	"github.com/vela-metrics/statsdaemon/pkg/util"
)

// Graphite flushes records as Carbon plaintext lines over a TCP connection
// that reconnects lazily: a dead connection is not retried until the next
// Flush call.
type Graphite struct {
	address string
	logger  logrus.FieldLogger

	mu      sync.Mutex
	conn    net.Conn
	backoff util.BackoffFactory
}

// NewGraphite returns a Graphite destination for host:port. If addr has no
// port, 2003 (the default Carbon plaintext port) is assumed. backoffFactory
// governs how connect() retries within a single Flush call; pass nil for a
// short exponential default.
func NewGraphite(addr string, logger logrus.FieldLogger, backoffFactory util.BackoffFactory) *Graphite {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(2003))
	}
	if backoffFactory == nil {
		backoffFactory = util.NewBackoffFactory(backoff.DefaultMultiplier, 2*time.Second, 50*time.Millisecond, 0)
	}
	return &Graphite{
		address: addr,
		logger:  logger,
		backoff: backoffFactory,
	}
}

func (g *Graphite) String() string {
	return "graphite:" + g.address
}

func (g *Graphite) connect() (net.Conn, error) {
	var conn net.Conn
	err := backoff.Retry(func() error {
		c, err := net.DialTimeout("tcp", g.address, time.Second)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, g.backoff())
	return conn, err
}

// Flush writes every record as a "<name> <value> <timestamp>\n" line,
// reconnecting first if the previous connection was dropped or never made.
func (g *Graphite) Flush(records []shelf.Record) error {
	if len(records) == 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn == nil {
		conn, err := g.connect()
		if err != nil {
			return fmt.Errorf("connecting to graphite at %s: %w", g.address, err)
		}
		g.conn = conn
	}

	var buf []byte
	for _, r := range records {
		buf = append(buf, fmt.Sprintf("%s %s %d\n", r.Name, formatValue(r.Value), int64(r.Timestamp))...)
	}

	if _, err := g.conn.Write(buf); err != nil {
		g.conn.Close()
		g.conn = nil
		return fmt.Errorf("writing to graphite at %s: %w", g.address, err)
	}

	return nil
}

// Close releases the underlying connection, if any.
func (g *Graphite) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return nil
	}
	err := g.conn.Close()
	g.conn = nil
	return err
}
