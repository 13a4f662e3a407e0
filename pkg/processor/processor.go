// Package processor implements the queue processor: it drains the shared
// request queue, folds payloads into the shelf, and drives the periodic
// flush to destinations.
package processor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"

	"github.com/vela-metrics/statsdaemon/internal/util"
	"github.com/vela-metrics/statsdaemon/pkg/destination"
	"github.com/vela-metrics/statsdaemon/pkg/metric"
	"github.com/vela-metrics/statsdaemon/pkg/queue"
	"github.com/vela-metrics/statsdaemon/pkg/shelf"
)

// Processor drains a queue.Queue, aggregates payloads into a shelf.Shelf,
// and flushes to a registered list of destinations on a fixed interval. It
// is the single owner of the shelf and the destination list.
type Processor struct {
	queue    *queue.Queue
	shelf    *shelf.Shelf
	interval time.Duration
	clk      clock.Clock
	logger   logrus.FieldLogger
	ticker   *util.FlushTicker // non-nil enables wall-clock-aligned flushing

	destMu       sync.Mutex
	destinations []destination.Destination

	lastFlush time.Time

	ctx          context.Context
	cancel       context.CancelFunc
	stopOnce     sync.Once
	processingCh chan struct{}
	procOnce     sync.Once
	doneCh       chan struct{}
}

// New returns a Processor reading from q and flushing every interval.
func New(q *queue.Queue, interval time.Duration, logger logrus.FieldLogger) *Processor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		queue:        q,
		shelf:        shelf.New(),
		interval:     interval,
		clk:          clock.Realtime(),
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		processingCh: make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// WithClock overrides the clock used for flush timestamps and scheduling,
// for deterministic tests.
func (p *Processor) WithClock(c clock.Clock) *Processor {
	p.clk = c
	return p
}

// WithAlignedFlush makes flush deadlines land on interval boundaries offset
// from the wall-clock epoch (e.g. every :00, :10, :20 for a 10s interval
// with a zero offset), instead of drifting from whenever Process started.
func (p *Processor) WithAlignedFlush(offset time.Duration) *Processor {
	p.ticker = util.NewFlushTicker(p.interval, offset)
	return p
}

// AddDestination appends d to the ordered destination list.
func (p *Processor) AddDestination(d destination.Destination) {
	p.destMu.Lock()
	defer p.destMu.Unlock()
	p.destinations = append(p.destinations, d)
}

// ClearDestinations removes every registered destination.
func (p *Processor) ClearDestinations() {
	p.destMu.Lock()
	defer p.destMu.Unlock()
	p.destinations = nil
}

// SetLastFlush seeds the flush cadence anchor. Process keeps a non-zero
// value instead of starting the cadence from the current time.
func (p *Processor) SetLastFlush(t time.Time) {
	p.lastFlush = t
}

// LastFlush returns the timestamp of the most recent flush.
func (p *Processor) LastFlush() time.Time {
	return p.lastFlush
}

// Shelf exposes the underlying shelf.
func (p *Processor) Shelf() *shelf.Shelf {
	return p.shelf
}

// IsProcessing reports whether Process's driver loop is running.
func (p *Processor) IsProcessing() bool {
	select {
	case <-p.processingCh:
		select {
		case <-p.doneCh:
			return false
		default:
			return true
		}
	default:
		return false
	}
}

// WaitUntilProcessing blocks until Process has started its driver loop.
func (p *Processor) WaitUntilProcessing() {
	<-p.processingCh
}

// WaitUntilShutdown blocks until Process has returned.
func (p *Processor) WaitUntilShutdown() {
	<-p.doneCh
}

// Process runs the driver loop until Shutdown is called: it alternates
// between a bounded dequeue and a flush check, guaranteeing that a flush is
// never skipped because the queue stayed busy.
func (p *Processor) Process() {
	if p.lastFlush.IsZero() {
		p.lastFlush = p.clk.Now()
	}
	p.procOnce.Do(func() { close(p.processingCh) })
	defer close(p.doneCh)

	for {
		select {
		case <-p.ctx.Done():
			p.drainAndFinalFlush()
			return
		default:
		}

		deadline := p.lastFlush.Add(p.interval)
		if p.ticker != nil {
			deadline = p.ticker.Next(p.clk.Now())
		}
		ctx, cancel := clock.DeadlineContext(clock.Context(p.ctx, p.clk), deadline)
		data, ok := p.queue.Get(ctx)
		cancel()

		if !p.clk.Now().Before(deadline) {
			p.Flush()
		}

		if ok {
			p.foldRequest(data)
		}
	}
}

func (p *Processor) drainAndFinalFlush() {
	for _, data := range p.queue.Drain() {
		p.foldRequest(data)
	}
	p.Flush()
}

// foldRequest splits a raw request payload on newlines and folds each
// non-empty line into the shelf, in arrival order.
func (p *Processor) foldRequest(data string) {
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m, err := metric.Parse([]byte(line))
		if err != nil {
			p.logger.WithError(err).WithField("line", line).Debug("failed to parse metric")
			continue
		}
		p.shelf.Add(m)
	}
}

// Flush snapshots and clears the shelf, then synchronously fans the
// resulting records out to every destination in registration order.
// Per-destination failures are logged and do not abort the flush.
func (p *Processor) Flush() {
	now := p.clk.Now()
	records := p.shelf.SnapshotAndClear(now, p.interval)
	p.lastFlush = now

	p.destMu.Lock()
	destinations := append([]destination.Destination(nil), p.destinations...)
	p.destMu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"records":      len(records),
		"destinations": len(destinations),
	}).Debug("flushing")

	for _, d := range destinations {
		if err := d.Flush(records); err != nil {
			p.logger.WithError(err).WithField("destination", d.String()).Warn("destination flush failed")
		}
	}
}

// Shutdown requests termination of the driver loop. After the current
// dequeue/flush cycle completes, Process drains remaining queue items into
// the shelf, issues a final flush, and returns.
func (p *Processor) Shutdown() {
	p.stopOnce.Do(p.cancel)
}
