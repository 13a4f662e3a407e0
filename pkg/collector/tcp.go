package collector

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ash2k/stager/wait"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vela-metrics/statsdaemon/pkg/privdrop"
	"github.com/vela-metrics/statsdaemon/pkg/queue"
	"github.com/vela-metrics/statsdaemon/pkg/util"
)

// idleGrace is how long an overflow worker (spawned beyond the initial pool
// size) waits for another connection before exiting to reclaim resources.
const idleGrace = 30 * time.Second

// TCP is a collector that accepts connections up to a hard maximum via a
// worker pool, reads newline-delimited requests from each, and enqueues
// each complete line.
type TCP struct {
	cfg         Config
	initialSize int
	maxSize     int
	queue       *queue.Queue
	logger      logrus.FieldLogger

	sm      *stateMachine
	ln      net.Listener
	ctx     context.Context
	cancel  context.CancelFunc
	sem     util.Semaphore
	limiter *rate.Limiter
	connCh  chan net.Conn
	wg      wait.Group
}

// NewTCP returns a TCP collector. initialSize workers are always ready to
// accept a connection; maxSize is the hard ceiling on concurrent
// connections, beyond which Accept backpressures new clients.
func NewTCP(cfg Config, initialSize, maxSize int, q *queue.Queue, logger logrus.FieldLogger) *TCP {
	if initialSize < 1 {
		initialSize = 1
	}
	if maxSize < initialSize {
		maxSize = initialSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TCP{
		cfg:         cfg,
		initialSize: initialSize,
		maxSize:     maxSize,
		queue:       q,
		logger:      logger,
		sm:          newStateMachine(),
		ctx:         ctx,
		cancel:      cancel,
		sem:         util.NewSemaphore(maxSize),
		limiter:     newLimiter(cfg.RateLimit),
		connCh:      make(chan net.Conn),
	}
}

func (t *TCP) IsQueuingRequests() bool   { return t.sm.IsQueuingRequests() }
func (t *TCP) WaitUntilQueuingRequests() { t.sm.WaitUntilQueuingRequests() }
func (t *TCP) WaitUntilShutdown()        { t.sm.WaitUntilShutdown() }

// LocalAddr returns the bound listener address, or nil before binding
// completes.
func (t *TCP) LocalAddr() net.Addr {
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

// Serve binds the TCP listener, optionally drops privileges, then accepts
// connections until Shutdown is called. It blocks until every connection
// handler has returned.
func (t *TCP) Serve() error {
	t.sm.set(Configured)
	t.sm.set(Binding)

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port))
	if err != nil {
		t.sm.set(Stopped)
		return fmt.Errorf("binding tcp %s:%d: %w", t.cfg.Host, t.cfg.Port, err)
	}
	t.ln = ln

	if t.cfg.User != "" || t.cfg.Group != "" {
		if err := privdrop.Drop(t.cfg.User, t.cfg.Group); err != nil {
			ln.Close()
			t.sm.set(Stopped)
			return fmt.Errorf("dropping privileges: %w", err)
		}
	}

	t.logger.WithField("addr", ln.Addr()).Info("tcp collector listening")

	for i := 0; i < t.initialSize; i++ {
		t.wg.Start(t.permanentWorker)
	}

	t.sm.set(Queuing)
	t.acceptLoop()
	t.wg.Wait()
	t.sm.set(Stopped)
	return nil
}

func (t *TCP) acceptLoop() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				t.logger.WithError(err).Debug("tcp accept error")
				return
			}
		}

		if t.limiter != nil && !t.limiter.Allow() {
			conn.Close()
			continue
		}

		if !t.sem.Acquire(t.ctx) {
			conn.Close()
			continue
		}

		select {
		case t.connCh <- conn:
			// handed to an idle worker (permanent or lingering overflow)
		default:
			t.wg.Start(func() { t.overflowWorker(conn) })
		}
	}
}

func (t *TCP) permanentWorker() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case conn, ok := <-t.connCh:
			if !ok {
				return
			}
			t.handleConn(conn)
			t.sem.Release()
		}
	}
}

// overflowWorker handles a connection accepted when every permanent worker
// was busy, then lingers waiting for more work before exiting.
func (t *TCP) overflowWorker(conn net.Conn) {
	t.handleConn(conn)
	t.sem.Release()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(idleGrace):
			return
		case conn, ok := <-t.connCh:
			if !ok {
				return
			}
			t.handleConn(conn)
			t.sem.Release()
		}
	}
}

func (t *TCP) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	var partial []byte
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			if line[len(line)-1] == '\n' {
				partial = append(partial, line[:len(line)-1]...)
				enqueue(t.queue, t.logger, string(partial))
				partial = partial[:0]
			} else {
				// deadline or connection error interrupted the read before
				// the terminator arrived; hold the bytes for the next read.
				partial = append(partial, line...)
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// EOF or any other read error ends the connection; any
			// unterminated remainder in partial is discarded.
			return
		}
	}
}

// Shutdown closes the listener, ending in-flight accepts, and signals every
// worker to stop reading.
func (t *TCP) Shutdown() {
	t.sm.set(ShuttingDown)
	t.cancel()
	if t.ln != nil {
		t.ln.Close()
	}
}
