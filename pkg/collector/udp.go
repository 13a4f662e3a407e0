package collector

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vela-metrics/statsdaemon/pkg/privdrop"
	"github.com/vela-metrics/statsdaemon/pkg/queue"
)

// maxDatagramSize is the largest UDP payload read in a single call, per the
// datagram size the core commits to accepting.
const maxDatagramSize = 64 * 1024

// readTimeout bounds each blocked read so shutdown can be observed promptly.
const readTimeout = time.Second

// UDP is a collector that reads whole datagrams from a single UDP socket,
// each becoming one raw request string.
type UDP struct {
	cfg    Config
	queue  *queue.Queue
	logger logrus.FieldLogger

	sm       *stateMachine
	conn     *net.UDPConn
	limiter  *rate.Limiter
	stop     chan struct{}
	stopOnce sync.Once
}

// NewUDP returns a UDP collector bound to cfg once Serve is called.
func NewUDP(cfg Config, q *queue.Queue, logger logrus.FieldLogger) *UDP {
	return &UDP{
		cfg:     cfg,
		queue:   q,
		logger:  logger,
		sm:      newStateMachine(),
		limiter: newLimiter(cfg.RateLimit),
		stop:    make(chan struct{}),
	}
}

func (u *UDP) IsQueuingRequests() bool   { return u.sm.IsQueuingRequests() }
func (u *UDP) WaitUntilQueuingRequests() { u.sm.WaitUntilQueuingRequests() }
func (u *UDP) WaitUntilShutdown()        { u.sm.WaitUntilShutdown() }

// LocalAddr returns the bound socket address, or nil before binding
// completes.
func (u *UDP) LocalAddr() net.Addr {
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// Serve binds the UDP socket, optionally drops privileges, then reads
// datagrams until Shutdown is called. It blocks until shutdown completes.
func (u *UDP) Serve() error {
	u.sm.set(Configured)
	u.sm.set(Binding)

	addr := &net.UDPAddr{IP: net.ParseIP(u.cfg.Host), Port: u.cfg.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		u.sm.set(Stopped)
		return fmt.Errorf("binding udp %s:%d: %w", u.cfg.Host, u.cfg.Port, err)
	}
	u.conn = conn

	if u.cfg.User != "" || u.cfg.Group != "" {
		if err := privdrop.Drop(u.cfg.User, u.cfg.Group); err != nil {
			conn.Close()
			u.sm.set(Stopped)
			return fmt.Errorf("dropping privileges: %w", err)
		}
	}

	u.logger.WithField("addr", conn.LocalAddr()).Info("udp collector listening")

	u.sm.set(Queuing)
	u.readLoop()
	u.sm.set(Stopped)
	return nil
}

func (u *UDP) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-u.stop:
			return
		default:
		}

		u.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-u.stop:
				return
			default:
				u.logger.WithError(err).Debug("udp read error")
				continue
			}
		}
		if n > 0 {
			if u.limiter != nil && !u.limiter.Allow() {
				continue
			}
			enqueue(u.queue, u.logger, string(buf[:n]))
		}
	}
}

// Shutdown closes the listening socket, ending any in-flight read and the
// serve loop.
func (u *UDP) Shutdown() {
	u.sm.set(ShuttingDown)
	u.stopOnce.Do(func() { close(u.stop) })
	if u.conn != nil {
		u.conn.Close()
	}
}
