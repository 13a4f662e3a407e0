// Package server implements the supervisor that owns startup ordering,
// graceful shutdown, and configuration reload for the collectors and queue
// processor.
package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vela-metrics/statsdaemon/pkg/destination"
	"github.com/vela-metrics/statsdaemon/pkg/processor"
	"github.com/vela-metrics/statsdaemon/pkg/queue"
)

// Collector is the subset of collector.UDP / collector.TCP the supervisor
// depends on.
type Collector interface {
	Serve() error
	Shutdown()
	WaitUntilQueuingRequests()
	WaitUntilShutdown()
}

// CollectorFactory builds the configured set of collectors against the
// server's shared queue, used both at startup and on every reload.
type CollectorFactory func(q *queue.Queue) []Collector

// DestinationFactory builds the configured set of destinations, used at
// startup and on every reload so configuration changes can swap
// destinations atomically between flushes.
type DestinationFactory func() []destination.Destination

// Config configures a Server's queue and flush cadence. Collectors and
// destinations are supplied via their factories so reload can rebuild them
// from fresh configuration.
type Config struct {
	QueueCapacity int // 0 = unbounded
	FlushInterval time.Duration
	FlushAligned  bool          // align flush deadlines to wall-clock interval boundaries
	FlushOffset   time.Duration // offset applied when FlushAligned is set
}

// Server supervises the processor and collectors: it starts them in the
// order the core requires, stops them gracefully, and can reload collector
// and destination configuration without losing shelf state.
type Server struct {
	cfg             Config
	newCollectors   CollectorFactory
	newDestinations DestinationFactory
	logger          logrus.FieldLogger

	mu         sync.Mutex
	queue      *queue.Queue
	proc       *processor.Processor
	collectors []Collector
	procDone   chan struct{}
	running    bool
}

// New returns a Server. Call Start to bring up the pipeline.
func New(cfg Config, collectors CollectorFactory, destinations DestinationFactory, logger logrus.FieldLogger) *Server {
	return &Server{
		cfg:             cfg,
		newCollectors:   collectors,
		newDestinations: destinations,
		logger:          logger,
	}
}

// Start creates the shared queue and processor, waits until the processor
// reports it is processing, then starts every collector and waits until
// each reports it is queuing requests. It returns once the pipeline is
// fully up.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = queue.New(s.cfg.QueueCapacity)
	s.proc = processor.New(s.queue, s.cfg.FlushInterval, s.logger)
	if s.cfg.FlushAligned {
		s.proc.WithAlignedFlush(s.cfg.FlushOffset)
	}
	for _, d := range s.newDestinations() {
		s.proc.AddDestination(d)
	}

	s.procDone = make(chan struct{})
	go func() {
		defer close(s.procDone)
		s.proc.Process()
	}()
	s.proc.WaitUntilProcessing()

	if err := s.startCollectors(); err != nil {
		s.proc.Shutdown()
		<-s.procDone
		return err
	}

	s.running = true
	s.logger.Info("server running")
	return nil
}

func (s *Server) startCollectors() error {
	collectors := s.newCollectors(s.queue)
	started := make([]Collector, 0, len(collectors))
	for _, c := range collectors {
		c := c
		errCh := make(chan error, 1)
		go func() { errCh <- c.Serve() }()
		c.WaitUntilQueuingRequests()
		select {
		case err := <-errCh:
			if err != nil {
				for _, sc := range started {
					sc.Shutdown()
					sc.WaitUntilShutdown()
				}
				return fmt.Errorf("starting collector: %w", err)
			}
		default:
		}
		started = append(started, c)
	}
	s.collectors = started
	return nil
}

// Shutdown gracefully stops collectors first, then signals the processor to
// drain and perform a final flush, then releases the queue.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	s.logger.Info("shutting down")
	for _, c := range s.collectors {
		c.Shutdown()
		c.WaitUntilShutdown()
	}
	s.collectors = nil

	s.proc.Shutdown()
	<-s.procDone

	s.queue.Close()
	s.running = false
}

// Reload stops collectors, rebuilds them and the destination list from
// fresh configuration, then restarts them. The processor and its shelf are
// left untouched, so the shelf's accumulated state and last-flush time
// survive the reload verbatim.
func (s *Server) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("server is not running")
	}

	s.logger.Info("reloading")
	for _, c := range s.collectors {
		c.Shutdown()
		c.WaitUntilShutdown()
	}
	s.collectors = nil

	s.proc.ClearDestinations()
	for _, d := range s.newDestinations() {
		s.proc.AddDestination(d)
	}

	return s.startCollectors()
}

// IsRunning reports whether the server has completed Start and not yet been
// shut down.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
