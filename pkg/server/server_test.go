package server

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vela-metrics/statsdaemon/pkg/destination"
	"github.com/vela-metrics/statsdaemon/pkg/queue"
	"github.com/vela-metrics/statsdaemon/pkg/shelf"
)

type fakeCollector struct {
	mu       sync.Mutex
	serving  bool
	shutdown bool
	failBind error

	queuingCh  chan struct{}
	shutdownCh chan struct{}
}

func newFakeCollector() *fakeCollector {
	return &fakeCollector{
		queuingCh:  make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
}

func (f *fakeCollector) Serve() error {
	if f.failBind != nil {
		close(f.shutdownCh)
		return f.failBind
	}
	f.mu.Lock()
	f.serving = true
	f.mu.Unlock()
	close(f.queuingCh)
	<-f.shutdownCh
	return nil
}

func (f *fakeCollector) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.shutdown {
		f.shutdown = true
		close(f.shutdownCh)
	}
}

func (f *fakeCollector) WaitUntilQueuingRequests() {
	if f.failBind != nil {
		<-f.shutdownCh
		return
	}
	<-f.queuingCh
}

func (f *fakeCollector) WaitUntilShutdown() {
	<-f.shutdownCh
}

type fakeDestination struct {
	mu    sync.Mutex
	count int
}

func (d *fakeDestination) Flush(records []shelf.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count++
	return nil
}

func (d *fakeDestination) String() string { return "fake" }

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(discard{})
	return l
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestServerStartAndShutdown(t *testing.T) {
	var collectors []*fakeCollector
	dst := &fakeDestination{}

	s := New(Config{FlushInterval: time.Hour}, func(q *queue.Queue) []Collector {
		c := newFakeCollector()
		collectors = append(collectors, c)
		return []Collector{c}
	}, func() []destination.Destination {
		return []destination.Destination{dst}
	}, discardLogger())

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	require.Len(t, collectors, 1)

	s.Shutdown()
	assert.False(t, s.IsRunning())
	assert.Equal(t, 1, dst.count, "shutdown should trigger a final flush")
}

func TestServerStartFailsOnCollectorBindError(t *testing.T) {
	s := New(Config{FlushInterval: time.Hour}, func(q *queue.Queue) []Collector {
		c := newFakeCollector()
		c.failBind = errors.New("address in use")
		return []Collector{c}
	}, func() []destination.Destination {
		return nil
	}, discardLogger())

	err := s.Start()
	assert.Error(t, err)
	assert.False(t, s.IsRunning())
}

func TestServerReloadPreservesShelfState(t *testing.T) {
	var mu sync.Mutex
	var collectors []*fakeCollector

	s := New(Config{FlushInterval: time.Hour}, func(q *queue.Queue) []Collector {
		mu.Lock()
		defer mu.Unlock()
		c := newFakeCollector()
		collectors = append(collectors, c)
		return []Collector{c}
	}, func() []destination.Destination {
		return nil
	}, discardLogger())

	require.NoError(t, s.Start())
	require.NoError(t, s.queue.Put("hits:1|c"))
	time.Sleep(20 * time.Millisecond)

	lastFlushBefore := s.proc.LastFlush()

	require.NoError(t, s.Reload())
	assert.True(t, s.IsRunning())

	mu.Lock()
	assert.Len(t, collectors, 2, "reload should have started a fresh collector")
	mu.Unlock()

	assert.Equal(t, lastFlushBefore, s.proc.LastFlush(), "reload must not touch the processor's flush cadence")

	s.Shutdown()
}
