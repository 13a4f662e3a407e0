package collector

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vela-metrics/statsdaemon/pkg/queue"
)

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return l
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestUDPCollectorQueuesDatagrams(t *testing.T) {
	q := queue.New(0)
	c := NewUDP(Config{Host: "127.0.0.1", Port: 0}, q, discardLogger())

	go c.Serve()
	c.WaitUntilQueuingRequests()
	require.True(t, c.IsQueuingRequests())

	conn, err := net.Dial("udp", c.conn.LocalAddr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("hits:1|c"))
	require.NoError(t, err)
	conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, ok := q.Get(ctx)
	require.True(t, ok)
	assert.Equal(t, "hits:1|c", v)

	c.Shutdown()
	c.WaitUntilShutdown()
}

func TestUDPCollectorShutdownStopsServe(t *testing.T) {
	q := queue.New(0)
	c := NewUDP(Config{Host: "127.0.0.1", Port: 0}, q, discardLogger())

	done := make(chan error, 1)
	go func() { done <- c.Serve() }()
	c.WaitUntilQueuingRequests()

	c.Shutdown()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}
