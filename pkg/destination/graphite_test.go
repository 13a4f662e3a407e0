package destination

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vela-metrics/statsdaemon/pkg/shelf"
)

func TestGraphiteFlushWritesLines(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		received <- line
	}()

	g := NewGraphite(ln.Addr().String(), logrus.New(), nil)
	err = g.Flush([]shelf.Record{{Name: "hits", Value: 3, Timestamp: 1000}})
	require.NoError(t, err)

	select {
	case line := <-received:
		assert.Equal(t, "hits 3 1000\n", line)
	case <-time.After(time.Second):
		t.Fatal("server never received a line")
	}
}

func TestGraphiteDefaultPort(t *testing.T) {
	g := NewGraphite("carbon.example.com", logrus.New(), nil)
	assert.Equal(t, "carbon.example.com:2003", g.address)
}

func TestGraphiteFlushEmptyIsNoop(t *testing.T) {
	g := NewGraphite("127.0.0.1:1", logrus.New(), nil)
	require.NoError(t, g.Flush(nil))
}

func TestGraphiteReconnectsAfterClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan struct{}, 2)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			bufio.NewReader(conn).ReadString('\n')
			conn.Close()
			accepted <- struct{}{}
		}
	}()

	g := NewGraphite(ln.Addr().String(), logrus.New(), nil)
	require.NoError(t, g.Flush([]shelf.Record{{Name: "a", Value: 1, Timestamp: 1}}))
	<-accepted

	require.NoError(t, g.Close())

	require.NoError(t, g.Flush([]shelf.Record{{Name: "b", Value: 2, Timestamp: 2}}))
	<-accepted
}
