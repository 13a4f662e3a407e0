package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFlushTickerAlignsToInterval(t *testing.T) {
	ft := NewFlushTicker(time.Second, 0)
	assert.Equal(t, time.Unix(2, 0), ft.Next(time.Unix(1, 0)))
	assert.Equal(t, time.Unix(2, 0), ft.Next(time.Unix(1, 500*int64(time.Millisecond))))
}

func TestFlushTickerAppliesOffset(t *testing.T) {
	ft := NewFlushTicker(time.Second, 300*time.Millisecond)
	assert.Equal(t, time.Unix(1, 300*int64(time.Millisecond)), ft.Next(time.Unix(1, 0)))
	assert.Equal(t, time.Unix(2, 300*int64(time.Millisecond)), ft.Next(time.Unix(1, 300*int64(time.Millisecond))))
}
