package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaBatching(t *testing.T) {
	tr := newActivityTracker(time.Hour, 30*time.Millisecond)

	var mu sync.Mutex
	var flushed []string
	tr.setFlushHandlers(func(text string, _ uint64) {
		mu.Lock()
		flushed = append(flushed, text)
		mu.Unlock()
	}, nil)

	tr.appendDelta("Hel")
	tr.appendDelta("lo ")
	tr.appendDelta("world")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushed) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "Hello world", flushed[0])
	mu.Unlock()
}

func TestClearDeltaBuffersDropsPendingFlush(t *testing.T) {
	tr := newActivityTracker(time.Hour, 30*time.Millisecond)

	var flushes atomic.Int32
	tr.setFlushHandlers(func(string, uint64) { flushes.Add(1) }, nil)

	tr.appendDelta("partial")
	tr.clearDeltaBuffers()

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, flushes.Load(), "cleared buffer must not flush")
}

func TestClearDeltaBuffersBumpsGeneration(t *testing.T) {
	tr := newActivityTracker(time.Hour, time.Hour)

	before := tr.generation()
	tr.appendDelta("partial")
	tr.clearDeltaBuffers()
	assert.Equal(t, before+1, tr.generation(), "clearing must invalidate captured flushes")

	tr.stopAll()
	assert.Equal(t, before+2, tr.generation())
}

func TestFlushCarriesCaptureGeneration(t *testing.T) {
	tr := newActivityTracker(time.Hour, 20*time.Millisecond)

	type flush struct {
		text string
		gen  uint64
	}
	var mu sync.Mutex
	var flushes []flush
	tr.setFlushHandlers(func(text string, gen uint64) {
		mu.Lock()
		flushes = append(flushes, flush{text, gen})
		mu.Unlock()
	}, nil)

	tr.appendDelta("one")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushes) == 1
	}, time.Second, 5*time.Millisecond)

	tr.clearDeltaBuffers()
	tr.appendDelta("two")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushes) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "one", flushes[0].text)
	assert.Equal(t, "two", flushes[1].text)
	assert.Equal(t, flushes[0].gen+1, flushes[1].gen, "each clear starts a new generation")
	assert.Equal(t, tr.generation(), flushes[1].gen)
}

func TestIdleTimerRearmOnActivity(t *testing.T) {
	tr := newActivityTracker(80*time.Millisecond, time.Hour)

	var fired atomic.Int32
	tr.armIdle(func() { fired.Add(1) })

	// Keep touching the timer before it expires.
	for i := 0; i < 3; i++ {
		time.Sleep(40 * time.Millisecond)
		tr.recordActivity()
	}
	assert.Zero(t, fired.Load(), "activity must postpone the idle timer")

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDisarmIdleStopsTimer(t *testing.T) {
	tr := newActivityTracker(40*time.Millisecond, time.Hour)

	var fired atomic.Int32
	tr.armIdle(func() { fired.Add(1) })
	tr.disarmIdle()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, fired.Load())
}

func TestHeartbeatTickerStopsWithStopAll(t *testing.T) {
	tr := newActivityTracker(time.Hour, time.Hour)

	var beats atomic.Int32
	tr.startHeartbeat(10*time.Millisecond, func() { beats.Add(1) })

	require.Eventually(t, func() bool { return beats.Load() >= 2 }, time.Second, 5*time.Millisecond)

	tr.stopAll()
	time.Sleep(20 * time.Millisecond) // let an in-flight tick land
	settled := beats.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, beats.Load(), "ticker must stop with stopAll")

	// Idempotent; appends after stop are ignored.
	tr.stopAll()
	tr.appendDelta("late")
}
