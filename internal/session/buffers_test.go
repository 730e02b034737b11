package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polybugger/polybugger-mcp/pkg/types"
)

func TestEventQueueOffsetsAreContiguous(t *testing.T) {
	q := newEventQueue(16)
	for i := 0; i < 10; i++ {
		q.append(types.EventThread, nil)
	}

	recs, next, dropped := q.poll(0, 0, 0)
	require.Len(t, recs, 10)
	assert.Zero(t, dropped)
	assert.Equal(t, uint64(10), next)
	for i := 1; i < len(recs); i++ {
		assert.Equal(t, recs[i-1].Offset+1, recs[i].Offset)
	}
}

func TestEventQueueDropsOldestOnOverflow(t *testing.T) {
	q := newEventQueue(4)
	for i := 0; i < 10; i++ {
		q.append(types.EventThread, map[string]any{"i": i})
	}

	recs, next, dropped := q.poll(0, 0, 0)
	require.Len(t, recs, 4)
	assert.Equal(t, uint64(6), dropped)
	assert.Equal(t, uint64(6), recs[0].Offset, "oldest surviving record")
	assert.Equal(t, uint64(10), next)
}

func TestEventQueueIncrementalPoll(t *testing.T) {
	q := newEventQueue(16)
	q.append(types.EventStopped, nil)
	q.append(types.EventContinued, nil)

	recs, next, _ := q.poll(0, 1, 0)
	require.Len(t, recs, 1)
	assert.Equal(t, types.EventStopped, recs[0].Kind)

	recs, next, _ = q.poll(next, 0, 0)
	require.Len(t, recs, 1)
	assert.Equal(t, types.EventContinued, recs[0].Kind)

	recs, _, _ = q.poll(next, 0, 0)
	assert.Empty(t, recs)
}

func TestEventQueueBlockingPollWakesOnAppend(t *testing.T) {
	q := newEventQueue(16)

	var wg sync.WaitGroup
	wg.Add(1)
	var recs []types.EventRecord
	go func() {
		defer wg.Done()
		recs, _, _ = q.poll(0, 0, 2*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	q.append(types.EventStopped, nil)
	wg.Wait()

	require.Len(t, recs, 1)
	assert.Equal(t, types.EventStopped, recs[0].Kind)
}

func TestEventQueueBlockingPollTimesOut(t *testing.T) {
	q := newEventQueue(16)
	start := time.Now()
	recs, _, _ := q.poll(0, 0, 100*time.Millisecond)
	assert.Empty(t, recs)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestOutputBufferRecordCap(t *testing.T) {
	b := newOutputBuffer(1<<20, 100)
	for i := 0; i < 10000; i++ {
		b.append(types.StreamStdout, fmt.Sprintf("line %d\n", i))
	}

	records, _, dropped := b.stats()
	assert.Equal(t, 100, records)
	assert.Equal(t, uint64(9900), dropped)

	recs, next, _ := b.get("", 0, 0)
	require.Len(t, recs, 100)
	assert.Equal(t, "line 9999\n", recs[len(recs)-1].Content)
	assert.Equal(t, uint64(10000), next)
}

func TestOutputBufferByteCap(t *testing.T) {
	b := newOutputBuffer(100, 1000)
	for i := 0; i < 50; i++ {
		b.append(types.StreamStdout, "0123456789") // 10 bytes each
	}
	records, bytes, dropped := b.stats()
	assert.LessOrEqual(t, bytes, 100)
	assert.Equal(t, 10, records)
	assert.Equal(t, uint64(40), dropped)
}

func TestOutputBufferDroppedMonotonic(t *testing.T) {
	b := newOutputBuffer(0, 8)
	var last uint64
	for i := 0; i < 100; i++ {
		b.append(types.StreamStderr, "x")
		_, _, dropped := b.stats()
		assert.GreaterOrEqual(t, dropped, last)
		last = dropped
	}
}

func TestOutputBufferStreamFilter(t *testing.T) {
	b := newOutputBuffer(0, 0)
	b.append(types.StreamStdout, "out")
	b.append(types.StreamStderr, "err")
	b.append(types.StreamStdout, "out2")

	recs, _, _ := b.get(types.StreamStderr, 0, 0)
	require.Len(t, recs, 1)
	assert.Equal(t, "err", recs[0].Content)
}
