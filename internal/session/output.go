package session

import (
	"sync"
	"time"

	"github.com/polybugger/polybugger-mcp/pkg/types"
)

const (
	// defaultOutputByteCap bounds the total buffered output bytes.
	defaultOutputByteCap = 1 << 20
	// defaultOutputRecordCap bounds the buffered record count.
	defaultOutputRecordCap = 4096
)

// outputBuffer is a bounded ring of stdout/stderr fragments with
// monotonic offsets for incremental polling. Oldest records are dropped
// on overflow, tracked by a drop counter.
type outputBuffer struct {
	mu        sync.Mutex
	records   []types.OutputRecord
	next      uint64
	dropped   uint64
	bytes     int
	byteCap   int
	recordCap int
}

func newOutputBuffer(byteCap, recordCap int) *outputBuffer {
	if byteCap <= 0 {
		byteCap = defaultOutputByteCap
	}
	if recordCap <= 0 {
		recordCap = defaultOutputRecordCap
	}
	return &outputBuffer{byteCap: byteCap, recordCap: recordCap}
}

// append adds one fragment, evicting from the front until both caps hold.
func (b *outputBuffer) append(stream types.OutputStream, content string) types.OutputRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := types.OutputRecord{
		Stream:    stream,
		Content:   content,
		Offset:    b.next,
		Timestamp: time.Now().UTC(),
	}
	b.next++
	b.records = append(b.records, rec)
	b.bytes += len(content)

	for len(b.records) > b.recordCap || (b.bytes > b.byteCap && len(b.records) > 1) {
		b.bytes -= len(b.records[0].Content)
		b.records = b.records[1:]
		b.dropped++
	}
	return rec
}

// get returns records with offset >= since, filtered by stream when
// non-empty, up to max.
func (b *outputBuffer) get(stream types.OutputStream, since uint64, max int) (recs []types.OutputRecord, nextOffset uint64, dropped uint64) {
	if max <= 0 {
		max = b.recordCap
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	next := since
	for _, rec := range b.records {
		if rec.Offset < since {
			continue
		}
		next = rec.Offset + 1
		if stream != "" && rec.Stream != stream {
			continue
		}
		recs = append(recs, rec)
		if len(recs) >= max {
			break
		}
	}
	if len(b.records) > 0 && b.records[0].Offset > next {
		next = b.records[0].Offset
	}
	return recs, next, b.dropped
}

// stats reports current occupancy, for tests and diagnostics.
func (b *outputBuffer) stats() (records, bytes int, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records), b.bytes, b.dropped
}
