package signaling

import (
	"sync"
)

// outbound is one queued write: an encoded text frame, or the final close
// control frame.
type outbound struct {
	data []byte

	final       bool
	closeCode   int
	closeReason string
}

// sendQueue is a byte-bounded FIFO of outbound frames drained by the
// connection's writer goroutine, so a push from another socket never blocks
// on this socket's backpressure.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	sealed   bool
	closed   bool

	maxBytes int
	curBytes int
	frames   []outbound
}

func newSendQueue(maxBytes int) *sendQueue {
	q := &sendQueue{maxBytes: maxBytes}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a data frame if it fits within the byte budget. It never
// blocks.
func (q *sendQueue) Enqueue(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sealed || q.closed {
		return false
	}
	if q.curBytes+len(frame) > q.maxBytes {
		return false
	}
	q.frames = append(q.frames, outbound{data: frame})
	q.curBytes += len(frame)
	q.notEmpty.Signal()
	return true
}

// Seal appends the last item and refuses anything after it. Frames already
// queued are still written first. A zero closeCode ends the writer without a
// close frame.
func (q *sendQueue) Seal(closeCode int, reason string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sealed || q.closed {
		return false
	}
	q.sealed = true
	q.frames = append(q.frames, outbound{final: true, closeCode: closeCode, closeReason: reason})
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until an item is available or the queue is closed.
func (q *sendQueue) Dequeue() (outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed || len(q.frames) == 0 {
		return outbound{}, false
	}
	f := q.frames[0]
	copy(q.frames, q.frames[1:])
	q.frames[len(q.frames)-1] = outbound{}
	q.frames = q.frames[:len(q.frames)-1]
	q.curBytes -= len(f.data)
	return f, true
}

// Close drops everything still queued and wakes the writer.
func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.curBytes = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
