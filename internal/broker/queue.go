package broker

import "time"

// Queue is the bounded per-subscriber FIFO of serialized envelopes. The
// broker is the sole writer, the owning endpoint forwarder the sole reader.
// All writer-side operations are non-blocking; overflow is handled by the
// broker's drop-oldest policy.
type Queue struct {
	ch    chan []byte
	topic string
}

func newQueue(topic string, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		ch:    make(chan []byte, capacity),
		topic: topic,
	}
}

// Topic returns the topic this queue is subscribed to.
func (q *Queue) Topic() string { return q.topic }

// Len returns the number of buffered envelopes.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// trySend inserts without blocking. Returns false when full.
func (q *Queue) trySend(data []byte) bool {
	select {
	case q.ch <- data:
		return true
	default:
		return false
	}
}

// tryRecv removes the head without blocking. Returns false when empty.
func (q *Queue) tryRecv() ([]byte, bool) {
	select {
	case data := <-q.ch:
		return data, true
	default:
		return nil, false
	}
}

// recvTimeout blocks up to d for the next envelope. Returns false on
// timeout, so callers can synthesize an idle heartbeat.
func (q *Queue) recvTimeout(d time.Duration) ([]byte, bool) {
	select {
	case data := <-q.ch:
		return data, true
	default:
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case data := <-q.ch:
		return data, true
	case <-timer.C:
		return nil, false
	}
}

// drain discards all buffered envelopes and returns how many were dropped.
func (q *Queue) drain() int {
	n := 0
	for {
		if _, ok := q.tryRecv(); !ok {
			return n
		}
		n++
	}
}
