package transport

import (
	"errors"
	"fmt"
)

// QueuePolicy decides what happens when the outbound queue is full.
type QueuePolicy string

const (
	// PolicyDropOldest evicts the oldest queued envelope to admit the new one.
	PolicyDropOldest QueuePolicy = "drop_oldest"
	// PolicyReject refuses the new envelope with ErrQueueFull.
	PolicyReject QueuePolicy = "reject"
)

// ErrQueueFull is returned by Send under PolicyReject when the queue is at capacity.
var ErrQueueFull = errors.New("outbound queue full")

// ParseQueuePolicy maps a config value onto a QueuePolicy. Empty means drop_oldest.
func ParseQueuePolicy(s string) (QueuePolicy, error) {
	switch QueuePolicy(s) {
	case "", PolicyDropOldest:
		return PolicyDropOldest, nil
	case PolicyReject:
		return PolicyReject, nil
	}
	return "", fmt.Errorf("unknown queue policy %q", s)
}

// outboundQueue is a bounded FIFO of encoded envelopes. Callers hold the
// manager lock.
type outboundQueue struct {
	items  [][]byte
	max    int
	policy QueuePolicy
}

func newOutboundQueue(max int, policy QueuePolicy) *outboundQueue {
	return &outboundQueue{max: max, policy: policy}
}

// push appends data, reporting whether the oldest entry was evicted to make room.
func (q *outboundQueue) push(data []byte) (evicted bool, err error) {
	if len(q.items) >= q.max {
		if q.policy == PolicyReject {
			return false, ErrQueueFull
		}
		q.items[0] = nil
		q.items = q.items[1:]
		evicted = true
	}
	q.items = append(q.items, data)
	return evicted, nil
}

// requeue puts unsent items back at the head, ahead of anything queued since.
// Anything past capacity is trimmed from the tail.
func (q *outboundQueue) requeue(items [][]byte) {
	if len(items) == 0 {
		return
	}
	merged := make([][]byte, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	merged = append(merged, q.items...)
	if len(merged) > q.max {
		merged = merged[:q.max]
	}
	q.items = merged
}

// drain empties the queue and returns its contents in FIFO order.
func (q *outboundQueue) drain() [][]byte {
	items := q.items
	q.items = nil
	return items
}

// clear discards everything and returns how many envelopes were abandoned.
func (q *outboundQueue) clear() int {
	n := len(q.items)
	q.items = nil
	return n
}

func (q *outboundQueue) len() int {
	return len(q.items)
}
