package room

import "sync"

// Outbound is one message queued for a participant's socket writer.
type Outbound struct {
	Payload any
	// Critical messages (joined, participant_joined, participant_left,
	// error) must not be dropped; translation results and pongs may be.
	Critical bool
}

// SendQueue is the bounded, mutex-guarded buffer feeding a connection's write
// pump (consumer). The room task pushes room traffic; the connection's read
// pump pushes pongs and protocol errors itself. When
// full, the oldest non-critical message is dropped in preference to blocking
// the room's fan-out loop.
type SendQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Outbound
	limit  int
	closed bool
}

func NewSendQueue(limit int) *SendQueue {
	q := &SendQueue{limit: limit}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a message without ever blocking. It returns false only when
// a critical message cannot be delivered (the queue is full of criticals);
// the caller must then forcibly disconnect the participant.
func (q *SendQueue) Push(msg Outbound) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		// Writer already gone; nothing left to deliver to.
		return true
	}

	if len(q.items) >= q.limit {
		dropped := false
		for i, it := range q.items {
			if !it.Critical {
				q.items = append(q.items[:i], q.items[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			if msg.Critical {
				return false
			}
			// Queue full of criticals; the new message is droppable.
			return true
		}
	}

	q.items = append(q.items, msg)
	q.cond.Signal()
	return true
}

// Pop blocks until a message is available or the queue is closed. The second
// return value is false once the queue is closed and drained.
func (q *SendQueue) Pop() (Outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Outbound{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// Close wakes the consumer; queued messages are discarded.
func (q *SendQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.cond.Broadcast()
}

// Len reports the queued message count.
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
