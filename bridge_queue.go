// bridge_queue.go: bounded drop-oldest message ring
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

// messageQueue is a fixed-capacity FIFO ring. When full, pushing evicts the
// oldest message. It backs both channel queues and channel history.
// Not safe for concurrent use; the bridge guards it with its own lock.
type messageQueue struct {
	buf   []Message
	head  int
	count int
}

func newMessageQueue(capacity int) *messageQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &messageQueue{buf: make([]Message, capacity)}
}

// push appends msg and reports the message evicted to make room, if any.
func (q *messageQueue) push(msg Message) (Message, bool) {
	if q.count == len(q.buf) {
		evicted := q.buf[q.head]
		q.buf[q.head] = msg
		q.head = (q.head + 1) % len(q.buf)
		return evicted, true
	}
	q.buf[(q.head+q.count)%len(q.buf)] = msg
	q.count++
	return Message{}, false
}

// drain removes and returns every message, oldest first.
func (q *messageQueue) drain() []Message {
	out := q.snapshot()
	for i := range q.buf {
		q.buf[i] = Message{}
	}
	q.head, q.count = 0, 0
	return out
}

// snapshot returns every message, oldest first, without removing them.
func (q *messageQueue) snapshot() []Message {
	out := make([]Message, q.count)
	for i := 0; i < q.count; i++ {
		out[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	return out
}

func (q *messageQueue) len() int { return q.count }

func (q *messageQueue) capacity() int { return len(q.buf) }
