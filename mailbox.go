package cancat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrTimeout is returned when a bounded wait finishes without a matching message.
var ErrTimeout = errors.New("timed out waiting for message")

// Message is a single mailbox entry.
type Message struct {
	Timestamp time.Time
	Payload   []byte
}

// Mailbox holds received messages in append-only, ordered queues keyed by category.
// The category is usually the command byte of the frame the message arrived in.
// All methods are safe for concurrent use.
type Mailbox struct {
	mu     sync.Mutex
	boxes  map[int][]Message
	notify map[int]chan struct{}
	err    error
	failed chan struct{}
}

// NewMailbox returns an empty Mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		boxes:  make(map[int][]Message),
		notify: make(map[int]chan struct{}),
		failed: make(chan struct{}),
	}
}

// signal must be called with mu held.
func (m *Mailbox) signal(category int) {
	if ch, ok := m.notify[category]; ok {
		close(ch)
	}
	m.notify[category] = make(chan struct{})
}

// waitChan must be called with mu held.
func (m *Mailbox) waitChan(category int) chan struct{} {
	ch, ok := m.notify[category]
	if !ok {
		ch = make(chan struct{})
		m.notify[category] = ch
	}
	return ch
}

// Append adds a message to the end of the category and returns its index.
func (m *Mailbox) Append(category int, ts time.Time, payload []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.boxes[category] = append(m.boxes[category], Message{Timestamp: ts, Payload: payload})
	m.signal(category)
	return len(m.boxes[category]) - 1
}

// DrainAll removes and returns every message in the category in arrival order.
func (m *Mailbox) DrainAll(category int) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.boxes[category]
	delete(m.boxes, category)
	return msgs
}

// TakeOne removes and returns the oldest message in the category, waiting up to timeout
// for one to arrive. ErrTimeout is returned if nothing arrives in time.
func (m *Mailbox) TakeOne(ctx context.Context, category int, timeout time.Duration) (Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if box := m.boxes[category]; len(box) > 0 {
			msg := box[0]
			m.boxes[category] = box[1:]
			m.mu.Unlock()
			return msg, nil
		}
		if m.err != nil {
			err := m.err
			m.mu.Unlock()
			return Message{}, err
		}
		ch := m.waitChan(category)
		failed := m.failed
		m.mu.Unlock()

		select {
		case <-ch:
		case <-failed:
		case <-timer.C:
			return Message{}, ErrTimeout
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// WaitFor blocks until the category holds more than n messages. It returns false if the
// timeout expires, the context is canceled or the mailbox has failed first.
func (m *Mailbox) WaitFor(ctx context.Context, category int, n int, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if len(m.boxes[category]) > n {
			m.mu.Unlock()
			return true
		}
		if m.err != nil {
			m.mu.Unlock()
			return false
		}
		ch := m.waitChan(category)
		failed := m.failed
		m.mu.Unlock()

		select {
		case <-ch:
		case <-failed:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Count returns the number of messages currently held in the category.
func (m *Mailbox) Count(category int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.boxes[category])
}

// Slice returns a copy of the messages in [start, stop) without removing them.
// A negative stop means the end of the category.
func (m *Mailbox) Slice(category, start, stop int) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	box := m.boxes[category]
	if stop < 0 || stop > len(box) {
		stop = len(box)
	}
	if start < 0 {
		start = 0
	}
	if start >= stop {
		return nil
	}
	out := make([]Message, stop-start)
	copy(out, box[start:stop])
	return out
}

// Categories returns the categories that currently hold messages, in ascending order.
func (m *Mailbox) Categories() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cats := make([]int, 0, len(m.boxes))
	for c, box := range m.boxes {
		if len(box) > 0 {
			cats = append(cats, c)
		}
	}
	sort.Ints(cats)
	return cats
}

// Snapshot returns a copy of every category.
func (m *Mailbox) Snapshot() map[int][]Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[int][]Message, len(m.boxes))
	for c, box := range m.boxes {
		cp := make([]Message, len(box))
		copy(cp, box)
		out[c] = cp
	}
	return out
}

// Restore replaces the content of the mailbox and wakes any waiters.
func (m *Mailbox) Restore(boxes map[int][]Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for c := range m.boxes {
		m.signal(c)
	}
	m.boxes = make(map[int][]Message, len(boxes))
	for c, box := range boxes {
		cp := make([]Message, len(box))
		copy(cp, box)
		m.boxes[c] = cp
		m.signal(c)
	}
}

// Fail makes every current and future wait return err until Fail(nil) is called.
// It is used to release callers when the transport is gone for good.
func (m *Mailbox) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case err != nil && m.err == nil:
		close(m.failed)
	case err == nil && m.err != nil:
		m.failed = make(chan struct{})
	}
	m.err = err
}

// Err returns the error set by Fail, if any.
func (m *Mailbox) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}
