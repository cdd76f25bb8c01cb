package transport

import (
	"context"
	"sync"
	"time"
)

// DefaultReceiveTimeout bounds a single Mailbox.Receive call.
const DefaultReceiveTimeout = time.Second

// Mailbox bridges push-style notification callbacks to pull-style reads.
// Bytes delivered while nobody waits are held and handed to the next
// Receive, concatenated with anything delivered since.
type Mailbox struct {
	mu      sync.Mutex
	held    []byte
	closed  bool
	signal  chan struct{}
	timeout time.Duration
}

// NewMailbox creates a mailbox whose Receive gives up after timeout.
func NewMailbox(timeout time.Duration) *Mailbox {
	if timeout <= 0 {
		timeout = DefaultReceiveTimeout
	}
	return &Mailbox{
		signal:  make(chan struct{}, 1),
		timeout: timeout,
	}
}

// Deliver is called from the notification callback.
func (m *Mailbox) Deliver(p []byte) {
	if len(p) == 0 {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.held = append(m.held, p...)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Receive returns held bytes, waiting up to the mailbox timeout for some
// to arrive. It returns nil, nil on timeout and ErrClosed after Close.
func (m *Mailbox) Receive(ctx context.Context) ([]byte, error) {
	if p, err := m.take(); p != nil || err != nil {
		return p, err
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case <-m.signal:
		return m.take()
	case <-timer.C:
		return m.take()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Mailbox) take() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.held) > 0 {
		p := m.held
		m.held = nil
		return p, nil
	}
	if m.closed {
		return nil, ErrClosed
	}
	return nil, nil
}

// Close wakes any waiter; subsequent receives drain held bytes then fail.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Reopen clears the closed flag and any stale bytes after a reconnect.
func (m *Mailbox) Reopen() {
	m.mu.Lock()
	m.closed = false
	m.held = nil
	m.mu.Unlock()
	select {
	case <-m.signal:
	default:
	}
}
