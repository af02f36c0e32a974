// Package loopback is an in-memory transport.Transport for tests: writes
// loop straight back into the read side instead of crossing any wire.
package loopback

import (
	"errors"
	"sync"

	"github.com/barnettlynn/esfs/internal/transport"
)

var _ transport.Transport = (*Loopback)(nil)

// Loopback queues whole messages written via Send and hands them back in
// FIFO order to ReadMessageSize/ReadMessage. It has no notion of a
// signature channel distinct from the message channel; ReadSignature
// drains the same queue.
type Loopback struct {
	mu       sync.Mutex
	inbox    [][]byte
	finished bool
	token    bool
}

// New returns a Loopback with no token present.
func New() *Loopback {
	return &Loopback{}
}

// SetTokenDetected controls what IsTokenDetected reports, simulating a
// provisioning fixture being presented or removed.
func (l *Loopback) SetTokenDetected(present bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.token = present
}

func (l *Loopback) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = false
	return nil
}

func (l *Loopback) Finish() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = true
	return nil
}

func (l *Loopback) Send(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return errors.New("loopback: Send after Finish")
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	l.inbox = append(l.inbox, cp)
	return nil
}

func (l *Loopback) ReadMessageSize() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.inbox) == 0 {
		return 0, errors.New("loopback: no message queued")
	}
	return len(l.inbox[0]), nil
}

func (l *Loopback) ReadMessage(buf []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.inbox) == 0 {
		return 0, errors.New("loopback: no message queued")
	}
	msg := l.inbox[0]
	l.inbox = l.inbox[1:]
	if len(buf) < len(msg) {
		return 0, errors.New("loopback: buffer smaller than queued message")
	}
	return copy(buf, msg), nil
}

func (l *Loopback) ReadSignature(buf []byte) (int, error) {
	return l.ReadMessage(buf)
}

func (l *Loopback) IsTokenDetected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token
}

// Pending reports how many messages are still queued, for test assertions.
func (l *Loopback) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inbox)
}
