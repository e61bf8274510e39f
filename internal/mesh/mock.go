package mesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/bearing.relay/internal/sensor"
)

// MockSession is a Session for tests. It yields a fixed list of packets,
// then closes the stream, and records every text sent.
type MockSession struct {
	mu      sync.Mutex
	packets chan Packet
	sent    []string
	closed  bool

	// OnSend, when set, runs before each send is recorded. A non-nil error
	// fails the send and nothing is recorded.
	OnSend func(n int, text string) error
}

// NewMockSession returns a session whose Packets channel yields pkts and is
// then closed.
func NewMockSession(pkts ...Packet) *MockSession {
	ch := make(chan Packet, len(pkts))
	for _, p := range pkts {
		ch <- p
	}
	close(ch)
	return &MockSession{packets: ch}
}

func (m *MockSession) Packets() <-chan Packet { return m.packets }

func (m *MockSession) Send(ctx context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("send %q: session closed: %w", text, sensor.ErrTransport)
	}
	if m.OnSend != nil {
		if err := m.OnSend(len(m.sent), text); err != nil {
			return err
		}
	}
	m.sent = append(m.sent, text)
	return nil
}

// Sent returns every text sent so far, in order.
func (m *MockSession) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func (m *MockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// MockRadio is a Radio handing out a fixed session.
type MockRadio struct {
	Session Session
	Err     error
	Devices []string
}

func (r *MockRadio) Connect(ctx context.Context, device string) (Session, error) {
	r.Devices = append(r.Devices, device)
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Session, nil
}
