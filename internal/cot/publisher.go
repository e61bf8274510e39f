package cot

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/banshee-data/bearing.relay/internal/monitoring"
	"github.com/banshee-data/bearing.relay/internal/sensor"
	"github.com/banshee-data/bearing.relay/internal/timeutil"
)

var logf = monitoring.Component("cot")

// DialFunc opens the TCP connection to the consumer.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

func defaultDial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Publisher owns one TCP connection to a CoT consumer and writes one framed
// event per SendSensor call. Nothing is read back.
type Publisher struct {
	addr       string
	dial       DialFunc
	clock      timeutil.Clock
	point      Point
	staleAfter time.Duration

	// reconnectTries is the number of dial+write attempts made after a
	// failed write. Zero fails on the first write error.
	reconnectTries uint
	newBackOff     func() backoff.BackOff

	mu   sync.Mutex
	conn net.Conn
	buf  bytes.Buffer
	sent uint64
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithClock sets the clock used to stamp events.
func WithClock(c timeutil.Clock) Option {
	return func(p *Publisher) { p.clock = c }
}

// WithPoint sets the sensor position reported in every event.
func WithPoint(pt Point) Option {
	return func(p *Publisher) { p.point = pt }
}

// WithStaleAfter sets the staleness window. Non-positive values keep the
// default.
func WithStaleAfter(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.staleAfter = d
		}
	}
}

// WithReconnect allows up to tries redial attempts, spaced by exponential
// backoff, when a write fails.
func WithReconnect(tries uint) Option {
	return func(p *Publisher) { p.reconnectTries = tries }
}

// WithDialer replaces the TCP dialer.
func WithDialer(d DialFunc) Option {
	return func(p *Publisher) { p.dial = d }
}

func newPublisher(addr string, opts ...Option) *Publisher {
	p := &Publisher{
		addr:       addr,
		dial:       defaultDial,
		clock:      timeutil.RealClock{},
		point:      DefaultPoint,
		staleAfter: DefaultStaleAfter,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dial connects to the consumer at addr (host:port).
func Dial(ctx context.Context, addr string, opts ...Option) (*Publisher, error) {
	p := newPublisher(addr, opts...)
	conn, err := p.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("connect to cot consumer %s: %w: %w", addr, err, sensor.ErrTransport)
	}
	p.conn = conn
	logf("connected to %s", addr)
	return p, nil
}

// NewPublisher wraps an already open connection. Reconnects, if enabled,
// redial conn.RemoteAddr().
func NewPublisher(conn net.Conn, opts ...Option) *Publisher {
	addr := ""
	if ra := conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	p := newPublisher(addr, opts...)
	p.conn = conn
	return p
}

// Sent returns the number of events written so far.
func (p *Publisher) Sent() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

// SendSensor stamps f with the current UTC time and writes it as a sensor
// event. A failed write wraps sensor.ErrTransport.
func (p *Publisher) SendSensor(ctx context.Context, f sensor.Finding) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return fmt.Errorf("publish %s: publisher closed: %w", f.UID, sensor.ErrTransport)
	}

	ev := NewSensorEvent(f, p.point, p.clock.Now(), p.staleAfter)
	p.buf.Reset()
	if err := Encode(&p.buf, ev); err != nil {
		return err
	}
	data := p.buf.Bytes()

	err := p.write(ctx, p.conn, data)
	if err == nil {
		p.sent++
		return nil
	}
	if p.reconnectTries == 0 {
		return fmt.Errorf("publish %s to %s: %w: %w", f.UID, p.addr, err, sensor.ErrTransport)
	}

	logf("write to %s failed, reconnecting: %v", p.addr, err)
	p.conn.Close()
	p.conn = nil

	conn, err := backoff.Retry(ctx, func() (net.Conn, error) {
		conn, err := p.dial(ctx, p.addr)
		if err != nil {
			return nil, err
		}
		if err := p.write(ctx, conn, data); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	},
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(p.reconnectTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			logf("reconnect to %s failed, retrying in %s: %v", p.addr, d, err)
		}),
	)
	if err != nil {
		return fmt.Errorf("publish %s: reconnect to %s: %w: %w", f.UID, p.addr, err, sensor.ErrTransport)
	}
	p.conn = conn
	p.sent++
	logf("reconnected to %s", p.addr)
	return nil
}

func (p *Publisher) write(ctx context.Context, conn net.Conn, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err := conn.Write(data)
	return err
}

// Close closes the connection. Further sends fail.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
