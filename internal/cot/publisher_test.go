package cot

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/bearing.relay/internal/sensor"
	"github.com/banshee-data/bearing.relay/internal/timeutil"
)

// readEvent reads one delimited event from r.
func readEvent(r *bufio.Reader) string {
	var sb strings.Builder
	for {
		line, err := r.ReadString('\n')
		sb.WriteString(line)
		if err != nil {
			return sb.String()
		}
		if strings.HasSuffix(sb.String(), Delimiter) {
			return sb.String()
		}
	}
}

func TestPublisher_SendSensorOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		var events []string
		for i := 0; i < 2; i++ {
			events = append(events, readEvent(r))
		}
		received <- events
	}()

	clock := timeutil.NewMockClock(time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	p, err := Dial(ctx, ln.Addr().String(), WithClock(clock))
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.SendSensor(ctx, testFinding))
	clock.Set(clock.Now().Add(5 * time.Second))
	second := testFinding
	second.Azimuth = 88
	require.NoError(t, p.SendSensor(ctx, second))
	assert.Equal(t, uint64(2), p.Sent())

	select {
	case events := <-received:
		require.Len(t, events, 2)
		want, err := Marshal(NewSensorEvent(testFinding, DefaultPoint, time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC), time.Hour))
		require.NoError(t, err)
		assert.Equal(t, string(want), events[0])
		assert.Contains(t, events[1], `azimuth="88"`)
		assert.Contains(t, events[1], `time="2024-06-10T12:00:05Z"`)
		assert.Contains(t, events[1], `stale="2024-06-10T13:00:05Z"`)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not receive events")
	}
}

func TestPublisher_OptionsShapeEvent(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	pt := Point{Lat: 47.5, Lon: -122.25, CE: 5, HAE: 30, LE: 5}
	clock := timeutil.NewMockClock(time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC))
	p := NewPublisher(client, WithClock(clock), WithPoint(pt), WithStaleAfter(10*time.Minute), WithStaleAfter(0))
	defer p.Close()

	done := make(chan string, 1)
	go func() { done <- readEvent(bufio.NewReader(server)) }()

	require.NoError(t, p.SendSensor(context.Background(), testFinding))
	ev := <-done
	assert.Contains(t, ev, `<point lat="47.5" lon="-122.25" ce="5" hae="30" le="5"></point>`)
	assert.Contains(t, ev, `stale="2024-06-10T12:10:00Z"`)
}

func TestPublisher_WriteFailureIsTransportError(t *testing.T) {
	client, server := net.Pipe()
	server.Close()

	p := NewPublisher(client)
	err := p.SendSensor(context.Background(), testFinding)
	require.Error(t, err)
	assert.ErrorIs(t, err, sensor.ErrTransport)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Zero(t, p.Sent())
}

func TestPublisher_SendAfterClose(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	p := NewPublisher(client)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.SendSensor(context.Background(), testFinding), sensor.ErrTransport)
}

func TestDial_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), addr)
	require.Error(t, err)
	assert.ErrorIs(t, err, sensor.ErrTransport)
}

func TestPublisher_ReconnectsAfterWriteFailure(t *testing.T) {
	dead, deadServer := net.Pipe()
	deadServer.Close()

	received := make(chan string, 1)
	var dials atomic.Int32
	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		if dials.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			received <- readEvent(bufio.NewReader(server))
		}()
		return client, nil
	}

	p := NewPublisher(dead, WithDialer(dialer), WithReconnect(3))
	p.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	defer p.Close()

	require.NoError(t, p.SendSensor(context.Background(), testFinding))
	assert.Equal(t, int32(2), dials.Load())
	assert.Equal(t, uint64(1), p.Sent())

	select {
	case ev := <-received:
		assert.Contains(t, ev, `azimuth="87"`)
	case <-time.After(5 * time.Second):
		t.Fatal("event not written to reconnected consumer")
	}
}

func TestPublisher_ReconnectGivesUp(t *testing.T) {
	dead, deadServer := net.Pipe()
	deadServer.Close()

	var dials atomic.Int32
	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}

	p := NewPublisher(dead, WithDialer(dialer), WithReconnect(2))
	p.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

	err := p.SendSensor(context.Background(), testFinding)
	require.Error(t, err)
	assert.ErrorIs(t, err, sensor.ErrTransport)
	assert.Equal(t, int32(2), dials.Load())

	// The failed connection is dropped; later sends fail fast.
	assert.ErrorIs(t, p.SendSensor(context.Background(), testFinding), sensor.ErrTransport)
	assert.Equal(t, int32(2), dials.Load())
}
