package mesh

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/bearing.relay/internal/sensor"
	"github.com/banshee-data/bearing.relay/internal/serialmux"
	"github.com/banshee-data/bearing.relay/internal/timeutil"
)

const (
	// DefaultHandshakeTimeout bounds the wait for the radio to finish
	// replaying its configuration after want_config.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultHeartbeatInterval keeps the serial API session from timing out
	// on the radio side.
	DefaultHeartbeatInterval = 5 * time.Minute
)

// StreamRadio drives a radio through the Meshtastic serial stream API:
// length-prefixed protobuf frames in both directions.
type StreamRadio struct {
	Ports   serialmux.SerialPortFactory
	Options serialmux.PortOptions

	// HandshakeTimeout defaults to DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
	// HeartbeatInterval defaults to DefaultHeartbeatInterval. A negative
	// value disables heartbeats.
	HeartbeatInterval time.Duration

	Clock timeutil.Clock

	// NewID returns the want_config and packet ids.
	NewID func() uint32
}

// NewStreamRadio returns a StreamRadio opening ports through factory.
func NewStreamRadio(factory serialmux.SerialPortFactory, opts serialmux.PortOptions) *StreamRadio {
	return &StreamRadio{Ports: factory, Options: opts}
}

func randomID() uint32 { return uuid.New().ID() }

// Connect opens device, wakes the radio and waits for it to finish sending
// its configuration. Anything the radio reports during the handshake is
// queued on Packets.
func (r *StreamRadio) Connect(ctx context.Context, device string) (Session, error) {
	port, err := r.Ports.Open(device, r.Options)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %w", device, err, sensor.ErrTransport)
	}
	logf("opened %s (%s)", device, r.Options)

	newID := r.NewID
	if newID == nil {
		newID = randomID
	}

	s := newMuxSession(device, serialmux.NewSerialMux(port, ScanFrames))
	s.encode = func(text string) ([]byte, error) {
		pkt := textPacket{
			To:       BroadcastAddr,
			ID:       newID(),
			HopLimit: DefaultHopLimit,
			WantAck:  true,
			Text:     text,
		}
		return EncodeFrame(pkt.marshal())
	}
	s.decode = func(tok []byte) (Packet, error) {
		msg, err := decodeFromRadio(tok)
		if err != nil {
			return nil, err
		}
		return msg.Packet, nil
	}

	if err := r.handshake(ctx, s, newID()); err != nil {
		s.Close()
		return nil, err
	}
	s.start()

	interval := r.HeartbeatInterval
	if interval == 0 {
		interval = DefaultHeartbeatInterval
	}
	if interval > 0 {
		clock := r.Clock
		if clock == nil {
			clock = timeutil.RealClock{}
		}
		s.goFunc(func() { heartbeat(s, clock, interval) })
	}
	return &streamSession{muxSession: s}, nil
}

func (r *StreamRadio) handshake(ctx context.Context, s *muxSession, configID uint32) error {
	if err := s.mux.Send(wakeSequence); err != nil {
		return fmt.Errorf("wake %s: %w: %w", s.device, err, sensor.ErrTransport)
	}
	frame, err := EncodeFrame(marshalWantConfig(configID))
	if err != nil {
		return err
	}
	if err := s.mux.Send(frame); err != nil {
		return fmt.Errorf("request config from %s: %w: %w", s.device, err, sensor.ErrTransport)
	}

	timeout := r.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("handshake with %s: %w: %w", s.device, ctx.Err(), sensor.ErrTransport)
		case <-timer.C:
			return fmt.Errorf("handshake with %s: no config_complete after %s: %w", s.device, timeout, sensor.ErrTransport)
		case tok, ok := <-s.tokens:
			if !ok {
				return fmt.Errorf("handshake with %s: port closed: %w", s.device, sensor.ErrTransport)
			}
			msg, err := decodeFromRadio(tok)
			if err != nil {
				logf("%s: dropping undecodable frame during handshake: %v", s.device, err)
				continue
			}
			if msg.ConfigComplete && msg.ConfigCompleteID == configID {
				logf("%s: configuration complete (id %d)", s.device, configID)
				return nil
			}
			select {
			case s.packets <- msg.Packet:
			default:
			}
		}
	}
}

func heartbeat(s *muxSession, clock timeutil.Clock, interval time.Duration) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	frame, _ := EncodeFrame(marshalHeartbeat())
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C():
			if err := s.mux.Send(frame); err != nil {
				logf("%s: heartbeat failed: %v", s.device, err)
			}
		}
	}
}

// streamSession tells the radio it is leaving before closing the port.
type streamSession struct {
	*muxSession
}

func (s *streamSession) Close() error {
	if s.ctx.Err() == nil {
		if frame, err := EncodeFrame(marshalDisconnect()); err == nil {
			s.mux.Send(frame)
		}
	}
	return s.muxSession.Close()
}
