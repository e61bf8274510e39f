// Package relay ties a bearing source (a DoA receiver or the mesh) to the CoT
// publisher and the mesh radio. Each Run method is one mode of operation; a
// Loop runs one mode at a time.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/bearing.relay/internal/doa"
	"github.com/banshee-data/bearing.relay/internal/mesh"
	"github.com/banshee-data/bearing.relay/internal/monitoring"
	"github.com/banshee-data/bearing.relay/internal/sensor"
	"github.com/banshee-data/bearing.relay/internal/timeutil"
)

var logf = monitoring.Component("relay")

// DefaultPollInterval is the DoA polling period.
const DefaultPollInterval = 5 * time.Second

// Config holds the finding attributes stamped on every bearing and the loop
// timing.
type Config struct {
	ContactID   string
	UID         string
	FieldOfView uint32
	Range       int32

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	// SweepInterval spaces sweep sends. Zero sends back to back.
	SweepInterval time.Duration
}

// DefaultConfig matches the field deployment: an 8 degree cone drawn out to
// 10 km.
func DefaultConfig() Config {
	return Config{
		ContactID:    "doa-alpha",
		UID:          "sig-0",
		FieldOfView:  8,
		Range:        10000,
		PollInterval: DefaultPollInterval,
	}
}

// Publisher emits findings downstream. *cot.Publisher implements it.
type Publisher interface {
	SendSensor(ctx context.Context, f sensor.Finding) error
}

// Loop is the relay control loop.
type Loop struct {
	cfg     Config
	source  doa.Source
	session mesh.Session
	pub     Publisher
	clock   timeutil.Clock
	metrics *Metrics

	mu     sync.Mutex
	status Status
}

// Option configures a Loop.
type Option func(*Loop)

// WithSource sets the DoA source polled by publish and forward modes.
func WithSource(s doa.Source) Option { return func(l *Loop) { l.source = s } }

// WithSession sets the mesh session used by relay, sweep and forward modes.
func WithSession(s mesh.Session) Option { return func(l *Loop) { l.session = s } }

// WithPublisher sets the CoT publisher.
func WithPublisher(p Publisher) Option { return func(l *Loop) { l.pub = p } }

// WithClock sets the clock driving the poll and sweep tickers.
func WithClock(c timeutil.Clock) Option { return func(l *Loop) { l.clock = c } }

// WithMetrics records loop activity on m.
func WithMetrics(m *Metrics) Option { return func(l *Loop) { l.metrics = m } }

// New returns a Loop. Missing dependencies are only an error for the modes
// that need them.
func New(cfg Config, opts ...Option) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	l := &Loop{cfg: cfg, clock: timeutil.RealClock{}}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = newMetrics()
	}
	return l
}

// Config returns the loop configuration after defaults.
func (l *Loop) Config() Config { return l.cfg }

// Finding builds the finding for azimuth using the configured attributes.
func (l *Loop) Finding(azimuth int32) sensor.Finding {
	return sensor.Finding{
		ContactID:   l.cfg.ContactID,
		FieldOfView: l.cfg.FieldOfView,
		Range:       l.cfg.Range,
		Azimuth:     azimuth,
		UID:         l.cfg.UID,
	}
}

// ParseAzimuth parses a mesh text payload as a whole-degree bearing.
// Surrounding whitespace and leading zeros are accepted; anything outside
// 0..359 wraps sensor.ErrFormat.
func ParseAzimuth(text string) (int32, error) {
	s := strings.TrimSpace(text)
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("azimuth %q: %w", text, sensor.ErrFormat)
	}
	if v < 0 || v >= doa.Bins {
		return 0, fmt.Errorf("azimuth %d outside 0..%d: %w", v, doa.Bins-1, sensor.ErrFormat)
	}
	return int32(v), nil
}

// Skip reasons reported on relay_packets_skipped_total.
const (
	skipEncrypted   = "encrypted"
	skipNotText     = "not_text"
	skipUnparseable = "unparseable"
	skipNoPayload   = "no_payload"
	skipInfo        = "info"
)

// AzimuthFromPacket extracts the bearing carried by a mesh packet. Only
// decoded text messages carry one; every other packet wraps
// sensor.ErrProtocol and an unparseable text wraps sensor.ErrFormat.
func AzimuthFromPacket(p mesh.Packet) (int32, error) {
	az, _, err := classify(p)
	return az, err
}

func classify(p mesh.Packet) (int32, string, error) {
	switch p := p.(type) {
	case mesh.AppData:
		if !p.IsText() {
			return 0, skipNotText, fmt.Errorf("packet on port %d: %w", p.Port, sensor.ErrProtocol)
		}
		if len(p.Payload) == 0 {
			return 0, skipNoPayload, fmt.Errorf("empty text message: %w", sensor.ErrProtocol)
		}
		az, err := ParseAzimuth(p.Text())
		if err != nil {
			return 0, skipUnparseable, err
		}
		return az, "", nil
	case mesh.EncryptedData:
		return 0, skipEncrypted, fmt.Errorf("encrypted packet from !%08x: %w", p.From, sensor.ErrProtocol)
	case mesh.ChannelInfo, mesh.NodeInfo:
		return 0, skipInfo, fmt.Errorf("%v: %w", p, sensor.ErrProtocol)
	case mesh.Other:
		if p.Kind == "empty_packet" {
			return 0, skipNoPayload, fmt.Errorf("packet without payload: %w", sensor.ErrProtocol)
		}
		return 0, skipInfo, fmt.Errorf("%s: %w", p.Kind, sensor.ErrProtocol)
	}
	return 0, skipInfo, fmt.Errorf("unexpected packet %T: %w", p, sensor.ErrProtocol)
}

var (
	errNoSource    = errors.New("no DoA source configured")
	errNoSession   = errors.New("no mesh session configured")
	errNoPublisher = errors.New("no CoT publisher configured")
)

// publish sends the finding for azimuth to the CoT consumer.
func (l *Loop) publish(ctx context.Context, azimuth int32) error {
	f := l.Finding(azimuth)
	if err := l.pub.SendSensor(ctx, f); err != nil {
		l.recordError(err)
		return fmt.Errorf("publish %s: %w", f, err)
	}
	l.metrics.FindingsPublished.Inc()
	l.recordPublished(f)
	logf("published %s", f)
	return nil
}

// broadcast sends azimuth as a mesh text message.
func (l *Loop) broadcast(ctx context.Context, azimuth int) error {
	text := strconv.Itoa(azimuth)
	if err := l.session.Send(ctx, text); err != nil {
		l.recordError(err)
		return fmt.Errorf("mesh send %q: %w", text, err)
	}
	l.metrics.MeshSent.Inc()
	l.recordMeshSent()
	return nil
}
