package relay

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/bearing.relay/internal/doa"
	"github.com/banshee-data/bearing.relay/internal/sensor"
)

// Modes accepted by Run.
const (
	ModePublish = "publish"
	ModeRelay   = "relay"
	ModeSweep   = "sweep"
	ModeForward = "forward"
	ModeOnce    = "once"
)

// Modes lists every mode in the order shown in usage text.
var Modes = []string{ModePublish, ModeRelay, ModeSweep, ModeForward}

// ErrUnknownMode is returned by Run for an unrecognised mode.
var ErrUnknownMode = errors.New("unknown mode")

// Run runs the named mode until ctx is cancelled or the mode fails.
// ModeOnce needs an azimuth and goes through PublishOnce instead.
func (l *Loop) Run(ctx context.Context, mode string) error {
	switch mode {
	case ModePublish:
		return l.RunPublish(ctx)
	case ModeRelay:
		return l.RunRelay(ctx)
	case ModeSweep:
		return l.RunSweep(ctx)
	case ModeForward:
		return l.RunForward(ctx)
	}
	return ErrUnknownMode
}

// RunPublish polls the DoA source every PollInterval, starting immediately,
// and publishes the strongest bearing of each sample. Bad reports and
// samples without a peak are skipped. A transport failure on either side
// ends the loop.
func (l *Loop) RunPublish(ctx context.Context) error {
	if l.source == nil {
		return errNoSource
	}
	if l.pub == nil {
		return errNoPublisher
	}
	l.setMode(ModePublish)
	return l.pollLoop(ctx, l.publish)
}

// RunForward polls the DoA source like RunPublish and broadcasts each
// bearing on the mesh. When a publisher is configured the bearing is
// published to the CoT consumer as well.
func (l *Loop) RunForward(ctx context.Context) error {
	if l.source == nil {
		return errNoSource
	}
	if l.session == nil {
		return errNoSession
	}
	l.setMode(ModeForward)
	return l.pollLoop(ctx, func(ctx context.Context, az int32) error {
		if err := l.broadcast(ctx, int(az)); err != nil {
			return err
		}
		if l.pub == nil {
			return nil
		}
		return l.publish(ctx, az)
	})
}

func (l *Loop) pollLoop(ctx context.Context, deliver func(context.Context, int32) error) error {
	ticker := l.clock.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := l.poll(ctx, deliver); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

// Poll results reported on relay_polls_total.
const (
	pollOK        = "ok"
	pollFormat    = "format_error"
	pollNoPeak    = "no_peak"
	pollTransport = "transport_error"
)

func (l *Loop) poll(ctx context.Context, deliver func(context.Context, int32) error) error {
	sample, err := l.source.Poll(ctx)
	if err != nil {
		if sensor.Recoverable(err) {
			l.metrics.Polls.WithLabelValues(pollFormat).Inc()
			l.recordPoll(err)
			logf("skipping report: %v", err)
			return nil
		}
		l.metrics.Polls.WithLabelValues(pollTransport).Inc()
		l.recordPoll(err)
		return err
	}

	az, ok := sample.Bearing()
	if !ok {
		l.metrics.Polls.WithLabelValues(pollNoPeak).Inc()
		l.recordPoll(nil)
		logf("skipping sample with no peak")
		return nil
	}
	l.metrics.Polls.WithLabelValues(pollOK).Inc()
	l.recordPoll(nil)
	return deliver(ctx, int32(az))
}

// RunRelay publishes every bearing heard on the mesh. Packets that do not
// carry a bearing are logged and skipped. It returns nil when the packet
// stream ends and an error when publishing fails.
func (l *Loop) RunRelay(ctx context.Context) error {
	if l.session == nil {
		return errNoSession
	}
	if l.pub == nil {
		return errNoPublisher
	}
	l.setMode(ModeRelay)

	packets := l.session.Packets()
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-packets:
			if !ok {
				logf("mesh packet stream closed")
				return nil
			}
			az, reason, err := classify(pkt)
			if err != nil {
				l.metrics.PacketsSkipped.WithLabelValues(reason).Inc()
				l.recordSkipped()
				logf("skipping mesh packet: %v", err)
				continue
			}
			if err := l.publish(ctx, az); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// RunSweep broadcasts 0, 1, ..., 359, 0, ... on the mesh until ctx is
// cancelled, spaced by SweepInterval. A send failure ends the sweep.
func (l *Loop) RunSweep(ctx context.Context) error {
	if l.session == nil {
		return errNoSession
	}
	l.setMode(ModeSweep)

	var tick <-chan time.Time
	if l.cfg.SweepInterval > 0 {
		ticker := l.clock.NewTicker(l.cfg.SweepInterval)
		defer ticker.Stop()
		tick = ticker.C()
	}

	for az := 0; ; az = (az + 1) % doa.Bins {
		if ctx.Err() != nil {
			return nil
		}
		if err := l.broadcast(ctx, az); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if tick == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
		}
	}
}

// PublishOnce publishes a single finding for azimuth.
func (l *Loop) PublishOnce(ctx context.Context, azimuth int32) error {
	if l.pub == nil {
		return errNoPublisher
	}
	l.setMode(ModeOnce)
	return l.publish(ctx, azimuth)
}
