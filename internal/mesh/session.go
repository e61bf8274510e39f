package mesh

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/bearing.relay/internal/httputil"
	"github.com/banshee-data/bearing.relay/internal/monitoring"
	"github.com/banshee-data/bearing.relay/internal/sensor"
	"github.com/banshee-data/bearing.relay/internal/serialmux"
)

var logf = monitoring.Component("mesh")

// PacketBuffer is the capacity of a session's inbound packet channel.
const PacketBuffer = serialmux.SubscriberBuffer

// AdminRouter is implemented by sessions that expose debug endpoints.
type AdminRouter interface {
	AttachAdminRoutes(*http.ServeMux)
}

// muxSession is the Session shared by the serial drivers. The driver
// supplies how text is encoded for the radio and how tokens read from the
// port become packets.
type muxSession struct {
	device  string
	mux     serialmux.Mux
	subID   string
	tokens  chan []byte
	packets chan Packet

	encode func(text string) ([]byte, error)
	decode func(tok []byte) (Packet, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// newMuxSession subscribes to mux and starts reading the port. Packets are
// not delivered until start is called.
func newMuxSession(device string, mux serialmux.Mux) *muxSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &muxSession{
		device:  device,
		mux:     mux,
		packets: make(chan Packet, PacketBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.subID, s.tokens = mux.Subscribe()

	s.goFunc(func() {
		err := mux.Monitor(ctx)
		if err != nil && ctx.Err() == nil {
			logf("%s: read failed: %v", device, err)
		}
		// Ends the packet pump when the device goes away on its own.
		mux.Unsubscribe(s.subID)
	})
	return s
}

func (s *muxSession) goFunc(f func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
}

// start delivers decoded packets until the port closes.
func (s *muxSession) start() {
	s.goFunc(func() {
		defer close(s.packets)
		for tok := range s.tokens {
			pkt, err := s.decode(tok)
			if err != nil {
				logf("%s: dropping undecodable frame: %v", s.device, err)
				continue
			}
			if pkt == nil {
				continue
			}
			select {
			case s.packets <- pkt:
			case <-s.ctx.Done():
				return
			}
		}
	})
}

func (s *muxSession) Packets() <-chan Packet { return s.packets }

func (s *muxSession) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send %q to %s: %w: %w", text, s.device, err, sensor.ErrTransport)
	}
	frame, err := s.encode(text)
	if err != nil {
		return err
	}
	if err := s.mux.Send(frame); err != nil {
		return fmt.Errorf("send %q to %s: %w: %w", text, s.device, err, sensor.ErrTransport)
	}
	return nil
}

// Close stops the session goroutines and closes the port. It is safe to
// call more than once.
func (s *muxSession) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.mux.Close()
		s.wg.Wait()
	})
	return s.closeErr
}

// AttachAdminRoutes registers mesh-send, which broadcasts the posted text
// field, alongside the serial port's own debug routes.
func (s *muxSession) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleSilentFunc("mesh-send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		text := strings.TrimSpace(r.FormValue("text"))
		if text == "" {
			httputil.WriteJSONError(w, http.StatusBadRequest, "missing text")
			return
		}
		if err := s.Send(r.Context(), text); err != nil {
			httputil.WriteJSONError(w, http.StatusBadGateway, err.Error())
			return
		}
		httputil.WriteJSONOK(w, map[string]string{"sent": text, "device": s.device})
	})
	s.mux.AttachAdminRoutes(mux)
}
