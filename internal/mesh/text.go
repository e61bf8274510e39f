package mesh

import (
	"context"
	"fmt"
	"strings"

	"github.com/banshee-data/bearing.relay/internal/sensor"
	"github.com/banshee-data/bearing.relay/internal/serialmux"
)

// TextRadio drives a radio whose serial module runs in TEXTMSG mode: every
// line written is broadcast as a text message and every text message heard
// arrives as a line.
type TextRadio struct {
	Ports   serialmux.SerialPortFactory
	Options serialmux.PortOptions
}

// NewTextRadio returns a TextRadio opening ports through factory.
func NewTextRadio(factory serialmux.SerialPortFactory, opts serialmux.PortOptions) *TextRadio {
	return &TextRadio{Ports: factory, Options: opts}
}

func (r *TextRadio) Connect(ctx context.Context, device string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("open %s: %w: %w", device, err, sensor.ErrTransport)
	}
	port, err := r.Ports.Open(device, r.Options)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %w", device, err, sensor.ErrTransport)
	}
	logf("opened %s (%s) in text mode", device, r.Options)

	s := newMuxSession(device, serialmux.NewSerialMux(port, nil))
	s.encode = encodeTextLine
	s.decode = decodeTextLine
	s.start()
	return s, nil
}

func encodeTextLine(text string) ([]byte, error) {
	if strings.ContainsAny(text, "\r\n") {
		return nil, fmt.Errorf("text %q spans more than one line: %w", text, sensor.ErrFormat)
	}
	return []byte(text + "\n"), nil
}

// decodeTextLine turns a received line into text message data. The serial
// module does not report the sender, so From is zero.
func decodeTextLine(line []byte) (Packet, error) {
	if len(strings.TrimSpace(string(line))) == 0 {
		return nil, nil
	}
	return AppData{
		To:      BroadcastAddr,
		Port:    TextMessagePort,
		Payload: append([]byte(nil), line...),
	}, nil
}
