// Package mesh talks to a Meshtastic radio over its serial port: it
// broadcasts short text messages onto the mesh and yields the packets the
// radio hears as a typed stream.
package mesh

import (
	"context"
	"fmt"
)

const (
	// TextMessagePort is the Meshtastic TEXT_MESSAGE_APP port number.
	TextMessagePort uint32 = 1
	// BroadcastAddr addresses every node on the mesh.
	BroadcastAddr uint32 = 0xFFFFFFFF
	// DefaultHopLimit is the hop budget stamped on outbound packets.
	DefaultHopLimit = 3
)

// Radio opens sessions on a mesh device.
type Radio interface {
	// Connect opens the device at path and completes whatever handshake the
	// driver needs. Failures wrap sensor.ErrTransport.
	Connect(ctx context.Context, device string) (Session, error)
}

// Session is an open connection to one radio.
type Session interface {
	// Send broadcasts text as a text message on the primary channel.
	Send(ctx context.Context, text string) error
	// Packets yields inbound packets. The channel is closed when the device
	// goes away or the session is closed.
	Packets() <-chan Packet
	// Close releases the device.
	Close() error
}

// Packet is one inbound item from the radio. The concrete type is one of
// ChannelInfo, NodeInfo, AppData, EncryptedData or Other.
type Packet interface {
	packet()
}

// ChannelInfo describes one of the radio's configured channels.
type ChannelInfo struct {
	Index uint32
	Name  string
}

// NodeInfo describes a node in the radio's node database.
type NodeInfo struct {
	Num uint32
}

// AppData is a mesh packet the radio could decrypt.
type AppData struct {
	From    uint32
	To      uint32
	Channel uint32
	ID      uint32
	Port    uint32
	Payload []byte
}

// Text returns the payload as a string.
func (d AppData) Text() string { return string(d.Payload) }

// IsText reports whether the packet arrived on the text message port.
func (d AppData) IsText() bool { return d.Port == TextMessagePort }

// EncryptedData is a mesh packet on a channel the radio holds no key for.
type EncryptedData struct {
	From    uint32
	To      uint32
	Channel uint32
	ID      uint32
	Payload []byte
}

// Other is any inbound item the relay has no use for: radio config,
// log records, handshake markers and mesh packets without a payload.
type Other struct {
	Kind string
}

func (ChannelInfo) packet()   {}
func (NodeInfo) packet()      {}
func (AppData) packet()       {}
func (EncryptedData) packet() {}
func (Other) packet()         {}

func (c ChannelInfo) String() string { return fmt.Sprintf("channel %d %q", c.Index, c.Name) }
func (n NodeInfo) String() string    { return fmt.Sprintf("node !%08x", n.Num) }
func (d AppData) String() string {
	return fmt.Sprintf("data !%08x->!%08x ch=%d port=%d len=%d", d.From, d.To, d.Channel, d.Port, len(d.Payload))
}
func (d EncryptedData) String() string {
	return fmt.Sprintf("encrypted !%08x->!%08x ch=%d len=%d", d.From, d.To, d.Channel, len(d.Payload))
}
func (o Other) String() string { return o.Kind }
