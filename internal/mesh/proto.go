package mesh

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/bearing.relay/internal/sensor"
)

// Field numbers from the Meshtastic mesh.proto and channel.proto schemas.
// Only the fields the relay reads or writes are listed.
const (
	toRadioPacket       protowire.Number = 1
	toRadioWantConfigID protowire.Number = 3
	toRadioDisconnect   protowire.Number = 4
	toRadioHeartbeat    protowire.Number = 7

	fromRadioID               protowire.Number = 1
	fromRadioPacket           protowire.Number = 2
	fromRadioMyInfo           protowire.Number = 3
	fromRadioNodeInfo         protowire.Number = 4
	fromRadioConfig           protowire.Number = 5
	fromRadioLogRecord        protowire.Number = 6
	fromRadioConfigCompleteID protowire.Number = 7
	fromRadioRebooted         protowire.Number = 8
	fromRadioModuleConfig     protowire.Number = 9
	fromRadioChannel          protowire.Number = 10

	meshPacketFrom      protowire.Number = 1
	meshPacketTo        protowire.Number = 2
	meshPacketChannel   protowire.Number = 3
	meshPacketDecoded   protowire.Number = 4
	meshPacketEncrypted protowire.Number = 5
	meshPacketID        protowire.Number = 6
	meshPacketRxTime    protowire.Number = 7
	meshPacketRxSNR     protowire.Number = 8
	meshPacketHopLimit  protowire.Number = 9
	meshPacketWantAck   protowire.Number = 10

	dataPortnum protowire.Number = 1
	dataPayload protowire.Number = 2

	nodeInfoNum protowire.Number = 1

	channelIndex        protowire.Number = 1
	channelSettings     protowire.Number = 2
	channelSettingsName protowire.Number = 3
)

// textPacket is the outbound MeshPacket carried by Send.
type textPacket struct {
	To       uint32
	Channel  uint32
	ID       uint32
	HopLimit uint32
	WantAck  bool
	Text     string
}

func (p textPacket) marshal() []byte {
	var data []byte
	data = protowire.AppendTag(data, dataPortnum, protowire.VarintType)
	data = protowire.AppendVarint(data, uint64(TextMessagePort))
	data = protowire.AppendTag(data, dataPayload, protowire.BytesType)
	data = protowire.AppendString(data, p.Text)

	var pkt []byte
	pkt = protowire.AppendTag(pkt, meshPacketTo, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, p.To)
	if p.Channel != 0 {
		pkt = protowire.AppendTag(pkt, meshPacketChannel, protowire.VarintType)
		pkt = protowire.AppendVarint(pkt, uint64(p.Channel))
	}
	pkt = protowire.AppendTag(pkt, meshPacketDecoded, protowire.BytesType)
	pkt = protowire.AppendBytes(pkt, data)
	pkt = protowire.AppendTag(pkt, meshPacketID, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, p.ID)
	pkt = protowire.AppendTag(pkt, meshPacketHopLimit, protowire.VarintType)
	pkt = protowire.AppendVarint(pkt, uint64(p.HopLimit))
	if p.WantAck {
		pkt = protowire.AppendTag(pkt, meshPacketWantAck, protowire.VarintType)
		pkt = protowire.AppendVarint(pkt, protowire.EncodeBool(true))
	}

	out := protowire.AppendTag(nil, toRadioPacket, protowire.BytesType)
	return protowire.AppendBytes(out, pkt)
}

func marshalWantConfig(id uint32) []byte {
	b := protowire.AppendTag(nil, toRadioWantConfigID, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(id))
}

// marshalHeartbeat encodes a ToRadio carrying an empty Heartbeat message.
func marshalHeartbeat() []byte {
	b := protowire.AppendTag(nil, toRadioHeartbeat, protowire.BytesType)
	return protowire.AppendBytes(b, nil)
}

func marshalDisconnect() []byte {
	b := protowire.AppendTag(nil, toRadioDisconnect, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(true))
}

// fromRadio is a decoded FromRadio message.
type fromRadio struct {
	ID     uint32
	Packet Packet

	// ConfigComplete is set when the radio has finished replaying its
	// configuration for the want_config request with this id.
	ConfigComplete   bool
	ConfigCompleteID uint32
}

func protoError(what string, n int) error {
	return fmt.Errorf("decode %s: %v: %w", what, protowire.ParseError(n), sensor.ErrProtocol)
}

// decodeFromRadio parses a FromRadio payload. Variants the relay does not
// model come back as Other.
func decodeFromRadio(b []byte) (fromRadio, error) {
	var msg fromRadio
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return msg, protoError("FromRadio", n)
		}
		b = b[n:]

		switch {
		case num == fromRadioID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return msg, protoError("FromRadio.id", n)
			}
			msg.ID = uint32(v)
			b = b[n:]
			continue

		case num == fromRadioConfigCompleteID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return msg, protoError("FromRadio.config_complete_id", n)
			}
			msg.ConfigComplete = true
			msg.ConfigCompleteID = uint32(v)
			msg.Packet = Other{Kind: "config_complete"}
			b = b[n:]
			continue

		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return msg, protoError("FromRadio", n)
			}
			b = b[n:]
			pkt, err := decodeVariant(num, v)
			if err != nil {
				return msg, err
			}
			msg.Packet = pkt
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return msg, protoError("FromRadio", n)
		}
		if msg.Packet == nil {
			msg.Packet = Other{Kind: fmt.Sprintf("field_%d", num)}
		}
		b = b[n:]
	}
	if msg.Packet == nil {
		msg.Packet = Other{Kind: "empty"}
	}
	return msg, nil
}

func decodeVariant(num protowire.Number, v []byte) (Packet, error) {
	switch num {
	case fromRadioPacket:
		return decodeMeshPacket(v)
	case fromRadioNodeInfo:
		return decodeNodeInfo(v)
	case fromRadioChannel:
		return decodeChannel(v)
	case fromRadioMyInfo:
		return Other{Kind: "my_info"}, nil
	case fromRadioConfig:
		return Other{Kind: "config"}, nil
	case fromRadioLogRecord:
		return Other{Kind: "log_record"}, nil
	case fromRadioRebooted:
		return Other{Kind: "rebooted"}, nil
	case fromRadioModuleConfig:
		return Other{Kind: "module_config"}, nil
	}
	return Other{Kind: fmt.Sprintf("field_%d", num)}, nil
}

func decodeMeshPacket(b []byte) (Packet, error) {
	var (
		from, to, channel, id uint32
		decoded, encrypted    []byte
		hasDecoded, hasCipher bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protoError("MeshPacket", n)
		}
		b = b[n:]

		switch {
		case typ == protowire.Fixed32Type && (num == meshPacketFrom || num == meshPacketTo || num == meshPacketID):
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, protoError("MeshPacket", n)
			}
			switch num {
			case meshPacketFrom:
				from = v
			case meshPacketTo:
				to = v
			case meshPacketID:
				id = v
			}
			b = b[n:]
		case num == meshPacketChannel && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protoError("MeshPacket.channel", n)
			}
			channel = uint32(v)
			b = b[n:]
		case (num == meshPacketDecoded || num == meshPacketEncrypted) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protoError("MeshPacket.payload_variant", n)
			}
			if num == meshPacketDecoded {
				decoded, hasDecoded = v, true
			} else {
				encrypted, hasCipher = v, true
			}
			b = b[n:]
		default:
			// rx_time, rx_snr, hop_limit, want_ack and newer fields.
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protoError("MeshPacket", n)
			}
			b = b[n:]
		}
	}

	switch {
	case hasDecoded:
		port, payload, err := decodeData(decoded)
		if err != nil {
			return nil, err
		}
		return AppData{From: from, To: to, Channel: channel, ID: id, Port: port, Payload: payload}, nil
	case hasCipher:
		return EncryptedData{From: from, To: to, Channel: channel, ID: id, Payload: append([]byte(nil), encrypted...)}, nil
	}
	return Other{Kind: "empty_packet"}, nil
}

func decodeData(b []byte) (port uint32, payload []byte, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, nil, protoError("Data", n)
		}
		b = b[n:]
		switch {
		case num == dataPortnum && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, nil, protoError("Data.portnum", n)
			}
			if v > math.MaxUint32 {
				return 0, nil, fmt.Errorf("decode Data.portnum: %d out of range: %w", v, sensor.ErrProtocol)
			}
			port = uint32(v)
			b = b[n:]
		case num == dataPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, nil, protoError("Data.payload", n)
			}
			payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, nil, protoError("Data", n)
			}
			b = b[n:]
		}
	}
	return port, payload, nil
}

func decodeNodeInfo(b []byte) (Packet, error) {
	var info NodeInfo
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protoError("NodeInfo", n)
		}
		b = b[n:]
		if num == nodeInfoNum && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protoError("NodeInfo.num", n)
			}
			info.Num = uint32(v)
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, protoError("NodeInfo", n)
		}
		b = b[n:]
	}
	return info, nil
}

func decodeChannel(b []byte) (Packet, error) {
	var ch ChannelInfo
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protoError("Channel", n)
		}
		b = b[n:]
		switch {
		case num == channelIndex && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protoError("Channel.index", n)
			}
			ch.Index = uint32(v)
			b = b[n:]
		case num == channelSettings && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protoError("Channel.settings", n)
			}
			ch.Name = channelName(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protoError("Channel", n)
			}
			b = b[n:]
		}
	}
	return ch, nil
}

func channelName(b []byte) string {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ""
		}
		b = b[n:]
		if num == channelSettingsName && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ""
			}
			return string(v)
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return ""
		}
		b = b[n:]
	}
	return ""
}
