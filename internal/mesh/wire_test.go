package mesh

import (
	"bufio"
	"bytes"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

// wireFields decodes one protobuf message into its last value per field:
// uint64 for varints, uint32 for fixed32 and []byte for length-delimited.
func wireFields(t *testing.T, b []byte) map[protowire.Number]any {
	t.Helper()
	out := make(map[protowire.Number]any)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			t.Fatalf("bad tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				t.Fatalf("bad varint: %v", protowire.ParseError(n))
			}
			out[num] = v
			b = b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				t.Fatalf("bad fixed32: %v", protowire.ParseError(n))
			}
			out[num] = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				t.Fatalf("bad bytes: %v", protowire.ParseError(n))
			}
			out[num] = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				t.Fatalf("bad field: %v", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return out
}

// splitFrames returns the payload of every frame in b.
func splitFrames(b []byte) [][]byte {
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Split(ScanFrames)
	var out [][]byte
	for sc.Scan() {
		out = append(out, append([]byte(nil), sc.Bytes()...))
	}
	return out
}

// Builders for radio-side messages.

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFixed32Field(b []byte, num protowire.Number, v uint32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func meshPacketBytes(from, to, id uint32, decoded, encrypted []byte) []byte {
	var b []byte
	b = appendFixed32Field(b, meshPacketFrom, from)
	b = appendFixed32Field(b, meshPacketTo, to)
	if decoded != nil {
		b = appendBytesField(b, meshPacketDecoded, decoded)
	}
	if encrypted != nil {
		b = appendBytesField(b, meshPacketEncrypted, encrypted)
	}
	b = appendFixed32Field(b, meshPacketID, id)
	b = appendFixed32Field(b, meshPacketRxTime, 1718020800)
	b = appendFixed32Field(b, meshPacketRxSNR, 0x40c00000) // 6.0
	b = appendVarintField(b, meshPacketHopLimit, 3)
	return b
}

func dataBytes(port uint32, payload string) []byte {
	b := appendVarintField(nil, dataPortnum, uint64(port))
	return appendBytesField(b, dataPayload, []byte(payload))
}

func fromRadioWithPacket(pkt []byte) []byte {
	b := appendVarintField(nil, fromRadioID, 7)
	return appendBytesField(b, fromRadioPacket, pkt)
}

func fromRadioTextFrom(from uint32, text string) []byte {
	return fromRadioWithPacket(meshPacketBytes(from, BroadcastAddr, 99, dataBytes(TextMessagePort, text), nil))
}

func fromRadioNode(num uint32) []byte {
	return appendBytesField(nil, fromRadioNodeInfo, appendVarintField(nil, nodeInfoNum, uint64(num)))
}

func fromRadioChannelNamed(index uint32, name string) []byte {
	settings := appendBytesField(nil, channelSettingsName, []byte(name))
	ch := appendVarintField(nil, channelIndex, uint64(index))
	ch = appendBytesField(ch, channelSettings, settings)
	return appendBytesField(nil, fromRadioChannel, ch)
}

func fromRadioConfigComplete(id uint32) []byte {
	return appendVarintField(nil, fromRadioConfigCompleteID, uint64(id))
}

func mustFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	f, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	return f
}
