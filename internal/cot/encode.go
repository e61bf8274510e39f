package cot

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// Delimiter terminates every event on the stream. Consumers split the TCP
// stream on it; there is no length prefix.
const Delimiter = "\n\n"

// Marshal renders e as a single compact line of XML with no declaration,
// followed by Delimiter. The output depends only on e.
func Marshal(e Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode writes the framed form of e to buf.
func Encode(buf *bytes.Buffer, e Event) error {
	enc := xml.NewEncoder(buf)
	if err := enc.Encode(e); err != nil {
		return fmt.Errorf("encode cot event %s: %w", e.UID, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode cot event %s: %w", e.UID, err)
	}
	buf.WriteString(Delimiter)
	return nil
}
