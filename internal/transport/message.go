package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Terminator ends every message on the wire.
var Terminator = []byte("\r\n")

// Message is one terminator-delimited unit of bytes.
// It is complete once its tail equals Terminator.
type Message []byte

// NewMessage wraps raw bytes, which may or may not be complete yet.
func NewMessage(b []byte) Message {
	return Message(b)
}

// MessageFromString appends the terminator to text.
func MessageFromString(text string) Message {
	m := make(Message, 0, len(text)+len(Terminator))
	m = append(m, text...)
	return append(m, Terminator...)
}

// MessageFromObject JSON-encodes v into a complete message.
func MessageFromObject(v any) (Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return append(payload, Terminator...), nil
}

// Append adds a segment to the tail of the message.
func (m *Message) Append(segment []byte) {
	*m = append(*m, segment...)
}

// IsComplete reports whether the message ends in the terminator.
func (m Message) IsComplete() bool {
	return bytes.HasSuffix(m, Terminator)
}

// Payload returns the bytes without the terminator.
func (m Message) Payload() []byte {
	if m.IsComplete() {
		return m[:len(m)-len(Terminator)]
	}
	return m
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload(), v)
}

func (m Message) String() string {
	return string(m)
}

// clone detaches the message from any reader buffer it was sliced from.
func (m Message) clone() Message {
	if m == nil {
		return nil
	}
	out := make(Message, len(m))
	copy(out, m)
	return out
}
