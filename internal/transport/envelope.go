package transport

import (
	"encoding/json"
	"fmt"
)

// Kind is the wire "type" tag of an envelope.
type Kind string

const (
	KindEvent    Kind = "event"
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
)

// Envelope is the decoded value inside a frame. It is closed over
// Event, Request and Response.
type Envelope interface {
	Kind() Kind
	isEnvelope()
}

// Event is fire-and-forget, routed by Action.
type Event struct {
	Action string
	Data   json.RawMessage
}

// Request expects exactly one Response carrying the same ID.
type Request struct {
	Action string
	ID     uint64
	Data   json.RawMessage
}

// Response answers the Request with the same ID.
type Response struct {
	ID   uint64
	Data json.RawMessage
}

func (Event) Kind() Kind    { return KindEvent }
func (Request) Kind() Kind  { return KindRequest }
func (Response) Kind() Kind { return KindResponse }

func (Event) isEnvelope()    {}
func (Request) isEnvelope()  {}
func (Response) isEnvelope() {}

type wireEnvelope struct {
	Type   Kind            `json:"type"`
	Action string          `json:"action,omitempty"`
	ID     *uint64         `json:"id,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// EncodeEnvelope serializes env into a complete message.
func EncodeEnvelope(env Envelope) (Message, error) {
	var w wireEnvelope
	switch e := env.(type) {
	case Event:
		w = wireEnvelope{Type: KindEvent, Action: e.Action, Data: e.Data}
	case Request:
		id := e.ID
		w = wireEnvelope{Type: KindRequest, Action: e.Action, ID: &id, Data: e.Data}
	case Response:
		id := e.ID
		w = wireEnvelope{Type: KindResponse, ID: &id, Data: e.Data}
	default:
		return nil, fmt.Errorf("%w: unknown envelope %T", ErrUnroutable, env)
	}
	if w.Data == nil {
		w.Data = json.RawMessage("null")
	}
	return MessageFromObject(w)
}

// DecodeEnvelope parses a complete message. Anything that is not one of the
// three shapes yields ErrUnroutable.
func DecodeEnvelope(m Message) (Envelope, error) {
	var w wireEnvelope
	if err := m.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnroutable, err)
	}
	if w.Data == nil {
		return nil, fmt.Errorf("%w: missing data", ErrUnroutable)
	}

	switch w.Type {
	case KindEvent:
		if w.Action == "" {
			return nil, fmt.Errorf("%w: event without action", ErrUnroutable)
		}
		return Event{Action: w.Action, Data: w.Data}, nil
	case KindRequest:
		if w.Action == "" || w.ID == nil {
			return nil, fmt.Errorf("%w: request without action or id", ErrUnroutable)
		}
		return Request{Action: w.Action, ID: *w.ID, Data: w.Data}, nil
	case KindResponse:
		if w.ID == nil {
			return nil, fmt.Errorf("%w: response without id", ErrUnroutable)
		}
		return Response{ID: *w.ID, Data: w.Data}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrUnroutable, w.Type)
	}
}

func marshalData(data any) (json.RawMessage, error) {
	if raw, ok := data.(json.RawMessage); ok {
		if raw == nil {
			return json.RawMessage("null"), nil
		}
		return raw, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode data: %w", err)
	}
	return b, nil
}
