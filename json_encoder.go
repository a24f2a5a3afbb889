package eventstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// DefaultMaxPayloadBytes is the largest payload the JSONEncoder accepts by default
const DefaultMaxPayloadBytes = 50 * 1024

var (
	// ErrUnknownEventType indicates that no event variant is registered for a tag
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrEmptyPayload indicates a missing, empty or null payload
	ErrEmptyPayload = errors.New("empty payload")

	// ErrPayloadTooLarge indicates a payload above the configured size bound
	ErrPayloadTooLarge = errors.New("payload too large")
)

// DecodeError is returned by the encoder when a payload cannot be turned
// back into an event. It carries the stored tag and the underlying cause
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type decodeFunc func([]byte) (Event, error)

// EncoderOpt configures JSONEncoder
type EncoderOpt func(*JSONEncoder)

// WithMaxPayloadBytes overrides DefaultMaxPayloadBytes
func WithMaxPayloadBytes(n int) EncoderOpt {
	return func(e *JSONEncoder) {
		e.maxPayload = n
	}
}

// NewJSONEncoder constructs json encoder. Event variants are added with Register
func NewJSONEncoder(opts ...EncoderOpt) *JSONEncoder {
	enc := JSONEncoder{
		decoders:   make(map[string]decodeFunc),
		maxPayload: DefaultMaxPayloadBytes,
	}

	for _, opt := range opts {
		opt(&enc)
	}

	return &enc
}

// JSONEncoder provides the default Encoder implementation.
// It marshals events to json and keys them by their EventType tag
type JSONEncoder struct {
	decoders   map[string]decodeFunc
	maxPayload int
}

// Register adds event variant E to the encoder under the tag returned by
// E's EventType. E must be a value type with a value receiver EventType method.
// Registering two variants under the same tag panics
func Register[E Event](enc *JSONEncoder) {
	var zero E

	tag := zero.EventType()

	if _, ok := enc.decoders[tag]; ok {
		panic(fmt.Sprintf("eventstore: event type %q registered twice", tag))
	}

	enc.decoders[tag] = func(data []byte) (Event, error) {
		var evt E

		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, err
		}

		return evt, nil
	}
}

// Types returns registered tags in lexical order
func (e *JSONEncoder) Types() []string {
	types := make([]string, 0, len(e.decoders))

	for t := range e.decoders {
		types = append(types, t)
	}

	sort.Strings(types)

	return types
}

// Encode marshals incoming event to its json representation
func (e *JSONEncoder) Encode(evt Event) (*EncodedEvt, error) {
	tag := evt.EventType()

	if _, ok := e.decoders[tag]; !ok {
		return nil, fmt.Errorf("encode %q: %w", tag, ErrUnknownEventType)
	}

	var buf bytes.Buffer

	jsonEnc := json.NewEncoder(&buf)
	jsonEnc.SetEscapeHTML(false)

	if err := jsonEnc.Encode(evt); err != nil {
		return nil, fmt.Errorf("encode %q: %w", tag, err)
	}

	data := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))

	if e.maxPayload > 0 && len(data) > e.maxPayload {
		return nil, fmt.Errorf("encode %q: %w (%d bytes)", tag, ErrPayloadTooLarge, len(data))
	}

	return &EncodedEvt{
		Type: tag,
		Data: data,
	}, nil
}

// Decode unmarshals incoming event to its registered go type.
// Every failure is reported as *DecodeError, no default value is ever substituted
func (e *JSONEncoder) Decode(evt *EncodedEvt) (Event, error) {
	dec, ok := e.decoders[evt.Type]
	if !ok {
		return nil, &DecodeError{Type: evt.Type, Err: ErrUnknownEventType}
	}

	if e.maxPayload > 0 && len(evt.Data) > e.maxPayload {
		return nil, &DecodeError{
			Type: evt.Type,
			Err:  fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(evt.Data), e.maxPayload),
		}
	}

	trimmed := bytes.TrimSpace(evt.Data)

	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, &DecodeError{Type: evt.Type, Err: ErrEmptyPayload}
	}

	decoded, err := dec(trimmed)
	if err != nil {
		return nil, &DecodeError{Type: evt.Type, Err: err}
	}

	return decoded, nil
}
