package eventstore

import "time"

// Event is implemented by every domain event variant. EventType returns
// the tag under which the event is encoded and stored
type Event interface {
	EventType() string
}

// EventToStore represents an event that is to be stored in the event store
type EventToStore struct {
	Event Event

	// Optional
	ID         string
	OccurredOn time.Time
}

// EncodedEvt represents an event that is already encoded by an Encoder.
// A nil Data is stored as a NULL payload
type EncodedEvt struct {
	Type string
	Data []byte

	// Optional
	ID         string
	OccurredOn time.Time
}

// Record is an immutable row of the event table
type Record struct {
	ID            string
	Sequence      uint64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       []byte
	Version       int
	Timestamp     time.Time
}

// Encoded returns the record in the form accepted by Encoder.Decode
func (r Record) Encoded() *EncodedEvt {
	return &EncodedEvt{
		Type:       r.EventType,
		Data:       r.Payload,
		ID:         r.ID,
		OccurredOn: r.Timestamp,
	}
}
