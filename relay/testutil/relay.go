package testutil

import (
	"encoding/json"
	"testing"

	"github.com/andrekirst/eventstore/relay"
)

// TestEvent is a test event
type TestEvent struct {
	Foo string `json:"foo"`
	Bar string `json:"bar"`
}

// EventType returns the event tag
func (TestEvent) EventType() string { return "TestEvent" }

// Event is an instance of a test event
var Event = TestEvent{
	Foo: "foo",
	Bar: "bar",
}

// RelayPayload is a test payload
var RelayPayload = relay.Payload{
	ID:            "event-id",
	Sequence:      1,
	AggregateID:   "aggregate-id",
	AggregateType: "TestAggregate",
	Type:          "TestEvent",
	Data:          eventData(),
	Version:       1,
	OccurredOn:    "2024-10-12T20:07:22.436271+00",
}

func eventData() *string {
	data, err := json.Marshal(Event)
	if err != nil {
		panic(err)
	}

	s := string(data)

	return &s
}

// Payload creates a delivery body for testing
func Payload(t *testing.T, p relay.Payload) []byte {
	t.Helper()

	data, err := json.Marshal(relay.Req{
		Payload: p,
	})
	if err != nil {
		t.Fatal(err)
	}

	return data
}
