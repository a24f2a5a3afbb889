// Package relay turns change data capture deliveries of the event table
// into projection work. Deliveries follow the Ambar data destination format
// (https://docs.ambar.cloud/#Data%20Destinations)
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/andrekirst/eventstore"
	"github.com/relvacode/iso8601"
	"github.com/rs/zerolog"
)

var (
	// ErrRetry asks the sender to redeliver the record later
	ErrRetry = errors.New("retry")

	// ErrKeepGoing asks the sender to drop the record and move on
	ErrKeepGoing = errors.New("keep it going")
)

// SuccessResp is the success response
var SuccessResp = `{
  "result": {
    "success": {}
  }
}`

// RetryResp is the retry response
var RetryResp = `{
  "result": {
    "error": {
      "policy": "must_retry",
      "class": "must retry it",
      "description": "must retry it"
    }
  }
}`

// KeepGoingResp is the keep going response
var KeepGoingResp = `{
  "result": {
    "error": {
      "policy": "keep_going",
      "class": "keep it going",
      "description": "keep it going"
    }
  }
}`

// Decoder validates stored payloads
type Decoder interface {
	Decode(*eventstore.EncodedEvt) (eventstore.Event, error)
}

// Sink receives relayed records, typically the projection dispatcher
type Sink interface {
	EnqueueRecords(records ...eventstore.Record) error
}

// Req is a single delivery
type Req struct {
	Payload Payload `json:"payload"`
}

// Payload is one row of the event table
type Payload struct {
	ID            string  `json:"id"`
	Sequence      uint64  `json:"sequence"`
	AggregateID   string  `json:"aggregate_id"`
	AggregateType string  `json:"aggregate_type"`
	Type          string  `json:"type"`
	Data          *string `json:"data"`
	Version       int     `json:"version"`
	OccurredOn    string  `json:"occurred_on"`
}

// Option configures Relay
type Option func(*Relay)

// WithAggregateTypes only relays records of the given aggregate types
func WithAggregateTypes(types ...string) Option {
	return func(r *Relay) {
		r.types = types
	}
}

// WithLogger sets the relay logger
func WithLogger(l zerolog.Logger) Option {
	return func(r *Relay) {
		r.logger = l
	}
}

// New constructs a new relay
func New(dec Decoder, sink Sink, opts ...Option) *Relay {
	r := &Relay{
		dec:    dec,
		sink:   sink,
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Relay forwards delivered records to a sink
type Relay struct {
	dec    Decoder
	sink   Sink
	types  []string
	logger zerolog.Logger
}

// Record parses a delivery into an event table record
func Record(data []byte) (eventstore.Record, error) {
	var req Req

	if err := json.Unmarshal(data, &req); err != nil {
		return eventstore.Record{}, err
	}

	p := req.Payload

	if p.AggregateID == "" || p.Type == "" {
		return eventstore.Record{}, fmt.Errorf("aggregate id and type must be provided")
	}

	occurredOn, err := iso8601.ParseString(p.OccurredOn)
	if err != nil {
		return eventstore.Record{}, err
	}

	rec := eventstore.Record{
		ID:            p.ID,
		Sequence:      p.Sequence,
		AggregateID:   p.AggregateID,
		AggregateType: p.AggregateType,
		EventType:     p.Type,
		Version:       p.Version,
		Timestamp:     occurredOn.UTC(),
	}

	if p.Data != nil {
		rec.Payload = []byte(*p.Data)
	}

	return rec, nil
}

// Relay validates a delivery and enqueues it. Malformed deliveries and a
// closed sink yield ErrRetry, undecodable payloads yield ErrKeepGoing and
// events of unknown types or aggregate types are skipped
func (r *Relay) Relay(_ context.Context, data []byte) error {
	rec, err := Record(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRetry, err)
	}

	logger := r.logger.With().
		Str("aggregate_id", rec.AggregateID).
		Str("aggregate_type", rec.AggregateType).
		Str("event_type", rec.EventType).
		Int("version", rec.Version).
		Str("event_id", rec.ID).
		Logger()

	if len(r.types) > 0 && !slices.Contains(r.types, rec.AggregateType) {
		logger.Debug().Msg("skipping record of foreign aggregate type")

		return nil
	}

	if _, err := r.dec.Decode(rec.Encoded()); err != nil {
		if errors.Is(err, eventstore.ErrUnknownEventType) {
			logger.Debug().Msg("skipping record of unknown event type")

			return nil
		}

		logger.Warn().Err(err).Msg("dropping undecodable record")

		return fmt.Errorf("%w: %v", ErrKeepGoing, err)
	}

	if err := r.sink.EnqueueRecords(rec); err != nil {
		return fmt.Errorf("%w: %v", ErrRetry, err)
	}

	return nil
}
