package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/andrekirst/eventstore"
	"github.com/andrekirst/eventstore/aggregate"
)

// ErrNoCreatedEvent is returned when the first event of a booking is not Created
var ErrNoCreatedEvent = errors.New("booking does not start with a created event")

// EventReader reads stored booking events
type EventReader interface {
	ReadFrom(ctx context.Context, aggregateID string, fromVersion int, opts ...eventstore.ReadOpt) ([]eventstore.Record, error)
	Decode(rec eventstore.Record) (eventstore.Event, error)
}

// NewOwnerLookup returns a function resolving the user owning a booking from
// its first event. Bookings without events yield aggregate.ErrAggregateNotFound
func NewOwnerLookup(r EventReader) func(ctx context.Context, bookingID string) (int, error) {
	return func(ctx context.Context, bookingID string) (int, error) {
		records, err := r.ReadFrom(ctx, bookingID, eventstore.Origin,
			eventstore.WithLimit(1),
			eventstore.WithAggregateType(AggregateType),
		)
		if err != nil {
			return 0, err
		}

		if len(records) == 0 {
			return 0, fmt.Errorf("%w: %s", aggregate.ErrAggregateNotFound, bookingID)
		}

		evt, err := r.Decode(records[0])
		if err != nil {
			return 0, fmt.Errorf("owner of %s: %w", bookingID, err)
		}

		created, ok := evt.(Created)
		if !ok {
			return 0, fmt.Errorf("%w: %s starts with %s", ErrNoCreatedEvent, bookingID, records[0].EventType)
		}

		return created.UserID, nil
	}
}
