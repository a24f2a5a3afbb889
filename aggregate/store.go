package aggregate

import (
	"context"
	"errors"
	"fmt"

	"github.com/andrekirst/eventstore"
	"github.com/rs/zerolog"
)

// Rooter is implemented by aggregates embedding Root and providing Mutate
type Rooter interface {
	Mutator

	StringID() string
	AggregateType() string
	Version() int
	Events() []eventstore.Event
	Commit(version int)
	RehydrateFrom(m Mutator, version int, events ...eventstore.Event)
}

// Snapshotter is implemented by aggregates whose state can be saved as a snapshot
type Snapshotter interface {
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// EventStore represents event store
type EventStore interface {
	Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion int, events []eventstore.EventToStore) (int, error)
	ReadFrom(ctx context.Context, aggregateID string, fromVersion int, opts ...eventstore.ReadOpt) ([]eventstore.Record, error)
	Decode(rec eventstore.Record) (eventstore.Event, error)
}

// SnapshotStore stores the latest snapshot per aggregate
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, s eventstore.Snapshot) error
	LoadSnapshot(ctx context.Context, aggregateID string) (*eventstore.Snapshot, error)
}

// Publisher receives saved events, typically the projection dispatcher
type Publisher interface {
	EnqueueEvent(evt eventstore.Event, aggregateID, aggregateType string) error
}

// StoreOption configures Store
type StoreOption func(*storeConfig)

type storeConfig struct {
	publisher     Publisher
	snapshots     SnapshotStore
	snapshotEvery int
	logger        zerolog.Logger
}

// WithPublisher enqueues every saved event on p
func WithPublisher(p Publisher) StoreOption {
	return func(cfg *storeConfig) {
		cfg.publisher = p
	}
}

// WithSnapshots takes a snapshot every n events for aggregates implementing Snapshotter
func WithSnapshots(s SnapshotStore, every int) StoreOption {
	return func(cfg *storeConfig) {
		cfg.snapshots = s
		cfg.snapshotEvery = every
	}
}

// WithStoreLogger sets the logger used to report publish and snapshot failures
func WithStoreLogger(l zerolog.Logger) StoreOption {
	return func(cfg *storeConfig) {
		cfg.logger = l
	}
}

// NewStore constructs new event sourced aggregate store
func NewStore[T Rooter](eventStore EventStore, opts ...StoreOption) *Store[T] {
	cfg := storeConfig{
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return &Store[T]{
		eventStore: eventStore,
		cfg:        cfg,
	}
}

// Store represents event sourced aggregate store
type Store[T Rooter] struct {
	eventStore EventStore
	cfg        storeConfig
}

// Save saves aggregate events to the event store using the aggregate
// version as the expected version. Once stored, the events are handed to
// the publisher; a publish failure is logged since the events are durable
func (s *Store[T]) Save(ctx context.Context, aggregate T) error {
	pending := aggregate.Events()

	if len(pending) == 0 {
		return nil
	}

	events := make([]eventstore.EventToStore, len(pending))

	for i, evt := range pending {
		events[i] = eventstore.EventToStore{Event: evt}

		if st, ok := evt.(Stamped); ok {
			events[i].ID, events[i].OccurredOn = st.Stamp()
		}
	}

	prev := aggregate.Version()

	version, err := s.eventStore.Append(
		ctx,
		aggregate.StringID(),
		aggregate.AggregateType(),
		prev,
		events,
	)
	if err != nil {
		return err
	}

	aggregate.Commit(version)

	s.snapshot(ctx, aggregate, prev, version)
	s.publish(aggregate, pending)

	return nil
}

func (s *Store[T]) snapshot(ctx context.Context, aggregate T, prev, version int) {
	if s.cfg.snapshots == nil || s.cfg.snapshotEvery < 1 {
		return
	}

	sn, ok := any(aggregate).(Snapshotter)
	if !ok {
		return
	}

	// versions start at 0, so version+1 events are stored
	if (prev+1)/s.cfg.snapshotEvery == (version+1)/s.cfg.snapshotEvery {
		return
	}

	logger := s.cfg.logger.With().
		Str("aggregate_id", aggregate.StringID()).
		Int("version", version).
		Logger()

	data, err := sn.Snapshot()
	if err != nil {
		logger.Warn().Err(err).Msg("could not take snapshot")

		return
	}

	err = s.cfg.snapshots.SaveSnapshot(ctx, eventstore.Snapshot{
		AggregateID:   aggregate.StringID(),
		AggregateType: aggregate.AggregateType(),
		Version:       version,
		Data:          data,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("could not save snapshot")
	}
}

func (s *Store[T]) publish(aggregate T, events []eventstore.Event) {
	if s.cfg.publisher == nil {
		return
	}

	for _, evt := range events {
		err := s.cfg.publisher.EnqueueEvent(evt, aggregate.StringID(), aggregate.AggregateType())
		if err != nil {
			s.cfg.logger.Warn().
				Err(err).
				Str("aggregate_id", aggregate.StringID()).
				Str("event_type", evt.EventType()).
				Msg("could not enqueue saved event for projection")
		}
	}
}

// ByID rehydrates root from its snapshot (when available) and the events stored after it.
// ErrAggregateNotFound is returned for aggregates without events
func (s *Store[T]) ByID(ctx context.Context, id string, root T) error {
	version := eventstore.NoVersion

	if restored, err := s.restore(ctx, id, root); err != nil {
		return err
	} else if restored != nil {
		version = restored.Version
	}

	records, err := s.eventStore.ReadFrom(ctx, id, version+1, eventstore.WithAggregateType(root.AggregateType()))
	if err != nil {
		return err
	}

	if len(records) == 0 && version == eventstore.NoVersion {
		return fmt.Errorf("%w: %s", ErrAggregateNotFound, id)
	}

	events := make([]eventstore.Event, len(records))

	for i, rec := range records {
		events[i], err = s.eventStore.Decode(rec)
		if err != nil {
			return fmt.Errorf("rehydrate %s v%d: %w", id, rec.Version, err)
		}
	}

	root.RehydrateFrom(root, version, events...)

	return nil
}

func (s *Store[T]) restore(ctx context.Context, id string, root T) (*eventstore.Snapshot, error) {
	sn, ok := any(root).(Snapshotter)
	if !ok || s.cfg.snapshots == nil {
		return nil, nil
	}

	snap, err := s.cfg.snapshots.LoadSnapshot(ctx, id)
	if errors.Is(err, eventstore.ErrSnapshotNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	if err := sn.Restore(snap.Data); err != nil {
		s.cfg.logger.Warn().Err(err).Str("aggregate_id", id).Msg("ignoring unreadable snapshot")

		return nil, nil
	}

	return snap, nil
}
