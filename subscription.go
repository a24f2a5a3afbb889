package eventstore

import (
	"context"
	"fmt"
	"io"
	"time"
)

// SubAllConfig (configure using SubAllOpt)
type SubAllConfig struct {
	offset       uint64
	batchSize    int
	pollInterval time.Duration
}

// SubAllOpt represents subscribe to all events option
type SubAllOpt func(SubAllConfig) SubAllConfig

// WithOffset is a subscription option that indicates the global sequence
// from which to start reading events (exclusive)
func WithOffset(offset uint64) SubAllOpt {
	return func(cfg SubAllConfig) SubAllConfig {
		cfg.offset = offset

		return cfg
	}
}

// WithBatchSize is a subscription option that specifies the read
// batch size (limit) when reading events from the event store
func WithBatchSize(size int) SubAllOpt {
	return func(cfg SubAllConfig) SubAllConfig {
		cfg.batchSize = size

		return cfg
	}
}

// WithPollInterval is a subscription option that specifies the polling
// interval of the underlying database
func WithPollInterval(d time.Duration) SubAllOpt {
	return func(cfg SubAllConfig) SubAllConfig {
		cfg.pollInterval = d

		return cfg
	}
}

// Subscription streams every record of the event table in global sequence order
type Subscription struct {
	// Err chan will produce any errors that might occur while reading events
	// If Err produces io.EOF error, that indicates that we have caught up
	// with the event store and that there are no more events to read after which
	// the subscription itself will continue polling the event store for new events
	// each time we empty the Err channel. This means that reading from Err (in
	// case of io.EOF) can be strategically used in order to achieve backpressure
	Err     chan error
	Records chan Record

	close chan struct{}
}

// Close closes the subscription and halts the polling of the database
func (s Subscription) Close() {
	if s.close == nil {
		return
	}

	select {
	case s.close <- struct{}{}:
	default:
	}
}

// finish replaces a pending io.EOF with the terminal error so that
// the goroutine never blocks on a client that stopped reading
func (s Subscription) finish(err error) {
	select {
	case <-s.Err:
	default:
	}

	select {
	case s.Err <- err:
	default:
	}
}

// SubscribeAll will create a subscription which can be used to stream all records in an
// orderly fashion. Records are not decoded, consumers decide what to do with bad payloads
func (es *EventStore) SubscribeAll(ctx context.Context, opts ...SubAllOpt) (Subscription, error) {
	cfg := SubAllConfig{
		offset:       0,
		batchSize:    100,
		pollInterval: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.batchSize < 1 {
		return Subscription{}, fmt.Errorf("batch size should be at least 1")
	}

	sub := Subscription{
		Err:     make(chan error, 1),
		Records: make(chan Record, cfg.batchSize),
		close:   make(chan struct{}, 1),
	}

	go func() {
		var done error

		for {
			select {
			case <-sub.close:
				sub.finish(ErrSubscriptionClosedByClient)

				return
			case <-ctx.Done():
				sub.finish(ctx.Err())

				return
			case <-time.After(cfg.pollInterval):
				// Make sure client reads all buffered records
				if done != nil {
					if len(sub.Records) != 0 {
						break
					}

					sub.finish(done)

					return
				}

				var evts []gormEvent

				if err := es.db.
					WithContext(ctx).
					Where("sequence > ?", cfg.offset).
					Order("sequence asc").
					Limit(cfg.batchSize).
					Find(&evts).Error; err != nil {
					done = err

					break
				}

				if len(evts) == 0 {
					select {
					case sub.Err <- io.EOF:
					case <-sub.close:
						sub.finish(ErrSubscriptionClosedByClient)

						return
					case <-ctx.Done():
						sub.finish(ctx.Err())

						return
					}

					break
				}

				cfg.offset = evts[len(evts)-1].Sequence

				for i := range evts {
					select {
					case sub.Records <- evts[i].record():
					case <-sub.close:
						sub.finish(ErrSubscriptionClosedByClient)

						return
					case <-ctx.Done():
						sub.finish(ctx.Err())

						return
					}
				}
			}
		}
	}()

	return sub, nil
}
