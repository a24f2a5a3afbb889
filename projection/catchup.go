package projection

import (
	"context"
	"errors"
	"io"

	"github.com/andrekirst/eventstore"
	"github.com/rs/zerolog"
)

// Streamer streams every stored record. *eventstore.EventStore implements it
type Streamer interface {
	SubscribeAll(ctx context.Context, opts ...eventstore.SubAllOpt) (eventstore.Subscription, error)
}

// Enqueuer accepts projection work for records. *Dispatcher implements it
type Enqueuer interface {
	EnqueueRecords(records ...eventstore.Record) error
}

// CatchUp feeds every stored record, and then every newly stored one, to q
// until ctx is done or q is shut down. It recovers projection work that an
// in-memory queue lost in a crash; projecting an up to date aggregate again
// changes nothing
func CatchUp(ctx context.Context, s Streamer, q Enqueuer, logger zerolog.Logger, opts ...eventstore.SubAllOpt) error {
	sub, err := s.SubscribeAll(ctx, opts...)
	if err != nil {
		return err
	}

	defer sub.Close()

	var (
		fed      int
		caughtUp bool
	)

	for {
		select {
		case rec := <-sub.Records:
			err := q.EnqueueRecords(rec)
			if errors.Is(err, ErrQueueClosed) {
				return nil
			}

			if err != nil {
				return err
			}

			fed++

		case err := <-sub.Err:
			switch {
			case errors.Is(err, io.EOF):
				if !caughtUp {
					logger.Info().Int("records", fed).Msg("projection catch-up reached the end of the event store")

					caughtUp = true
				}
			case errors.Is(err, eventstore.ErrSubscriptionClosedByClient),
				errors.Is(err, context.Canceled),
				errors.Is(err, context.DeadlineExceeded):
				return nil
			default:
				return err
			}

		case <-ctx.Done():
			return nil
		}
	}
}
