package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/andrekirst/eventstore"
	"github.com/andrekirst/eventstore/aggregate"
	"github.com/andrekirst/eventstore/booking"
	"github.com/andrekirst/eventstore/history"
	"github.com/andrekirst/eventstore/internal/config"
	"github.com/andrekirst/eventstore/projection"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// app holds the wired components shared by all commands
type app struct {
	cfg    config.Config
	logger zerolog.Logger

	enc *eventstore.JSONEncoder
	es  *eventstore.EventStore

	registry *prometheus.Registry
	metrics  *projection.Metrics

	bookings       *projection.Engine[*booking.View]
	accommodations *projection.Engine[*booking.AccommodationView]
	dispatcher     *projection.Dispatcher
	history        *history.Service
}

func newApp(cfg config.Config, logger zerolog.Logger) (*app, error) {
	enc := eventstore.NewJSONEncoder(eventstore.WithMaxPayloadBytes(cfg.Codec.MaxPayloadBytes))
	booking.RegisterEvents(enc)

	opts := []eventstore.Option{eventstore.WithLogger(logger)}

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		opts = append(opts, eventstore.WithPostgresDB(cfg.Database.PostgresDSN))
	default:
		opts = append(opts, eventstore.WithSQLiteDB(cfg.Database.SQLitePath))
	}

	es, err := eventstore.New(enc, opts...)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		enc:      enc,
		es:       es,
		registry: prometheus.NewRegistry(),
	}

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.metrics = projection.NewMetrics(a.registry)

	if err := a.wireProjections(); err != nil {
		_ = es.Close()

		return nil, err
	}

	a.history = history.New(es, enc, booking.HistoryFormatters(),
		history.WithAggregateType(booking.AggregateType),
		history.WithMaxEvents(cfg.History.MaxEvents),
		history.WithLogger(logger),
	)

	return a, nil
}

func (a *app) wireProjections() error {
	engineOpts := []projection.Option{
		projection.WithLogger(a.logger),
		projection.WithMetrics(a.metrics),
	}

	views, err := projection.NewGormRepository(a.es.DB(), booking.NewView)
	if err != nil {
		return fmt.Errorf("booking read model: %w", err)
	}

	accommodationViews, err := projection.NewGormRepository(a.es.DB(), booking.NewAccommodationView)
	if err != nil {
		return fmt.Errorf("sleeping accommodation read model: %w", err)
	}

	a.bookings = booking.NewEngine(a.es, a.enc, views, engineOpts...)
	a.accommodations = booking.NewAccommodationEngine(a.es, a.enc, accommodationViews, engineOpts...)

	a.dispatcher = projection.NewDispatcher(
		projection.WithDispatcherLogger(a.logger),
		projection.WithDispatcherMetrics(a.metrics),
		projection.WithRetryPolicy(projection.RetryPolicy{
			MaxRetries:   a.cfg.Projection.MaxRetries,
			InitialDelay: a.cfg.Projection.InitialDelay,
			MaxDelay:     a.cfg.Projection.MaxDelay,
			Multiplier:   a.cfg.Projection.Multiplier,
		}),
		projection.WithFailureCallback(func(item projection.Item, err error) {
			a.logger.Error().
				Err(err).
				Str("aggregate_id", item.AggregateID).
				Str("aggregate_type", item.AggregateType).
				Msgf("read model is behind, run: bookingd rebuild %s %s", item.AggregateType, item.AggregateID)
		}),
	)

	a.dispatcher.Register(booking.AggregateType, a.bookings)
	a.dispatcher.Register(booking.AccommodationAggregateType, a.accommodations)

	return nil
}

// rebuilder is implemented by every projection engine
type rebuilder interface {
	Rebuild(ctx context.Context, aggregateID string) (projection.Result, error)
	RebuildAll(ctx context.Context) (projection.RebuildReport, error)
}

func (a *app) engine(aggregateType string) (rebuilder, error) {
	switch aggregateType {
	case booking.AggregateType:
		return a.bookings, nil
	case booking.AccommodationAggregateType:
		return a.accommodations, nil
	default:
		return nil, fmt.Errorf("%w: %s", projection.ErrNoProjector, aggregateType)
	}
}

// storeOptions publishes saved events on the dispatcher, so a write is only
// projected while the dispatcher runs (see withDispatcher)
func (a *app) storeOptions() []aggregate.StoreOption {
	opts := []aggregate.StoreOption{
		aggregate.WithStoreLogger(a.logger),
		aggregate.WithPublisher(a.dispatcher),
	}

	if a.cfg.Snapshot.Every > 0 {
		opts = append(opts, aggregate.WithSnapshots(a.es, a.cfg.Snapshot.Every))
	}

	return opts
}

// withDispatcher runs fn while the dispatcher consumes the queue and waits
// until everything fn enqueued is projected
func (a *app) withDispatcher(ctx context.Context, fn func(ctx context.Context) error) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- a.dispatcher.Run(runCtx) }()

	err := fn(ctx)

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, a.cfg.Shutdown.Timeout)
	defer cancelShutdown()

	if serr := a.dispatcher.Shutdown(shutdownCtx); serr != nil {
		cancel()
		err = errors.Join(err, fmt.Errorf("drain projection queue: %w", serr))
	}

	return errors.Join(err, <-done)
}

func (a *app) Close() error {
	return a.es.Close()
}
