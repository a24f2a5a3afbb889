// Package projection folds stored events into read models and dispatches
// projection work from producers to a single background consumer
package projection

import (
	"context"
	"errors"
	"fmt"

	"github.com/andrekirst/eventstore"
	"github.com/rs/zerolog"
)

// ErrNoApplier is the cause of an ApplyError for events without a registered applier
var ErrNoApplier = errors.New("no applier registered")

// ApplyError describes an event that could not be folded. The watermark
// still advances past it so that a poisoned event is not reprocessed forever
type ApplyError struct {
	AggregateID string
	EventType   string
	Version     int
	Err         error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s v%d of %s: %v", e.EventType, e.Version, e.AggregateID, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Reader reads stored records
type Reader interface {
	ReadFrom(ctx context.Context, aggregateID string, fromVersion int, opts ...eventstore.ReadOpt) ([]eventstore.Record, error)
	ListAggregateIDs(ctx context.Context, aggregateType string) ([]string, error)
}

// Decoder decodes stored payloads
type Decoder interface {
	Decode(*eventstore.EncodedEvt) (eventstore.Event, error)
}

// Applier folds a decoded event into the read model
type Applier[M ReadModel] func(m M, rec eventstore.Record, evt eventstore.Event) error

// Result summarizes a Project call
type Result struct {
	AggregateID      string
	Applied          int
	Anomalies        []*ApplyError
	LastEventVersion int
}

// Option configures an Engine
type Option func(*options)

type options struct {
	logger  zerolog.Logger
	metrics *Metrics
}

// WithLogger sets the engine logger
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics records engine activity
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// New constructs a projection engine for one aggregate type.
// newModel must return a new zero value pointer of the read model
func New[M ReadModel](
	aggregateType string,
	reader Reader,
	dec Decoder,
	repo Repository[M],
	newModel func() M,
	opts ...Option) *Engine[M] {

	o := options{
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(&o)
	}

	return &Engine[M]{
		aggregateType: aggregateType,
		reader:        reader,
		dec:           dec,
		repo:          repo,
		newModel:      newModel,
		appliers:      make(map[string]Applier[M]),
		logger:        o.logger.With().Str("aggregate_type", aggregateType).Logger(),
		metrics:       o.metrics,
	}
}

// Engine projects the events of one aggregate type into read models of type M
type Engine[M ReadModel] struct {
	aggregateType string
	reader        Reader
	dec           Decoder
	repo          Repository[M]
	newModel      func() M
	appliers      map[string]Applier[M]
	logger        zerolog.Logger
	metrics       *Metrics
}

// Handle registers the applier for an event tag.
// Appliers must be registered before the engine is used
func (e *Engine[M]) Handle(eventType string, fn Applier[M]) {
	e.appliers[eventType] = fn
}

// On registers a typed applier for event variant E
func On[E eventstore.Event, M ReadModel](e *Engine[M], fn func(m M, rec eventstore.Record, evt E) error) {
	var zero E

	e.Handle(zero.EventType(), func(m M, rec eventstore.Record, evt eventstore.Event) error {
		typed, ok := evt.(E)
		if !ok {
			return fmt.Errorf("unexpected event %T for %s", evt, zero.EventType())
		}

		return fn(m, rec, typed)
	})
}

// AggregateType returns the aggregate type the engine projects
func (e *Engine[M]) AggregateType() string { return e.aggregateType }

// Load returns the current read model of the aggregate
func (e *Engine[M]) Load(ctx context.Context, aggregateID string) (M, bool, error) {
	return e.repo.Find(ctx, aggregateID)
}

// Project brings the read model of the aggregate up to date. Events newer
// than max(watermark, fromVersion-1) are folded in ascending version order and
// each one is persisted together with its version as the new watermark.
// Calling Project again without new events changes nothing
func (e *Engine[M]) Project(ctx context.Context, aggregateID string, fromVersion int) (Result, error) {
	res := Result{AggregateID: aggregateID}

	model, found, err := e.repo.Find(ctx, aggregateID)
	if err != nil {
		return res, fmt.Errorf("load read model %s: %w", aggregateID, err)
	}

	if !found {
		model = e.newModel()

		w := model.ProjectionWatermark()
		w.AggregateID = aggregateID
		w.LastEventVersion = eventstore.NoVersion
	}

	w := model.ProjectionWatermark()
	res.LastEventVersion = w.LastEventVersion

	after := max(w.LastEventVersion, fromVersion-1)

	records, err := e.reader.ReadFrom(
		ctx, aggregateID, after+1,
		eventstore.WithAggregateType(e.aggregateType),
	)
	if err != nil {
		return res, fmt.Errorf("read events of %s: %w", aggregateID, err)
	}

	created := !found

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		prev := w.LastEventVersion

		if anomaly := e.fold(model, rec); anomaly != nil {
			res.Anomalies = append(res.Anomalies, anomaly)
		} else {
			res.Applied++
		}

		w.LastEventVersion = rec.Version

		if err := e.repo.Save(ctx, model, prev, created); err != nil {
			return res, fmt.Errorf("save read model %s at v%d: %w", aggregateID, rec.Version, err)
		}

		created = false
		res.LastEventVersion = rec.Version
	}

	return res, nil
}

func (e *Engine[M]) fold(model M, rec eventstore.Record) (anomaly *ApplyError) {
	logger := e.logger.With().
		Str("aggregate_id", rec.AggregateID).
		Str("event_type", rec.EventType).
		Int("version", rec.Version).
		Logger()

	applier, ok := e.appliers[rec.EventType]
	if !ok {
		logger.Warn().Msg("no applier registered, skipping event")
		e.metrics.incAnomaly(e.aggregateType, rec.EventType, "no_applier")

		return e.applyErr(rec, ErrNoApplier)
	}

	evt, err := e.dec.Decode(rec.Encoded())
	if err != nil {
		logger.Warn().Err(err).Msg("could not decode event, skipping")
		e.metrics.incAnomaly(e.aggregateType, rec.EventType, "decode")

		return e.applyErr(rec, err)
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("applier panicked, skipping event")
			e.metrics.incAnomaly(e.aggregateType, rec.EventType, "panic")

			anomaly = e.applyErr(rec, fmt.Errorf("applier panic: %v", r))
		}
	}()

	if err := applier(model, rec, evt); err != nil {
		logger.Error().Err(err).Msg("applier failed, skipping event")
		e.metrics.incAnomaly(e.aggregateType, rec.EventType, "apply")

		return e.applyErr(rec, err)
	}

	e.metrics.incApplied(e.aggregateType)

	return nil
}

func (e *Engine[M]) applyErr(rec eventstore.Record, err error) *ApplyError {
	return &ApplyError{
		AggregateID: rec.AggregateID,
		EventType:   rec.EventType,
		Version:     rec.Version,
		Err:         err,
	}
}

// Rebuild discards the read model of one aggregate and replays it from the origin
func (e *Engine[M]) Rebuild(ctx context.Context, aggregateID string) (Result, error) {
	if err := e.repo.Delete(ctx, aggregateID); err != nil {
		return Result{AggregateID: aggregateID}, fmt.Errorf("delete read model %s: %w", aggregateID, err)
	}

	return e.Project(ctx, aggregateID, eventstore.Origin)
}

// RebuildFailure is an aggregate that could not be rebuilt
type RebuildFailure struct {
	AggregateID string
	Err         error
}

// RebuildReport summarizes a RebuildAll sweep
type RebuildReport struct {
	AggregateType string
	Total         int
	Rebuilt       int
	Anomalies     int
	Failures      []RebuildFailure
}

// RebuildAll discards every read model of the engine's aggregate type and
// replays each aggregate in turn. A failing aggregate does not stop the
// sweep; all failures are returned joined once the sweep completes
func (e *Engine[M]) RebuildAll(ctx context.Context) (RebuildReport, error) {
	report := RebuildReport{AggregateType: e.aggregateType}

	if err := e.repo.DeleteAll(ctx); err != nil {
		return report, fmt.Errorf("delete read models: %w", err)
	}

	ids, err := e.reader.ListAggregateIDs(ctx, e.aggregateType)
	if err != nil {
		return report, fmt.Errorf("list aggregates: %w", err)
	}

	report.Total = len(ids)

	e.logger.Info().Int("aggregates", len(ids)).Msg("rebuilding read models")

	var errs []error

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)

			break
		}

		res, err := e.Project(ctx, id, eventstore.Origin)
		report.Anomalies += len(res.Anomalies)

		if err != nil {
			e.logger.Error().Err(err).Str("aggregate_id", id).Msg("rebuild failed, continuing with next aggregate")
			e.metrics.incRebuildFailure(e.aggregateType)

			report.Failures = append(report.Failures, RebuildFailure{AggregateID: id, Err: err})
			errs = append(errs, fmt.Errorf("%s: %w", id, err))

			continue
		}

		report.Rebuilt++
	}

	e.logger.Info().
		Int("rebuilt", report.Rebuilt).
		Int("failed", len(report.Failures)).
		Int("anomalies", report.Anomalies).
		Msg("rebuild finished")

	return report, errors.Join(errs...)
}
