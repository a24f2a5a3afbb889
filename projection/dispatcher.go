package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andrekirst/eventstore"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

var (
	// ErrQueueClosed is returned by Enqueue once Shutdown was called
	ErrQueueClosed = errors.New("dispatch queue is shut down")

	// ErrNoProjector indicates that no projector is registered for an aggregate type
	ErrNoProjector = errors.New("no projector registered")
)

// Projector brings the read model of an aggregate up to date. *Engine implements it
type Projector interface {
	Project(ctx context.Context, aggregateID string, fromVersion int) (Result, error)
}

// Item is a unit of projection work
type Item struct {
	AggregateID   string
	AggregateType string
	EventType     string
	Version       int
}

// RetryPolicy configures the exponential backoff applied to failing items
type RetryPolicy struct {
	MaxRetries   uint64
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy retries three times starting at one second
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:   3,
	InitialDelay: time.Second,
	MaxDelay:     30 * time.Second,
	Multiplier:   2.0,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the dispatcher logger
func WithDispatcherLogger(l zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithDispatcherMetrics records queue depth and failures
func WithDispatcherMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy
func WithRetryPolicy(p RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) {
		d.retry = p
	}
}

// WithFailureCallback is invoked for every item that still fails after all
// retries. Such items are only recoverable by rebuilding the aggregate
func WithFailureCallback(fn func(Item, error)) DispatcherOption {
	return func(d *Dispatcher) {
		d.onFailure = fn
	}
}

// NewDispatcher constructs an unbounded in-memory dispatch queue
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		projectors: make(map[string]Projector),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		retry:      DefaultRetryPolicy,
		logger:     zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Dispatcher is a multi producer, single consumer FIFO queue feeding projectors.
// Projection for an aggregate type never runs concurrently with itself
type Dispatcher struct {
	mu         sync.Mutex
	items      []Item
	closed     bool
	running    bool
	projectors map[string]Projector

	notify chan struct{}
	done   chan struct{}

	retry     RetryPolicy
	onFailure func(Item, error)
	logger    zerolog.Logger
	metrics   *Metrics
}

// Register routes items of the aggregate type to p
func (d *Dispatcher) Register(aggregateType string, p Projector) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.projectors[aggregateType] = p
}

// Enqueue adds an item to the queue and returns immediately
func (d *Dispatcher) Enqueue(item Item) error {
	d.mu.Lock()

	if d.closed {
		d.mu.Unlock()

		return ErrQueueClosed
	}

	d.items = append(d.items, item)
	depth := len(d.items)

	d.mu.Unlock()

	d.metrics.setQueueDepth(depth)
	d.wake()

	return nil
}

// EnqueueEvent enqueues projection work for an event of the aggregate
func (d *Dispatcher) EnqueueEvent(evt eventstore.Event, aggregateID, aggregateType string) error {
	return d.Enqueue(Item{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     evt.EventType(),
		Version:       eventstore.NoVersion,
	})
}

// EnqueueRecords enqueues one item per record
func (d *Dispatcher) EnqueueRecords(records ...eventstore.Record) error {
	for _, rec := range records {
		err := d.Enqueue(Item{
			AggregateID:   rec.AggregateID,
			AggregateType: rec.AggregateType,
			EventType:     rec.EventType,
			Version:       rec.Version,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// Len returns the number of queued items
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.items)
}

func (d *Dispatcher) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Run is the single consumer loop. It returns nil once Shutdown was called
// and the queue is drained, or ctx.Err() if ctx is cancelled first
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()

	if d.running {
		d.mu.Unlock()

		return fmt.Errorf("dispatcher is already running")
	}

	d.running = true

	d.mu.Unlock()

	defer close(d.done)

	for {
		item, ok, err := d.next(ctx)
		if err != nil {
			return err
		}

		if !ok {
			d.logger.Info().Msg("dispatch queue drained")

			return nil
		}

		d.dispatch(ctx, item)
	}
}

func (d *Dispatcher) next(ctx context.Context) (Item, bool, error) {
	for {
		d.mu.Lock()

		if len(d.items) > 0 {
			item := d.items[0]
			d.items[0] = Item{}
			d.items = d.items[1:]
			depth := len(d.items)

			d.mu.Unlock()

			d.metrics.setQueueDepth(depth)

			return item, true, nil
		}

		closed := d.closed

		d.mu.Unlock()

		if closed {
			return Item{}, false, nil
		}

		select {
		case <-d.notify:
		case <-ctx.Done():
			return Item{}, false, ctx.Err()
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, item Item) {
	logger := d.logger.With().
		Str("aggregate_id", item.AggregateID).
		Str("aggregate_type", item.AggregateType).
		Str("event_type", item.EventType).
		Int("version", item.Version).
		Logger()

	start := time.Now()

	err := d.project(ctx, logger, item)

	d.metrics.observeDispatch(item.AggregateType, time.Since(start).Seconds())

	if err == nil {
		return
	}

	logger.Error().Err(err).Msg("projection failed, read model needs a rebuild")
	d.metrics.incDispatchFailure(item.AggregateType)

	if d.onFailure != nil {
		d.onFailure(item, err)
	}
}

func (d *Dispatcher) project(ctx context.Context, logger zerolog.Logger, item Item) error {
	d.mu.Lock()
	p, ok := d.projectors[item.AggregateType]
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w for %q", ErrNoProjector, item.AggregateType)
	}

	op := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("projector panic: %v", r)
			}
		}()

		_, err = p.Project(ctx, item.AggregateID, eventstore.Origin)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}

		return err
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn().Err(err).Dur("retry_in", wait).Msg("projection failed, retrying")
	}

	return backoff.RetryNotify(op, d.retry.backOff(ctx), notify)
}

// Shutdown stops accepting new items and waits until Run drained the queue
// or ctx expires. Shutdown before Run was started waits for Run as well
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.wake()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
