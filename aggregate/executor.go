package aggregate

import (
	"context"
	"errors"
	"fmt"

	"github.com/andrekirst/eventstore"
)

// ErrMissingID is returned when a command targets an aggregate without id
var ErrMissingID = errors.New("aggregate id is empty")

// Command changes a loaded aggregate by applying events to it
type Command[T Rooter] func(ctx context.Context, a T) error

// Executor runs commands against freshly loaded aggregates and saves what
// they applied. A save that loses an optimistic concurrency race is retried
// on a reloaded aggregate, so the command sees the winner's events
type Executor[T Rooter] struct {
	store    *Store[T]
	load     func(id string) T
	attempts int
}

// ExecutorOption configures an Executor
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	attempts int
}

// WithConflictRetries sets how many times a command is rerun after a
// concurrency conflict. Zero disables retries
func WithConflictRetries(n int) ExecutorOption {
	return func(cfg *executorConfig) {
		cfg.attempts = n + 1
	}
}

// NewExecutor creates an executor. load returns an empty, rehydrated aggregate
// for an id, e.g. booking.Load
func NewExecutor[T Rooter](store *Store[T], load func(id string) T, opts ...ExecutorOption) *Executor[T] {
	cfg := executorConfig{attempts: 3}

	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.attempts < 1 {
		cfg.attempts = 1
	}

	return &Executor[T]{
		store:    store,
		load:     load,
		attempts: cfg.attempts,
	}
}

// Run loads the aggregate, applies cmd and saves it. The saved aggregate is
// returned; on error the zero value is returned and nothing is persisted
func (e *Executor[T]) Run(ctx context.Context, id string, cmd Command[T]) (T, error) {
	var zero T

	for attempt := 1; ; attempt++ {
		a := e.load(id)

		err := Exec(ctx, e.store, a, func(ctx context.Context) error {
			return cmd(ctx, a)
		})
		if err == nil {
			return a, nil
		}

		if !errors.Is(err, eventstore.ErrConcurrencyConflict) || attempt >= e.attempts {
			return zero, err
		}

		e.store.cfg.logger.Debug().
			Err(err).
			Str("aggregate_id", id).
			Int("attempt", attempt).
			Msg("retrying command on reloaded aggregate")
	}
}

// Exec loads a by its id, runs f and saves the events f applied.
// The aggregate id must be set on a before calling Exec
func Exec[T Rooter](ctx context.Context, store *Store[T], a T, f func(ctx context.Context) error) error {
	id := a.StringID()
	if id == "" {
		return ErrMissingID
	}

	if err := store.ByID(ctx, id, a); err != nil {
		return err
	}

	if err := f(ctx); err != nil {
		return err
	}

	if err := store.Save(ctx, a); err != nil {
		return fmt.Errorf("save %s: %w", id, err)
	}

	return nil
}
