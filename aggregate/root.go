package aggregate

import (
	"errors"
	"fmt"

	"github.com/andrekirst/eventstore"
)

var (
	// ErrAggregateRootNotRehydrated is returned when aggregate is not rehydrated (with Rehydrate method)
	ErrAggregateRootNotRehydrated = errors.New("aggregate needs to be rehydrated")

	// ErrAggregateNotFound is returned when an aggregate has no stored events
	ErrAggregateNotFound = errors.New("aggregate not found")
)

// Mutator changes aggregate state in response to one of its events.
// Derived aggregates implement it with a type switch over their event variants
type Mutator interface {
	Mutate(evt eventstore.Event)
}

// Root represents reusable DDD Event Sourcing friendly Aggregate
// base type which provides helpers for easy aggregate initialization and
// event handler execution
type Root[T comparable] struct {
	ID T

	version      int
	domainEvents []eventstore.Event

	mutator Mutator
}

// Rehydrate is used to construct and rehydrate the aggregate from events.
// New aggregates call it without events
func (a *Root[T]) Rehydrate(m Mutator, events ...eventstore.Event) {
	a.RehydrateFrom(m, eventstore.NoVersion, events...)
}

// RehydrateFrom continues rehydration from a restored snapshot at version
func (a *Root[T]) RehydrateFrom(m Mutator, version int, events ...eventstore.Event) {
	a.mutator = m
	a.version = version
	a.domainEvents = nil

	for _, evt := range events {
		m.Mutate(evt)

		a.version++
	}
}

// StringID returns the aggregate id as stored in the event store
func (a *Root[T]) StringID() string {
	return fmt.Sprint(a.ID)
}

// Version returns the version of the last stored event of the aggregate.
// It is the expected version when saving pending events
func (a *Root[T]) Version() int { return a.version }

// Events returns uncommitted domain events (produced by calling Apply)
func (a *Root[T]) Events() []eventstore.Event {
	if a.domainEvents == nil {
		return []eventstore.Event{}
	}

	return a.domainEvents
}

// Commit marks pending events as stored at version
func (a *Root[T]) Commit(version int) {
	a.version = version
	a.domainEvents = nil
}

// Apply mutates aggregate (calls Mutate of the derived aggregate) and
// appends event to internal slice, so that they can be retrieved with Events method
func (a *Root[T]) Apply(events ...eventstore.Event) {
	if a.mutator == nil {
		panic(ErrAggregateRootNotRehydrated)
	}

	for _, evt := range events {
		a.mutator.Mutate(evt)

		a.domainEvents = append(a.domainEvents, evt)
	}
}
