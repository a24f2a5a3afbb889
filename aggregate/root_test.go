package aggregate_test

import (
	"testing"

	"github.com/andrekirst/eventstore"
	"github.com/andrekirst/eventstore/aggregate"
	"github.com/stretchr/testify/assert"
)

type created struct {
	Name  string
	Email string
}

type nameUpdated struct {
	NewName string
}

func (created) EventType() string     { return "created" }
func (nameUpdated) EventType() string { return "nameUpdated" }

type testAggregate struct {
	aggregate.Root[string]

	name  string
	email string
}

func (ta *testAggregate) Mutate(evt eventstore.Event) {
	switch e := evt.(type) {
	case created:
		ta.name = e.Name
		ta.email = e.Email
	case nameUpdated:
		ta.name = e.NewName
	}
}

func TestApplyEventShouldMutateAggregateAndAddEvent(t *testing.T) {
	var a testAggregate

	a.Rehydrate(&a)

	a.Apply(created{"john", "john@email.com"})
	a.Apply(nameUpdated{"max"})

	assert.Len(t, a.Events(), 2)
	assert.Equal(t, "max", a.name)
	assert.Equal(t, "john@email.com", a.email)
	assert.Equal(t, eventstore.NoVersion, a.Version())
}

func TestShouldInitAggregate(t *testing.T) {
	var a testAggregate

	a.Rehydrate(
		&a,
		created{"john", "john@email.com"},
		nameUpdated{"max"},
	)

	assert.Equal(t, 1, a.Version())
	assert.Empty(t, a.Events())

	a.Apply(nameUpdated{"jane"})

	assert.Equal(t, "jane", a.name)
	assert.Equal(t, "john@email.com", a.email)
	assert.Equal(t, 1, a.Version())
}

func TestRehydrateFromContinuesAtVersion(t *testing.T) {
	var a testAggregate

	a.RehydrateFrom(&a, 4, nameUpdated{"max"})

	assert.Equal(t, 5, a.Version())
	assert.Equal(t, "max", a.name)
}

func TestCommitClearsPendingEvents(t *testing.T) {
	var a testAggregate

	a.Rehydrate(&a)
	a.Apply(created{"john", "john@email.com"})

	a.Commit(0)

	assert.Empty(t, a.Events())
	assert.Equal(t, 0, a.Version())
}

func TestEventsIsNeverNil(t *testing.T) {
	var a testAggregate

	assert.NotNil(t, a.Events())
}

func TestStringID(t *testing.T) {
	type numbered struct {
		aggregate.Root[int]
	}

	var n numbered

	n.ID = 42

	assert.Equal(t, "42", n.StringID())
}

func TestShouldPanicOnApplyWithNoRehydrate(t *testing.T) {
	var a testAggregate

	assert.PanicsWithError(t, aggregate.ErrAggregateRootNotRehydrated.Error(), func() {
		a.Apply(created{})
	})
}
