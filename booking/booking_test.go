package booking_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/andrekirst/eventstore"
	"github.com/andrekirst/eventstore/aggregate"
	"github.com/andrekirst/eventstore/booking"
	"github.com/andrekirst/eventstore/history"
	"github.com/andrekirst/eventstore/projection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	es       *eventstore.EventStore
	enc      *eventstore.JSONEncoder
	bookings *aggregate.Store[*booking.Booking]
	rooms    *aggregate.Store[*booking.SleepingAccommodation]
	views    *projection.Engine[*booking.View]
	roomView *projection.Engine[*booking.AccommodationView]
	history  *history.Service
}

func setup(t *testing.T, opts ...aggregate.StoreOption) *fixture {
	t.Helper()

	enc := eventstore.NewJSONEncoder()
	booking.RegisterEvents(enc)

	es, err := eventstore.New(enc, eventstore.WithSQLiteDB(filepath.Join(t.TempDir(), "booking.db")))
	require.NoError(t, err)

	t.Cleanup(func() { _ = es.Close() })

	repo, err := projection.NewGormRepository(es.DB(), booking.NewView)
	require.NoError(t, err)

	roomRepo, err := projection.NewGormRepository(es.DB(), booking.NewAccommodationView)
	require.NoError(t, err)

	return &fixture{
		es:       es,
		enc:      enc,
		bookings: aggregate.NewStore[*booking.Booking](es, opts...),
		rooms:    aggregate.NewStore[*booking.SleepingAccommodation](es, opts...),
		views:    booking.NewEngine(es, enc, repo),
		roomView: booking.NewAccommodationEngine(es, enc, roomRepo),
		history: history.New(es, enc, booking.HistoryFormatters(),
			history.WithAggregateType(booking.AggregateType)),
	}
}

func day(d int) time.Time {
	return time.Date(2025, time.July, d, 0, 0, 0, 0, time.UTC)
}

func items(kv ...any) []booking.Item {
	var out []booking.Item

	for i := 0; i < len(kv); i += 2 {
		out = append(out, booking.Item{
			SleepingAccommodationID: kv[i].(string),
			PersonCount:             kv[i+1].(int),
		})
	}

	return out
}

func eventTypes(events []eventstore.Event) []string {
	out := make([]string, len(events))

	for i, evt := range events {
		out[i] = evt.EventType()
	}

	return out
}

func TestCreate_Validates(t *testing.T) {
	cases := []struct {
		name  string
		start time.Time
		end   time.Time
		items []booking.Item
		err   error
	}{
		{"end before start", day(5), day(3), items("room-1", 2), booking.ErrInvalidDateRange},
		{"same day", day(5), day(5), items("room-1", 2), booking.ErrInvalidDateRange},
		{"no items", day(1), day(3), nil, booking.ErrNoAccommodations},
		{"zero persons", day(1), day(3), items("room-1", 0), booking.ErrInvalidPersonCount},
		{"duplicate", day(1), day(3), items("room-1", 1, "room-1", 2), booking.ErrDuplicateAccommodation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := booking.Create("b-1", 7, tc.start, tc.end, "", tc.items)

			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestCreate_StartsPending(t *testing.T) {
	b, err := booking.Create("b-1", 7, day(1), day(3), "late arrival", items("room-1", 2, "tent-1", 1))
	require.NoError(t, err)

	assert.Equal(t, "b-1", b.ID)
	assert.Equal(t, booking.StatusPending, b.Status)
	assert.Equal(t, []string{booking.EventCreated}, eventTypes(b.Events()))

	created := b.Events()[0].(booking.Created)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.OccurredAt.IsZero())
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		name string
		cmds []func(*booking.Booking) error
		want booking.Status
		fail bool
	}{
		{"confirm", []func(*booking.Booking) error{(*booking.Booking).Confirm}, booking.StatusConfirmed, false},
		{"accept", []func(*booking.Booking) error{(*booking.Booking).Accept}, booking.StatusAccepted, false},
		{"reject", []func(*booking.Booking) error{(*booking.Booking).Reject}, booking.StatusRejected, false},
		{"cancel confirmed", []func(*booking.Booking) error{(*booking.Booking).Confirm, (*booking.Booking).Cancel}, booking.StatusCancelled, false},
		{"confirm twice", []func(*booking.Booking) error{(*booking.Booking).Confirm, (*booking.Booking).Confirm}, booking.StatusConfirmed, true},
		{"cancel twice", []func(*booking.Booking) error{(*booking.Booking).Cancel, (*booking.Booking).Cancel}, booking.StatusCancelled, true},
		{"accept cancelled", []func(*booking.Booking) error{(*booking.Booking).Cancel, (*booking.Booking).Accept}, booking.StatusCancelled, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := booking.Create("b-1", 7, day(1), day(3), "", items("room-1", 2))
			require.NoError(t, err)

			for _, cmd := range tc.cmds {
				err = cmd(b)
			}

			if tc.fail {
				assert.ErrorIs(t, err, booking.ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}

			assert.Equal(t, tc.want, b.Status)
		})
	}
}

func TestCancelled_IsNotModifiable(t *testing.T) {
	b, err := booking.Create("b-1", 7, day(1), day(3), "", items("room-1", 2))
	require.NoError(t, err)
	require.NoError(t, b.Cancel())

	assert.ErrorIs(t, b.ChangeNotes("x", ""), booking.ErrInvalidTransition)
	assert.ErrorIs(t, b.ChangeDateRange(day(2), day(4), ""), booking.ErrInvalidTransition)
	assert.ErrorIs(t, b.ChangeAccommodations(items("room-2", 1), ""), booking.ErrInvalidTransition)
}

func TestUpdate_EmitsFineGrainedEvents(t *testing.T) {
	b, err := booking.Create("b-1", 7, day(1), day(3), "", items("room-1", 2))
	require.NoError(t, err)

	err = b.Update(day(2), day(5), "dog included", items("room-1", 2))
	require.NoError(t, err)

	assert.Equal(t, []string{
		booking.EventCreated,
		booking.EventDateRangeChanged,
		booking.EventNotesChanged,
		booking.EventUpdated,
	}, eventTypes(b.Events()))

	dr := b.Events()[1].(booking.DateRangeChanged)
	assert.Equal(t, 2, dr.PreviousNights)
	assert.Equal(t, 3, dr.NewNights)
}

func TestUpdate_WithoutChangesEmitsNothing(t *testing.T) {
	b, err := booking.Create("b-1", 7, day(1), day(3), "notes", items("room-1", 2))
	require.NoError(t, err)

	require.NoError(t, b.Update(day(1), day(3), "notes", items("room-1", 2)))

	assert.Len(t, b.Events(), 1)
}

func TestDiff(t *testing.T) {
	changes := booking.Diff(
		items("room-1", 2, "room-2", 1, "tent-1", 3),
		items("room-2", 2, "tent-1", 3, "camper-1", 4),
	)

	assert.Equal(t, []booking.AccommodationChange{
		{SleepingAccommodationID: "room-1", PreviousPersonCount: 2, ChangeType: booking.ChangeRemoved},
		{SleepingAccommodationID: "room-2", PreviousPersonCount: 1, NewPersonCount: 2, ChangeType: booking.ChangeModified},
		{SleepingAccommodationID: "camper-1", NewPersonCount: 4, ChangeType: booking.ChangeAdded},
	}, changes)

	assert.Empty(t, booking.Diff(items("room-1", 2), items("room-1", 2)))
}

func TestStore_RehydratesBooking(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	b, err := booking.Create("b-1", 7, day(1), day(3), "", items("room-1", 2))
	require.NoError(t, err)
	require.NoError(t, f.bookings.Save(ctx, b))

	err = aggregate.Exec(ctx, f.bookings, booking.Load("b-1"), func(context.Context) error { return nil })
	require.NoError(t, err)

	loaded := booking.Load("b-1")
	require.NoError(t, f.bookings.ByID(ctx, "b-1", loaded))

	require.NoError(t, loaded.ChangeAccommodations(items("room-1", 3, "tent-1", 1), "friends join"))
	require.NoError(t, loaded.Confirm())
	require.NoError(t, f.bookings.Save(ctx, loaded))

	again := booking.Load("b-1")
	require.NoError(t, f.bookings.ByID(ctx, "b-1", again))

	assert.Equal(t, 2, again.Version())
	assert.Equal(t, 7, again.UserID)
	assert.Equal(t, booking.StatusConfirmed, again.Status)
	assert.Equal(t, items("room-1", 3, "tent-1", 1), again.Items)
}

func TestStore_RestoresFromSnapshot(t *testing.T) {
	ctx := context.Background()

	es := setup(t).es
	bookings := aggregate.NewStore[*booking.Booking](es, aggregate.WithSnapshots(es, 2))

	b, err := booking.Create("b-1", 7, day(1), day(3), "", items("room-1", 2))
	require.NoError(t, err)
	require.NoError(t, b.ChangeNotes("first", ""))
	require.NoError(t, bookings.Save(ctx, b))

	snap, err := es.LoadSnapshot(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)

	require.NoError(t, b.ChangeNotes("second", ""))
	require.NoError(t, bookings.Save(ctx, b))

	loaded := booking.Load("b-1")
	require.NoError(t, bookings.ByID(ctx, "b-1", loaded))

	assert.Equal(t, 2, loaded.Version())
	assert.Equal(t, "second", loaded.Notes)
	assert.Equal(t, 7, loaded.UserID)
}

func TestEngine_ProjectsBookingView(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	b, err := booking.Create("b-1", 7, day(1), day(3), "", items("room-1", 2))
	require.NoError(t, err)
	require.NoError(t, b.ChangeAccommodations(items("room-1", 3, "tent-1", 1), ""))
	require.NoError(t, b.ChangeDateRange(day(2), day(6), "train delayed"))
	require.NoError(t, b.ChangeNotes("vegetarian", ""))
	require.NoError(t, b.Confirm())
	require.NoError(t, f.bookings.Save(ctx, b))

	res, err := f.views.Project(ctx, "b-1", eventstore.Origin)
	require.NoError(t, err)
	assert.Empty(t, res.Anomalies)
	assert.Equal(t, 5, res.Applied)

	view, found, err := f.views.Load(ctx, "b-1")
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, 4, view.LastEventVersion)
	assert.Equal(t, 7, view.UserID)
	assert.Equal(t, booking.StatusConfirmed, view.Status)
	assert.Equal(t, "vegetarian", view.Notes)
	assert.Equal(t, 4, view.TotalPersons)
	assert.Equal(t, items("room-1", 3, "tent-1", 1), view.Items)
	assert.Equal(t, "2025-07-02", view.StartDate.UTC().Format(time.DateOnly))
	assert.Equal(t, "2025-07-06", view.EndDate.UTC().Format(time.DateOnly))
	assert.NotNil(t, view.ChangedAt)
}

func TestEngine_SecondCreatedIsAnomaly(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	b, err := booking.Create("b-1", 7, day(1), day(3), "", items("room-1", 2))
	require.NoError(t, err)
	require.NoError(t, f.bookings.Save(ctx, b))

	dup, err := booking.Create("b-1", 8, day(1), day(3), "", items("room-1", 2))
	require.NoError(t, err)

	_, err = f.es.Append(ctx, "b-1", booking.AggregateType, 0, []eventstore.EventToStore{{Event: dup.Events()[0]}})
	require.NoError(t, err)

	res, err := f.views.Project(ctx, "b-1", eventstore.Origin)
	require.NoError(t, err)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, booking.EventCreated, res.Anomalies[0].EventType)

	view, _, err := f.views.Load(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 7, view.UserID)
	assert.Equal(t, 1, view.LastEventVersion)
}

func TestAccommodation_Lifecycle(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := booking.CreateAccommodation("room-1", "", booking.AccommodationRoom, 2)
	assert.ErrorIs(t, err, booking.ErrInvalidAccommodation)

	a, err := booking.CreateAccommodation("room-1", "Blue room", booking.AccommodationRoom, 2)
	require.NoError(t, err)

	assert.ErrorIs(t, a.Reactivate(), booking.ErrInvalidTransition)

	require.NoError(t, a.Update("Blue room", booking.AccommodationRoom, 3))
	require.NoError(t, a.Deactivate())
	require.NoError(t, f.rooms.Save(ctx, a))

	res, err := f.roomView.Project(ctx, "room-1", eventstore.Origin)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)

	view, found, err := f.roomView.Load(ctx, "room-1")
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, "Blue room", view.Name)
	assert.Equal(t, 3, view.MaxCapacity)
	assert.False(t, view.IsActive)

	loaded := booking.LoadAccommodation("room-1")
	require.NoError(t, f.rooms.ByID(ctx, "room-1", loaded))
	require.NoError(t, loaded.Reactivate())
	require.NoError(t, f.rooms.Save(ctx, loaded))

	_, err = f.roomView.Project(ctx, "room-1", eventstore.Origin)
	require.NoError(t, err)

	view, _, err = f.roomView.Load(ctx, "room-1")
	require.NoError(t, err)
	assert.True(t, view.IsActive)
	assert.Equal(t, 3, view.LastEventVersion)
}

func TestHistory_RendersBookingTimeline(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	b, err := booking.Create("b-1", 7, day(1), day(3), "", items("room-1", 2, "tent-1", 1))
	require.NoError(t, err)
	require.NoError(t, b.Confirm())
	require.NoError(t, b.Update(day(1), day(4), "", items("room-1", 2, "tent-1", 1)))
	require.NoError(t, b.Cancel())
	require.NoError(t, f.bookings.Save(ctx, b))

	page, err := f.history.GetHistory(ctx, "b-1", 1, 20)
	require.NoError(t, err)
	require.Len(t, page.History, 5)

	types := make([]string, len(page.History))
	for i, e := range page.History {
		types[i] = e.EventType
	}

	assert.Equal(t, []string{
		booking.EventCancelled,
		booking.EventUpdated,
		booking.EventDateRangeChanged,
		booking.EventConfirmed,
		booking.EventCreated,
	}, types)

	created := page.History[4]
	assert.Equal(t, "Booking created", created.Description)
	assert.Equal(t, 3, created.Changes["totalPersons"])
	assert.Equal(t, 2, created.Changes["accommodationCount"])
	assert.Equal(t, "2025-07-01", created.Changes["startDate"])
	assert.Nil(t, created.StatusBefore)
	require.NotNil(t, created.StatusAfter)
	assert.Equal(t, "Pending", *created.StatusAfter)

	cancelled := page.History[0]
	require.NotNil(t, cancelled.StatusBefore)
	require.NotNil(t, cancelled.StatusAfter)
	assert.Equal(t, "Confirmed", *cancelled.StatusBefore)
	assert.Equal(t, "Cancelled", *cancelled.StatusAfter)

	dates := page.History[2]
	assert.Equal(t, "Booking dates changed", dates.Description)
	assert.Contains(t, dates.Details, "(3 nights)")
	assert.Equal(t, "Confirmed", *dates.StatusAfter)
}

func TestHistory_IgnoresOtherAggregateTypes(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	a, err := booking.CreateAccommodation("room-1", "Blue room", booking.AccommodationRoom, 2)
	require.NoError(t, err)
	require.NoError(t, f.rooms.Save(ctx, a))

	_, err = f.history.GetHistory(ctx, "room-1", 1, 20)
	assert.ErrorIs(t, err, history.ErrNotFound)
}

func TestStore_SavedEventsReachReadModelThroughDispatcher(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	dispatcher := projection.NewDispatcher()
	dispatcher.Register(booking.AggregateType, f.views)

	done := make(chan error, 1)

	go func() { done <- dispatcher.Run(ctx) }()

	bookings := aggregate.NewStore[*booking.Booking](f.es, aggregate.WithPublisher(dispatcher))

	b, err := booking.Create("b-1", 7, day(1), day(3), "", items("room-1", 2))
	require.NoError(t, err)
	require.NoError(t, b.ChangeNotes("late arrival", ""))
	require.NoError(t, bookings.Save(ctx, b))

	loaded := booking.Load("b-1")

	err = aggregate.Exec(ctx, bookings, loaded, func(context.Context) error {
		return loaded.Confirm()
	})
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	require.NoError(t, dispatcher.Shutdown(shutdownCtx))
	require.NoError(t, <-done)

	v, found, err := f.views.Load(ctx, "b-1")
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, 2, v.LastEventVersion)
	assert.Equal(t, booking.StatusConfirmed, v.Status)
	assert.Equal(t, "late arrival", v.Notes)
	assert.Equal(t, 7, v.UserID)
}
