package booking

import (
	"errors"
	"fmt"
	"time"

	"github.com/andrekirst/eventstore"
	"github.com/andrekirst/eventstore/projection"
)

var errAlreadyCreated = errors.New("read model already created")

// NewEngine builds the booking projection engine with all booking appliers registered
func NewEngine(
	reader projection.Reader,
	dec projection.Decoder,
	repo projection.Repository[*View],
	opts ...projection.Option) *projection.Engine[*View] {

	e := projection.New(AggregateType, reader, dec, repo, NewView, opts...)

	projection.On(e, applyCreated)
	projection.On(e, applyUpdated)
	projection.On(e, func(v *View, rec eventstore.Record, _ Cancelled) error {
		return setStatus(v, rec, StatusCancelled)
	})
	projection.On(e, func(v *View, rec eventstore.Record, _ Confirmed) error {
		return setStatus(v, rec, StatusConfirmed)
	})
	projection.On(e, func(v *View, rec eventstore.Record, _ Accepted) error {
		return setStatus(v, rec, StatusAccepted)
	})
	projection.On(e, func(v *View, rec eventstore.Record, _ Rejected) error {
		return setStatus(v, rec, StatusRejected)
	})
	projection.On(e, applyDateRangeChanged)
	projection.On(e, applyNotesChanged)
	projection.On(e, applyAccommodationsChanged)

	return e
}

func changed(v *View, rec eventstore.Record) {
	ts := rec.Timestamp
	v.ChangedAt = &ts
}

func applyCreated(v *View, rec eventstore.Record, e Created) error {
	if v.LastEventVersion != eventstore.NoVersion {
		return errAlreadyCreated
	}

	v.UserID = e.UserID
	v.StartDate = e.StartDate
	v.EndDate = e.EndDate
	v.Status = e.Status
	v.Notes = e.Notes
	v.Items = append([]Item(nil), e.Items...)
	v.TotalPersons = TotalPersons(e.Items)
	v.CreatedAt = rec.Timestamp

	return nil
}

func applyUpdated(v *View, rec eventstore.Record, e Updated) error {
	v.StartDate = e.StartDate
	v.EndDate = e.EndDate
	v.Notes = e.Notes
	v.Items = append([]Item(nil), e.Items...)
	v.TotalPersons = TotalPersons(e.Items)

	changed(v, rec)

	return nil
}

func setStatus(v *View, rec eventstore.Record, s Status) error {
	v.Status = s

	changed(v, rec)

	return nil
}

func applyDateRangeChanged(v *View, rec eventstore.Record, e DateRangeChanged) error {
	if !e.NewEndDate.After(e.NewStartDate) {
		return fmt.Errorf("end date %s not after start date %s", e.NewEndDate.Format(time.DateOnly), e.NewStartDate.Format(time.DateOnly))
	}

	v.StartDate = e.NewStartDate
	v.EndDate = e.NewEndDate

	changed(v, rec)

	return nil
}

func applyNotesChanged(v *View, rec eventstore.Record, e NotesChanged) error {
	v.Notes = e.NewNotes

	changed(v, rec)

	return nil
}

func applyAccommodationsChanged(v *View, rec eventstore.Record, e AccommodationsChanged) error {
	items := append([]Item(nil), v.Items...)

	for _, c := range e.Changes {
		idx := -1

		for i, it := range items {
			if it.SleepingAccommodationID == c.SleepingAccommodationID {
				idx = i

				break
			}
		}

		switch c.ChangeType {
		case ChangeAdded:
			if idx >= 0 {
				items[idx].PersonCount = c.NewPersonCount

				continue
			}

			items = append(items, Item{SleepingAccommodationID: c.SleepingAccommodationID, PersonCount: c.NewPersonCount})
		case ChangeRemoved:
			if idx >= 0 {
				items = append(items[:idx], items[idx+1:]...)
			}
		case ChangeModified:
			if idx < 0 {
				return fmt.Errorf("modified accommodation %s is not booked", c.SleepingAccommodationID)
			}

			items[idx].PersonCount = c.NewPersonCount
		default:
			return fmt.Errorf("unknown change type %d", c.ChangeType)
		}
	}

	v.Items = items
	v.TotalPersons = e.NewTotalPersons

	changed(v, rec)

	return nil
}

// NewAccommodationEngine builds the sleeping accommodation projection engine
func NewAccommodationEngine(
	reader projection.Reader,
	dec projection.Decoder,
	repo projection.Repository[*AccommodationView],
	opts ...projection.Option) *projection.Engine[*AccommodationView] {

	e := projection.New(AccommodationAggregateType, reader, dec, repo, NewAccommodationView, opts...)

	projection.On(e, func(v *AccommodationView, rec eventstore.Record, evt AccommodationCreated) error {
		if v.LastEventVersion != eventstore.NoVersion {
			return errAlreadyCreated
		}

		v.Name = evt.Name
		v.Type = evt.Type
		v.MaxCapacity = evt.MaxCapacity
		v.IsActive = true
		v.CreatedAt = rec.Timestamp

		return nil
	})

	projection.On(e, func(v *AccommodationView, rec eventstore.Record, evt AccommodationUpdated) error {
		v.Name = evt.Name
		v.Type = evt.Type
		v.MaxCapacity = evt.MaxCapacity

		ts := rec.Timestamp
		v.ChangedAt = &ts

		return nil
	})

	projection.On(e, func(v *AccommodationView, rec eventstore.Record, _ AccommodationDeactivated) error {
		v.IsActive = false

		ts := rec.Timestamp
		v.ChangedAt = &ts

		return nil
	})

	projection.On(e, func(v *AccommodationView, rec eventstore.Record, _ AccommodationReactivated) error {
		v.IsActive = true

		ts := rec.Timestamp
		v.ChangedAt = &ts

		return nil
	})

	return e
}
