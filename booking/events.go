// Package booking holds the booking and sleeping accommodation domain:
// events, write side aggregates, read models with their appliers and the
// history formatters of the booking timeline
package booking

import (
	"time"

	"github.com/andrekirst/eventstore"
)

// Aggregate types under which events are stored
const (
	AggregateType              = "BookingAggregate"
	AccommodationAggregateType = "SleepingAccommodationAggregate"
)

// Event tags
const (
	EventCreated               = "BookingCreated"
	EventUpdated               = "BookingUpdated"
	EventCancelled             = "BookingCancelled"
	EventConfirmed             = "BookingConfirmed"
	EventAccepted              = "BookingAccepted"
	EventRejected              = "BookingRejected"
	EventDateRangeChanged      = "BookingDateRangeChanged"
	EventNotesChanged          = "BookingNotesChanged"
	EventAccommodationsChanged = "BookingAccommodationsChanged"

	EventAccommodationCreated     = "SleepingAccommodationCreated"
	EventAccommodationUpdated     = "SleepingAccommodationUpdated"
	EventAccommodationDeactivated = "SleepingAccommodationDeactivated"
	EventAccommodationReactivated = "SleepingAccommodationReactivated"
)

// Meta is embedded by every event
type Meta struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Stamp returns the event id and occurrence time
func (m Meta) Stamp() (string, time.Time) { return m.ID, m.OccurredAt }

// Item is one sleeping accommodation booked for a number of persons
type Item struct {
	SleepingAccommodationID string `json:"sleepingAccommodationId"`
	PersonCount             int    `json:"personCount"`
}

// TotalPersons sums person counts of items
func TotalPersons(items []Item) int {
	total := 0

	for _, it := range items {
		total += it.PersonCount
	}

	return total
}

// ChangeType classifies an accommodation change
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeRemoved
	ChangeModified
)

func (c ChangeType) String() string {
	switch c {
	case ChangeAdded:
		return "Added"
	case ChangeRemoved:
		return "Removed"
	case ChangeModified:
		return "Modified"
	default:
		return "Unknown"
	}
}

// AccommodationChange describes how the persons of one accommodation changed
type AccommodationChange struct {
	SleepingAccommodationID string     `json:"sleepingAccommodationId"`
	PreviousPersonCount     int        `json:"previousPersonCount"`
	NewPersonCount          int        `json:"newPersonCount"`
	ChangeType              ChangeType `json:"changeType"`
}

// Created is the first event of every booking
type Created struct {
	Meta
	BookingID string    `json:"bookingId"`
	UserID    int       `json:"userId"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	Status    Status    `json:"status"`
	Notes     string    `json:"notes,omitempty"`
	Items     []Item    `json:"bookingItems"`
}

// Updated summarizes a full booking update
type Updated struct {
	Meta
	BookingID string    `json:"bookingId"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	Notes     string    `json:"notes,omitempty"`
	Items     []Item    `json:"bookingItems"`
}

// Cancelled is emitted when the booking is cancelled
type Cancelled struct {
	Meta
	BookingID string `json:"bookingId"`
}

// Confirmed is emitted when the booking is confirmed
type Confirmed struct {
	Meta
	BookingID string `json:"bookingId"`
}

// Accepted is emitted when an administrator accepts the booking
type Accepted struct {
	Meta
	BookingID string `json:"bookingId"`
}

// Rejected is emitted when an administrator rejects the booking
type Rejected struct {
	Meta
	BookingID string `json:"bookingId"`
}

// DateRangeChanged is emitted when the stay moves or changes length
type DateRangeChanged struct {
	Meta
	BookingID         string    `json:"bookingId"`
	PreviousStartDate time.Time `json:"previousStartDate"`
	PreviousEndDate   time.Time `json:"previousEndDate"`
	NewStartDate      time.Time `json:"newStartDate"`
	NewEndDate        time.Time `json:"newEndDate"`
	PreviousNights    int       `json:"previousNights"`
	NewNights         int       `json:"newNights"`
	ChangeReason      string    `json:"changeReason,omitempty"`
}

// NotesChanged is emitted when the booking notes change
type NotesChanged struct {
	Meta
	BookingID     string `json:"bookingId"`
	PreviousNotes string `json:"previousNotes,omitempty"`
	NewNotes      string `json:"newNotes,omitempty"`
	ChangeReason  string `json:"changeReason,omitempty"`
}

// AccommodationsChanged is emitted when booked accommodations change
type AccommodationsChanged struct {
	Meta
	BookingID            string                `json:"bookingId"`
	Changes              []AccommodationChange `json:"accommodationChanges"`
	PreviousTotalPersons int                   `json:"previousTotalPersons"`
	NewTotalPersons      int                   `json:"newTotalPersons"`
	ChangeReason         string                `json:"changeReason,omitempty"`
}

// AccommodationCreated is the first event of a sleeping accommodation
type AccommodationCreated struct {
	Meta
	AccommodationID string            `json:"sleepingAccommodationId"`
	Name            string            `json:"name"`
	Type            AccommodationType `json:"type"`
	MaxCapacity     int               `json:"maxCapacity"`
}

// AccommodationUpdated changes the details of a sleeping accommodation
type AccommodationUpdated struct {
	Meta
	AccommodationID string            `json:"sleepingAccommodationId"`
	Name            string            `json:"name"`
	Type            AccommodationType `json:"type"`
	MaxCapacity     int               `json:"maxCapacity"`
}

// AccommodationDeactivated hides a sleeping accommodation from new bookings
type AccommodationDeactivated struct {
	Meta
	AccommodationID string `json:"sleepingAccommodationId"`
}

// AccommodationReactivated makes a sleeping accommodation bookable again
type AccommodationReactivated struct {
	Meta
	AccommodationID string `json:"sleepingAccommodationId"`
}

func (Created) EventType() string               { return EventCreated }
func (Updated) EventType() string               { return EventUpdated }
func (Cancelled) EventType() string             { return EventCancelled }
func (Confirmed) EventType() string             { return EventConfirmed }
func (Accepted) EventType() string              { return EventAccepted }
func (Rejected) EventType() string              { return EventRejected }
func (DateRangeChanged) EventType() string      { return EventDateRangeChanged }
func (NotesChanged) EventType() string          { return EventNotesChanged }
func (AccommodationsChanged) EventType() string { return EventAccommodationsChanged }

func (AccommodationCreated) EventType() string     { return EventAccommodationCreated }
func (AccommodationUpdated) EventType() string     { return EventAccommodationUpdated }
func (AccommodationDeactivated) EventType() string { return EventAccommodationDeactivated }
func (AccommodationReactivated) EventType() string { return EventAccommodationReactivated }

// RegisterEvents registers every booking and sleeping accommodation event with enc
func RegisterEvents(enc *eventstore.JSONEncoder) {
	eventstore.Register[Created](enc)
	eventstore.Register[Updated](enc)
	eventstore.Register[Cancelled](enc)
	eventstore.Register[Confirmed](enc)
	eventstore.Register[Accepted](enc)
	eventstore.Register[Rejected](enc)
	eventstore.Register[DateRangeChanged](enc)
	eventstore.Register[NotesChanged](enc)
	eventstore.Register[AccommodationsChanged](enc)

	eventstore.Register[AccommodationCreated](enc)
	eventstore.Register[AccommodationUpdated](enc)
	eventstore.Register[AccommodationDeactivated](enc)
	eventstore.Register[AccommodationReactivated](enc)
}

// Nights returns the number of nights between two dates
func Nights(start, end time.Time) int {
	return int(end.Sub(start).Hours() / 24)
}
