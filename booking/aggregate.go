package booking

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/andrekirst/eventstore"
	"github.com/andrekirst/eventstore/aggregate"
	"github.com/google/uuid"
)

var (
	// ErrInvalidDateRange is returned when the end date is not after the start date
	ErrInvalidDateRange = errors.New("end date must be after start date")

	// ErrNoAccommodations is returned for bookings without any accommodation
	ErrNoAccommodations = errors.New("booking needs at least one accommodation")

	// ErrInvalidPersonCount is returned for items with less than one person
	ErrInvalidPersonCount = errors.New("person count must be positive")

	// ErrDuplicateAccommodation is returned when an accommodation is booked twice
	ErrDuplicateAccommodation = errors.New("accommodation booked twice")

	// ErrInvalidTransition is returned when the status forbids the command
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidAccommodation is returned for invalid sleeping accommodation data
	ErrInvalidAccommodation = errors.New("invalid sleeping accommodation")
)

var now = func() time.Time { return time.Now().UTC() }

func newMeta() Meta {
	return Meta{
		ID:         uuid.Must(uuid.NewV7()).String(),
		OccurredAt: now(),
	}
}

// Booking is the write side booking aggregate
type Booking struct {
	aggregate.Root[string]

	UserID    int       `json:"userId"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	Status    Status    `json:"status"`
	Notes     string    `json:"notes"`
	Items     []Item    `json:"items"`
}

// Create opens a new pending booking
func Create(id string, userID int, start, end time.Time, notes string, items []Item) (*Booking, error) {
	if err := validate(start, end, items); err != nil {
		return nil, err
	}

	var b Booking

	b.Rehydrate(&b)

	b.Apply(Created{
		Meta:      newMeta(),
		BookingID: id,
		UserID:    userID,
		StartDate: start,
		EndDate:   end,
		Status:    StatusPending,
		Notes:     notes,
		Items:     slices.Clone(items),
	})

	return &b, nil
}

// Load returns an empty booking ready for rehydration by aggregate.Store
func Load(id string) *Booking {
	b := &Booking{}
	b.ID = id

	return b
}

func validate(start, end time.Time, items []Item) error {
	if !end.After(start) {
		return ErrInvalidDateRange
	}

	if len(items) == 0 {
		return ErrNoAccommodations
	}

	seen := make(map[string]bool, len(items))

	for _, it := range items {
		if it.PersonCount < 1 {
			return fmt.Errorf("%w: %s", ErrInvalidPersonCount, it.SleepingAccommodationID)
		}

		if seen[it.SleepingAccommodationID] {
			return fmt.Errorf("%w: %s", ErrDuplicateAccommodation, it.SleepingAccommodationID)
		}

		seen[it.SleepingAccommodationID] = true
	}

	return nil
}

// AggregateType returns the stored aggregate type
func (b *Booking) AggregateType() string { return AggregateType }

func (b *Booking) transition(to Status, allowed ...Status) error {
	if !slices.Contains(allowed, b.Status) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, b.Status, to)
	}

	return nil
}

// Confirm confirms a pending booking
func (b *Booking) Confirm() error {
	if err := b.transition(StatusConfirmed, StatusPending); err != nil {
		return err
	}

	b.Apply(Confirmed{Meta: newMeta(), BookingID: b.ID})

	return nil
}

// Accept accepts a pending booking
func (b *Booking) Accept() error {
	if err := b.transition(StatusAccepted, StatusPending); err != nil {
		return err
	}

	b.Apply(Accepted{Meta: newMeta(), BookingID: b.ID})

	return nil
}

// Reject rejects a pending booking
func (b *Booking) Reject() error {
	if err := b.transition(StatusRejected, StatusPending); err != nil {
		return err
	}

	b.Apply(Rejected{Meta: newMeta(), BookingID: b.ID})

	return nil
}

// Cancel cancels any booking that is neither cancelled nor completed
func (b *Booking) Cancel() error {
	if err := b.transition(StatusCancelled, StatusPending, StatusConfirmed, StatusAccepted, StatusRejected); err != nil {
		return err
	}

	b.Apply(Cancelled{Meta: newMeta(), BookingID: b.ID})

	return nil
}

func (b *Booking) modifiable() error {
	if !b.Status.Modifiable() {
		return fmt.Errorf("%w: booking is %s", ErrInvalidTransition, b.Status)
	}

	return nil
}

// ChangeDateRange moves the stay. Unchanged dates emit nothing
func (b *Booking) ChangeDateRange(start, end time.Time, reason string) error {
	if err := b.modifiable(); err != nil {
		return err
	}

	if !end.After(start) {
		return ErrInvalidDateRange
	}

	if start.Equal(b.StartDate) && end.Equal(b.EndDate) {
		return nil
	}

	b.Apply(DateRangeChanged{
		Meta:              newMeta(),
		BookingID:         b.ID,
		PreviousStartDate: b.StartDate,
		PreviousEndDate:   b.EndDate,
		NewStartDate:      start,
		NewEndDate:        end,
		PreviousNights:    Nights(b.StartDate, b.EndDate),
		NewNights:         Nights(start, end),
		ChangeReason:      reason,
	})

	return nil
}

// ChangeNotes replaces the notes. Unchanged notes emit nothing
func (b *Booking) ChangeNotes(notes, reason string) error {
	if err := b.modifiable(); err != nil {
		return err
	}

	if notes == b.Notes {
		return nil
	}

	b.Apply(NotesChanged{
		Meta:          newMeta(),
		BookingID:     b.ID,
		PreviousNotes: b.Notes,
		NewNotes:      notes,
		ChangeReason:  reason,
	})

	return nil
}

// ChangeAccommodations replaces the booked items. Unchanged items emit nothing
func (b *Booking) ChangeAccommodations(items []Item, reason string) error {
	if err := b.modifiable(); err != nil {
		return err
	}

	if err := validate(b.StartDate, b.EndDate, items); err != nil {
		return err
	}

	changes := Diff(b.Items, items)
	if len(changes) == 0 {
		return nil
	}

	b.Apply(AccommodationsChanged{
		Meta:                 newMeta(),
		BookingID:            b.ID,
		Changes:              changes,
		PreviousTotalPersons: TotalPersons(b.Items),
		NewTotalPersons:      TotalPersons(items),
		ChangeReason:         reason,
	})

	return nil
}

// Update changes dates, notes and items at once. Each changed part gets its
// own fine grained event, followed by a summarizing Updated event
func (b *Booking) Update(start, end time.Time, notes string, items []Item) error {
	if err := b.modifiable(); err != nil {
		return err
	}

	if err := validate(start, end, items); err != nil {
		return err
	}

	pending := len(b.Events())

	if err := b.ChangeDateRange(start, end, ""); err != nil {
		return err
	}

	if err := b.ChangeNotes(notes, ""); err != nil {
		return err
	}

	if err := b.ChangeAccommodations(items, ""); err != nil {
		return err
	}

	if len(b.Events()) == pending {
		return nil
	}

	b.Apply(Updated{
		Meta:      newMeta(),
		BookingID: b.ID,
		StartDate: start,
		EndDate:   end,
		Notes:     notes,
		Items:     slices.Clone(items),
	})

	return nil
}

// Diff returns the accommodation changes turning from into to. Removed
// items come first, then items of to in their order
func Diff(from, to []Item) []AccommodationChange {
	var changes []AccommodationChange

	index := func(items []Item, id string) int {
		return slices.IndexFunc(items, func(it Item) bool { return it.SleepingAccommodationID == id })
	}

	for _, it := range from {
		if index(to, it.SleepingAccommodationID) < 0 {
			changes = append(changes, AccommodationChange{
				SleepingAccommodationID: it.SleepingAccommodationID,
				PreviousPersonCount:     it.PersonCount,
				ChangeType:              ChangeRemoved,
			})
		}
	}

	for _, it := range to {
		i := index(from, it.SleepingAccommodationID)

		switch {
		case i < 0:
			changes = append(changes, AccommodationChange{
				SleepingAccommodationID: it.SleepingAccommodationID,
				NewPersonCount:          it.PersonCount,
				ChangeType:              ChangeAdded,
			})
		case from[i].PersonCount != it.PersonCount:
			changes = append(changes, AccommodationChange{
				SleepingAccommodationID: it.SleepingAccommodationID,
				PreviousPersonCount:     from[i].PersonCount,
				NewPersonCount:          it.PersonCount,
				ChangeType:              ChangeModified,
			})
		}
	}

	return changes
}

// Mutate folds one booking event into the aggregate state
func (b *Booking) Mutate(evt eventstore.Event) {
	switch e := evt.(type) {
	case Created:
		b.ID = e.BookingID
		b.UserID = e.UserID
		b.StartDate = e.StartDate
		b.EndDate = e.EndDate
		b.Status = e.Status
		b.Notes = e.Notes
		b.Items = slices.Clone(e.Items)
	case Updated:
		b.StartDate = e.StartDate
		b.EndDate = e.EndDate
		b.Notes = e.Notes
		b.Items = slices.Clone(e.Items)
	case Confirmed:
		b.Status = StatusConfirmed
	case Accepted:
		b.Status = StatusAccepted
	case Rejected:
		b.Status = StatusRejected
	case Cancelled:
		b.Status = StatusCancelled
	case DateRangeChanged:
		b.StartDate = e.NewStartDate
		b.EndDate = e.NewEndDate
	case NotesChanged:
		b.Notes = e.NewNotes
	case AccommodationsChanged:
		b.Items = applyChanges(b.Items, e.Changes)
	}
}

func applyChanges(items []Item, changes []AccommodationChange) []Item {
	items = slices.Clone(items)

	for _, c := range changes {
		i := slices.IndexFunc(items, func(it Item) bool { return it.SleepingAccommodationID == c.SleepingAccommodationID })

		switch {
		case c.ChangeType == ChangeRemoved && i >= 0:
			items = slices.Delete(items, i, i+1)
		case c.ChangeType == ChangeRemoved:
		case i >= 0:
			items[i].PersonCount = c.NewPersonCount
		default:
			items = append(items, Item{SleepingAccommodationID: c.SleepingAccommodationID, PersonCount: c.NewPersonCount})
		}
	}

	return items
}

// Snapshot serializes the booking state
func (b *Booking) Snapshot() ([]byte, error) {
	return json.Marshal(b)
}

// Restore loads state saved by Snapshot
func (b *Booking) Restore(data []byte) error {
	var s Booking

	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	b.UserID = s.UserID
	b.StartDate = s.StartDate
	b.EndDate = s.EndDate
	b.Status = s.Status
	b.Notes = s.Notes
	b.Items = s.Items

	return nil
}

// SleepingAccommodation is the write side sleeping accommodation aggregate
type SleepingAccommodation struct {
	aggregate.Root[string]

	Name        string
	Type        AccommodationType
	MaxCapacity int
	IsActive    bool
}

func validateAccommodation(name string, t AccommodationType, maxCapacity int) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidAccommodation)
	}

	if t < AccommodationRoom || t > AccommodationOther {
		return fmt.Errorf("%w: unknown type %d", ErrInvalidAccommodation, t)
	}

	if maxCapacity < 1 {
		return fmt.Errorf("%w: max capacity must be positive", ErrInvalidAccommodation)
	}

	return nil
}

// CreateAccommodation creates an active sleeping accommodation
func CreateAccommodation(id, name string, t AccommodationType, maxCapacity int) (*SleepingAccommodation, error) {
	if err := validateAccommodation(name, t, maxCapacity); err != nil {
		return nil, err
	}

	var a SleepingAccommodation

	a.Rehydrate(&a)

	a.Apply(AccommodationCreated{
		Meta:            newMeta(),
		AccommodationID: id,
		Name:            name,
		Type:            t,
		MaxCapacity:     maxCapacity,
	})

	return &a, nil
}

// LoadAccommodation returns an empty sleeping accommodation ready for rehydration
func LoadAccommodation(id string) *SleepingAccommodation {
	a := &SleepingAccommodation{}
	a.ID = id

	return a
}

// AggregateType returns the stored aggregate type
func (a *SleepingAccommodation) AggregateType() string { return AccommodationAggregateType }

// Update changes the accommodation details
func (a *SleepingAccommodation) Update(name string, t AccommodationType, maxCapacity int) error {
	if err := validateAccommodation(name, t, maxCapacity); err != nil {
		return err
	}

	if name == a.Name && t == a.Type && maxCapacity == a.MaxCapacity {
		return nil
	}

	a.Apply(AccommodationUpdated{
		Meta:            newMeta(),
		AccommodationID: a.ID,
		Name:            name,
		Type:            t,
		MaxCapacity:     maxCapacity,
	})

	return nil
}

// Deactivate hides an active accommodation
func (a *SleepingAccommodation) Deactivate() error {
	if !a.IsActive {
		return fmt.Errorf("%w: already inactive", ErrInvalidTransition)
	}

	a.Apply(AccommodationDeactivated{Meta: newMeta(), AccommodationID: a.ID})

	return nil
}

// Reactivate makes an inactive accommodation bookable again
func (a *SleepingAccommodation) Reactivate() error {
	if a.IsActive {
		return fmt.Errorf("%w: already active", ErrInvalidTransition)
	}

	a.Apply(AccommodationReactivated{Meta: newMeta(), AccommodationID: a.ID})

	return nil
}

// Mutate folds one sleeping accommodation event into the aggregate state
func (a *SleepingAccommodation) Mutate(evt eventstore.Event) {
	switch e := evt.(type) {
	case AccommodationCreated:
		a.ID = e.AccommodationID
		a.Name = e.Name
		a.Type = e.Type
		a.MaxCapacity = e.MaxCapacity
		a.IsActive = true
	case AccommodationUpdated:
		a.Name = e.Name
		a.Type = e.Type
		a.MaxCapacity = e.MaxCapacity
	case AccommodationDeactivated:
		a.IsActive = false
	case AccommodationReactivated:
		a.IsActive = true
	}
}
