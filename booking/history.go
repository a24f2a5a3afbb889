package booking

import (
	"fmt"
	"strings"
	"time"

	"github.com/andrekirst/eventstore"
	"github.com/andrekirst/eventstore/history"
)

// HistoryFormatters returns the timeline renderers of every booking event
func HistoryFormatters() map[string]history.Formatter {
	return map[string]history.Formatter{
		EventCreated:               format(formatCreated),
		EventUpdated:               format(formatUpdated),
		EventCancelled:             statusChange[Cancelled]("Booking cancelled", StatusCancelled),
		EventConfirmed:             statusChange[Confirmed]("Booking confirmed", StatusConfirmed),
		EventAccepted:              statusChange[Accepted]("Booking accepted", StatusAccepted),
		EventRejected:              statusChange[Rejected]("Booking rejected", StatusRejected),
		EventDateRangeChanged:      format(formatDateRangeChanged),
		EventNotesChanged:          format(formatNotesChanged),
		EventAccommodationsChanged: format(formatAccommodationsChanged),
	}
}

// format adapts a typed renderer. A mismatching event type panics, which
// the history service turns into a fallback entry
func format[E eventstore.Event](fn func(E, *string) history.Formatted) history.Formatter {
	return func(evt eventstore.Event, status *string) history.Formatted {
		return fn(evt.(E), status)
	}
}

func statusChange[E eventstore.Event](desc string, s Status) history.Formatter {
	return format(func(_ E, before *string) history.Formatted {
		f := history.Formatted{
			Description: desc,
			StatusAfter: statusName(s),
		}

		if before != nil {
			f.Details = fmt.Sprintf("Status changed from %s to %s", *before, s)
			f.Changes = map[string]any{"status": map[string]any{"from": *before, "to": s.String()}}
		} else {
			f.Details = fmt.Sprintf("Status changed to %s", s)
			f.Changes = map[string]any{"status": map[string]any{"to": s.String()}}
		}

		return f
	})
}

func statusName(s Status) *string {
	name := s.String()

	return &name
}

func date(t time.Time) string {
	return t.Format(time.DateOnly)
}

func formatCreated(e Created, _ *string) history.Formatted {
	return history.Formatted{
		Description: "Booking created",
		Details: fmt.Sprintf("Booking from %s to %s for %d persons",
			date(e.StartDate), date(e.EndDate), TotalPersons(e.Items)),
		Changes: map[string]any{
			"startDate":          date(e.StartDate),
			"endDate":            date(e.EndDate),
			"totalPersons":       TotalPersons(e.Items),
			"accommodationCount": len(e.Items),
			"notes":              e.Notes,
		},
		StatusAfter: statusName(e.Status),
	}
}

func formatUpdated(e Updated, status *string) history.Formatted {
	return history.Formatted{
		Description: "Booking updated",
		Details: fmt.Sprintf("Booking now from %s to %s for %d persons",
			date(e.StartDate), date(e.EndDate), TotalPersons(e.Items)),
		Changes: map[string]any{
			"startDate":          date(e.StartDate),
			"endDate":            date(e.EndDate),
			"totalPersons":       TotalPersons(e.Items),
			"accommodationCount": len(e.Items),
			"notes":              e.Notes,
		},
		StatusAfter: status,
	}
}

func formatDateRangeChanged(e DateRangeChanged, status *string) history.Formatted {
	details := fmt.Sprintf("Stay moved from %s - %s (%d nights) to %s - %s (%d nights)",
		date(e.PreviousStartDate), date(e.PreviousEndDate), e.PreviousNights,
		date(e.NewStartDate), date(e.NewEndDate), e.NewNights)

	if e.ChangeReason != "" {
		details += ". Reason: " + e.ChangeReason
	}

	return history.Formatted{
		Description: "Booking dates changed",
		Details:     details,
		Changes: map[string]any{
			"startDate": map[string]any{"from": date(e.PreviousStartDate), "to": date(e.NewStartDate)},
			"endDate":   map[string]any{"from": date(e.PreviousEndDate), "to": date(e.NewEndDate)},
			"nights":    map[string]any{"from": e.PreviousNights, "to": e.NewNights},
		},
		StatusAfter: status,
	}
}

func formatNotesChanged(e NotesChanged, status *string) history.Formatted {
	details := "Notes changed"

	switch {
	case e.PreviousNotes == "":
		details = "Notes added"
	case e.NewNotes == "":
		details = "Notes removed"
	}

	return history.Formatted{
		Description: "Booking notes changed",
		Details:     details,
		Changes: map[string]any{
			"notes": map[string]any{"from": e.PreviousNotes, "to": e.NewNotes},
		},
		StatusAfter: status,
	}
}

func formatAccommodationsChanged(e AccommodationsChanged, status *string) history.Formatted {
	parts := make([]string, 0, len(e.Changes))
	changes := make([]map[string]any, 0, len(e.Changes))

	for _, c := range e.Changes {
		switch c.ChangeType {
		case ChangeAdded:
			parts = append(parts, fmt.Sprintf("%s added with %d persons", c.SleepingAccommodationID, c.NewPersonCount))
		case ChangeRemoved:
			parts = append(parts, fmt.Sprintf("%s removed", c.SleepingAccommodationID))
		default:
			parts = append(parts, fmt.Sprintf("%s changed from %d to %d persons",
				c.SleepingAccommodationID, c.PreviousPersonCount, c.NewPersonCount))
		}

		changes = append(changes, map[string]any{
			"sleepingAccommodationId": c.SleepingAccommodationID,
			"changeType":              c.ChangeType.String(),
			"from":                    c.PreviousPersonCount,
			"to":                      c.NewPersonCount,
		})
	}

	return history.Formatted{
		Description: "Booking accommodations changed",
		Details:     strings.Join(parts, ", "),
		Changes: map[string]any{
			"accommodations": changes,
			"totalPersons":   map[string]any{"from": e.PreviousTotalPersons, "to": e.NewTotalPersons},
		},
		StatusAfter: status,
	}
}
