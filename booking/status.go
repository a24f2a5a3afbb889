package booking

// Status is the lifecycle state of a booking. Values are stored as numbers
type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusCancelled
	StatusCompleted
	StatusAccepted
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusConfirmed:
		return "Confirmed"
	case StatusCancelled:
		return "Cancelled"
	case StatusCompleted:
		return "Completed"
	case StatusAccepted:
		return "Accepted"
	case StatusRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Modifiable reports whether dates, notes or accommodations may still change
func (s Status) Modifiable() bool {
	return s != StatusCancelled && s != StatusCompleted && s != StatusRejected
}

// AccommodationType classifies sleeping accommodations
type AccommodationType int

const (
	AccommodationRoom AccommodationType = iota
	AccommodationTent
	AccommodationCamper
	AccommodationOther
)

func (t AccommodationType) String() string {
	switch t {
	case AccommodationRoom:
		return "Room"
	case AccommodationTent:
		return "Tent"
	case AccommodationCamper:
		return "Camper"
	case AccommodationOther:
		return "Other"
	default:
		return "Unknown"
	}
}
