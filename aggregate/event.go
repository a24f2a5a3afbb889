package aggregate

import "time"

// Stamped is implemented by events that carry their own id and occurrence
// time. The store persists those instead of generating them
type Stamped interface {
	Stamp() (id string, occurredOn time.Time)
}
