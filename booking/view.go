package booking

import (
	"time"

	"github.com/andrekirst/eventstore/projection"
)

// View is the booking read model
type View struct {
	projection.Watermark

	UserID       int `gorm:"index"`
	StartDate    time.Time
	EndDate      time.Time
	Status       Status `gorm:"index"`
	Notes        string
	Items        []Item `gorm:"serializer:json"`
	TotalPersons int
	CreatedAt    time.Time `gorm:"autoCreateTime:false"`
	ChangedAt    *time.Time
}

// TableName returns gorm table name
func (View) TableName() string { return "booking_views" }

// NewView returns an empty booking read model
func NewView() *View { return &View{} }

// AccommodationView is the sleeping accommodation read model
type AccommodationView struct {
	projection.Watermark

	Name        string
	Type        AccommodationType
	MaxCapacity int
	IsActive    bool
	CreatedAt   time.Time `gorm:"autoCreateTime:false"`
	ChangedAt   *time.Time
}

// TableName returns gorm table name
func (AccommodationView) TableName() string { return "accommodation_views" }

// NewAccommodationView returns an empty sleeping accommodation read model
func NewAccommodationView() *AccommodationView { return &AccommodationView{} }
