package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrSnapshotNotFound is returned by LoadSnapshot when no snapshot was taken yet
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Snapshot holds serialized aggregate state as of Version
type Snapshot struct {
	AggregateID   string
	AggregateType string
	Version       int
	Data          []byte
	TakenAt       time.Time
}

type gormSnapshot struct {
	AggregateID   string `gorm:"primaryKey"`
	AggregateType string `gorm:"index"`
	Version       int
	Data          string
	TakenAt       time.Time
}

// TableName returns gorm table name
func (gs *gormSnapshot) TableName() string { return "event_snapshot" }

// SaveSnapshot stores the snapshot replacing the previous one of the aggregate.
// Only the latest snapshot is kept
func (es *EventStore) SaveSnapshot(ctx context.Context, s Snapshot) error {
	if s.AggregateID == "" {
		return fmt.Errorf("aggregate id must be provided")
	}

	if s.TakenAt.IsZero() {
		s.TakenAt = time.Now().UTC()
	}

	row := gormSnapshot{
		AggregateID:   s.AggregateID,
		AggregateType: s.AggregateType,
		Version:       s.Version,
		Data:          string(s.Data),
		TakenAt:       s.TakenAt,
	}

	return es.db.
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "aggregate_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
}

// LoadSnapshot returns the latest snapshot of the aggregate
func (es *EventStore) LoadSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	var row gormSnapshot

	err := es.db.
		WithContext(ctx).
		Where("aggregate_id = ?", aggregateID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSnapshotNotFound
	}

	if err != nil {
		return nil, err
	}

	return &Snapshot{
		AggregateID:   row.AggregateID,
		AggregateType: row.AggregateType,
		Version:       row.Version,
		Data:          []byte(row.Data),
		TakenAt:       row.TakenAt,
	}, nil
}
