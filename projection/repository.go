package projection

import (
	"context"
	"errors"
	"fmt"

	"github.com/andrekirst/eventstore"
	"gorm.io/gorm"
)

// ErrStaleReadModel is returned when the stored watermark no longer matches
// the one the read model was loaded with
var ErrStaleReadModel = errors.New("read model watermark moved concurrently")

// Watermark is embedded by read models. LastEventVersion is the highest
// event version already folded into the model
type Watermark struct {
	AggregateID      string `gorm:"primaryKey"`
	LastEventVersion int    `gorm:"not null"`
}

// ProjectionWatermark implements ReadModel
func (w *Watermark) ProjectionWatermark() *Watermark { return w }

// ReadModel is a denormalized view of a single aggregate
type ReadModel interface {
	ProjectionWatermark() *Watermark
}

// Repository persists read models of one type
type Repository[M ReadModel] interface {
	// Find returns the read model of the aggregate. found is false if
	// the aggregate was never projected
	Find(ctx context.Context, aggregateID string) (m M, found bool, err error)

	// Save inserts (created) or updates the model. Updates only succeed while
	// the stored watermark still equals prevVersion, otherwise ErrStaleReadModel
	Save(ctx context.Context, m M, prevVersion int, created bool) error

	Delete(ctx context.Context, aggregateID string) error
	DeleteAll(ctx context.Context) error
}

// NewGormRepository constructs a gorm backed read model repository and
// migrates the model's table. newModel must return a new zero value pointer
func NewGormRepository[M ReadModel](db *gorm.DB, newModel func() M) (*GormRepository[M], error) {
	if err := db.AutoMigrate(newModel()); err != nil {
		return nil, err
	}

	return &GormRepository[M]{
		db:       db,
		newModel: newModel,
	}, nil
}

// GormRepository stores read models in one table per model type
type GormRepository[M ReadModel] struct {
	db       *gorm.DB
	newModel func() M
}

// Find implements Repository
func (r *GormRepository[M]) Find(ctx context.Context, aggregateID string) (M, bool, error) {
	m := r.newModel()

	err := r.db.
		WithContext(ctx).
		Where("aggregate_id = ?", aggregateID).
		Take(m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var zero M

		return zero, false, nil
	}

	if err != nil {
		var zero M

		return zero, false, err
	}

	return m, true, nil
}

// Save implements Repository. The new watermark is written in the same
// statement as the folded state
func (r *GormRepository[M]) Save(ctx context.Context, m M, prevVersion int, created bool) error {
	if created {
		err := r.db.WithContext(ctx).Create(m).Error
		if eventstore.IsDuplicateKey(err) {
			return fmt.Errorf("%w: %s already exists", ErrStaleReadModel, m.ProjectionWatermark().AggregateID)
		}

		return err
	}

	res := r.db.
		WithContext(ctx).
		Model(m).
		Where("last_event_version = ?", prevVersion).
		Select("*").
		Updates(m)
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected == 0 {
		return fmt.Errorf(
			"%w: %s no longer at version %d",
			ErrStaleReadModel, m.ProjectionWatermark().AggregateID, prevVersion,
		)
	}

	return nil
}

// Delete implements Repository
func (r *GormRepository[M]) Delete(ctx context.Context, aggregateID string) error {
	return r.db.
		WithContext(ctx).
		Where("aggregate_id = ?", aggregateID).
		Delete(r.newModel()).Error
}

// DeleteAll implements Repository
func (r *GormRepository[M]) DeleteAll(ctx context.Context) error {
	return r.db.
		WithContext(ctx).
		Where("1 = 1").
		Delete(r.newModel()).Error
}

// DB exposes the connection for read side queries
func (r *GormRepository[M]) DB() *gorm.DB { return r.db }
