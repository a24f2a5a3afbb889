// Package eventstore provides an append-only event store for event sourced
// aggregates backed by sqlite or postgres (through gorm).
// Apart from the event store itself, the package provides the event codec
// used to encode domain events into tagged payloads and back.
// Projections, aggregates and history reconstruction live in sibling packages
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	// NoVersion is the version of an aggregate without any events.
	// It is the expected version to use when appending the first events
	NoVersion int = -1

	// Origin is the version of the first event of every aggregate
	Origin int = 0
)

var (
	// ErrConcurrencyConflict indicates that the expected version did not match
	// the current version of the aggregate, or that a concurrent writer
	// stored the same version first
	ErrConcurrencyConflict = errors.New("optimistic concurrency check failed")

	// ErrSubscriptionClosedByClient is produced by sub.Err if client cancels the subscription using sub.Close()
	ErrSubscriptionClosedByClient = errors.New("subscription closed by client")
)

// Encoder is used by the event store in order to correctly marshal
// and unmarshal event types
type Encoder interface {
	Encode(Event) (*EncodedEvt, error)
	Decode(*EncodedEvt) (Event, error)
}

// New constructs new event store
// enc - a specific encoder implementation (see bundled JSONEncoder)
func New(enc Encoder, opts ...Option) (*EventStore, error) {
	if enc == nil {
		return nil, fmt.Errorf("encoder implementation must be provided")
	}

	cfg := Cfg{
		Logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	db := cfg.DB

	if db == nil {
		var dial gorm.Dialector

		switch {
		case cfg.PostgresDSN != "":
			dial = postgres.Open(cfg.PostgresDSN)
		case cfg.SQLitePath != "":
			dial = sqlite.Open(cfg.SQLitePath)
		default:
			return nil, fmt.Errorf("either postgres dsn, sqlite path or gorm db must be provided")
		}

		var err error

		db, err = gorm.Open(dial, &gorm.Config{
			TranslateError: true,
			Logger:         logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}

		if cfg.SQLitePath != "" {
			sqlDB, err := db.DB()
			if err != nil {
				return nil, err
			}

			// sqlite allows a single writer, serialize access instead of
			// failing with SQLITE_BUSY
			sqlDB.SetMaxOpenConns(1)
		}
	}

	if err := db.AutoMigrate(&gormEvent{}, &gormSnapshot{}); err != nil {
		return nil, err
	}

	return &EventStore{
		db:     db,
		enc:    enc,
		logger: cfg.Logger,
	}, nil
}

// Cfg represents event store configuration
type Cfg struct {
	PostgresDSN string
	SQLitePath  string
	DB          *gorm.DB
	Logger      zerolog.Logger
}

// Option represents event store configuration option
type Option func(Cfg) Cfg

// WithPostgresDB is an event store option that can be used to configure
// the eventstore to use postgres as a backing storage (pgx driver)
func WithPostgresDB(dsn string) Option {
	return func(cfg Cfg) Cfg {
		cfg.PostgresDSN = dsn

		return cfg
	}
}

// WithSQLiteDB is an event store option that can be used to configure
// the eventstore to use sqlite as a backing storage
func WithSQLiteDB(path string) Option {
	return func(cfg Cfg) Cfg {
		cfg.SQLitePath = path

		return cfg
	}
}

// WithGormDB configures the event store to use an already opened gorm connection
func WithGormDB(db *gorm.DB) Option {
	return func(cfg Cfg) Cfg {
		cfg.DB = db

		return cfg
	}
}

// WithLogger sets the logger used by the event store
func WithLogger(l zerolog.Logger) Option {
	return func(cfg Cfg) Cfg {
		cfg.Logger = l

		return cfg
	}
}

// EventStore represents a gorm backed event store implementation
type EventStore struct {
	db     *gorm.DB
	enc    Encoder
	logger zerolog.Logger
}

// DB returns the underlying gorm connection so that read models can
// share it with the event table
func (es *EventStore) DB() *gorm.DB { return es.db }

// Close should be called as a part of cleanup process
// in order to close the underlying sql connection
func (es *EventStore) Close() error {
	sqlDB, err := es.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

type gormEvent struct {
	ID            string    `gorm:"unique"`
	Sequence      uint64    `gorm:"autoIncrement;primaryKey"`
	AggregateID   string    `gorm:"index:idx_optimistic_check,unique;index"`
	AggregateType string    `gorm:"index"`
	Type          string    `gorm:"not null"`
	Data          *string   // NULL payloads are preserved as such
	Version       int       `gorm:"index:idx_optimistic_check,unique"`
	OccurredOn    time.Time `gorm:"not null"`
}

// TableName returns gorm table name
func (ge *gormEvent) TableName() string { return "event" }

func (ge *gormEvent) record() Record {
	r := Record{
		ID:            ge.ID,
		Sequence:      ge.Sequence,
		AggregateID:   ge.AggregateID,
		AggregateType: ge.AggregateType,
		EventType:     ge.Type,
		Version:       ge.Version,
		Timestamp:     ge.OccurredOn,
	}

	if ge.Data != nil {
		r.Payload = []byte(*ge.Data)
	}

	return r
}

// Append will encode provided events and try to append them to the
// indicated aggregate. expectedVersion must be NoVersion for new aggregates
// and the latest stored version for existing ones, otherwise
// ErrConcurrencyConflict is returned. The check is advisory, the unique
// (aggregate_id, version) index settles races between concurrent writers.
// The version of the last appended event is returned
func (es *EventStore) Append(
	ctx context.Context,
	aggregateID string,
	aggregateType string,
	expectedVersion int,
	events []EventToStore) (int, error) {

	encoded := make([]EncodedEvt, len(events))

	for i, evt := range events {
		if evt.Event == nil {
			return NoVersion, fmt.Errorf("event %d must not be nil", i)
		}

		enc, err := es.enc.Encode(evt.Event)
		if err != nil {
			return NoVersion, err
		}

		enc.ID = evt.ID
		enc.OccurredOn = evt.OccurredOn

		encoded[i] = *enc
	}

	return es.AppendEncoded(ctx, aggregateID, aggregateType, expectedVersion, encoded)
}

// AppendEncoded appends already encoded events. It follows the same
// concurrency rules as Append and is used when payloads come from outside
// the process (imports, relays) and must be stored verbatim
func (es *EventStore) AppendEncoded(
	ctx context.Context,
	aggregateID string,
	aggregateType string,
	expectedVersion int,
	events []EncodedEvt) (int, error) {

	if len(aggregateID) == 0 {
		return NoVersion, fmt.Errorf("aggregate id must be provided")
	}

	if len(aggregateType) == 0 {
		return NoVersion, fmt.Errorf("aggregate type must be provided")
	}

	if expectedVersion < NoVersion {
		return NoVersion, fmt.Errorf("expected version cannot be less than %d", NoVersion)
	}

	if len(events) == 0 {
		return expectedVersion, nil
	}

	current, err := es.CurrentVersion(ctx, aggregateID)
	if err != nil {
		return NoVersion, err
	}

	if current != expectedVersion {
		return NoVersion, fmt.Errorf(
			"%w: expected version %d, current version %d",
			ErrConcurrencyConflict, expectedVersion, current,
		)
	}

	eventsToSave := make([]gormEvent, len(events))
	version := expectedVersion

	for i, evt := range events {
		if evt.Type == "" {
			return NoVersion, fmt.Errorf("event %d: event type must be provided", i)
		}

		version++

		event := gormEvent{
			ID:            evt.ID,
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			Type:          evt.Type,
			Version:       version,
			OccurredOn:    evt.OccurredOn.UTC(),
		}

		if evt.Data != nil {
			data := string(evt.Data)
			event.Data = &data
		}

		if event.ID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return NoVersion, err
			}

			event.ID = id.String()
		}

		if evt.OccurredOn.IsZero() {
			event.OccurredOn = time.Now().UTC()
		}

		eventsToSave[i] = event
	}

	err = es.db.WithContext(ctx).Create(&eventsToSave).Error
	if IsDuplicateKey(err) {
		es.logger.Debug().
			Str("aggregate_id", aggregateID).
			Int("version", expectedVersion+1).
			Msg("concurrent append lost the race")

		return NoVersion, fmt.Errorf(
			"%w: version %d already stored for aggregate %s",
			ErrConcurrencyConflict, expectedVersion+1, aggregateID,
		)
	}

	if err != nil {
		return NoVersion, err
	}

	return version, nil
}

// IsDuplicateKey reports whether err is a unique constraint violation of
// either supported backend
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var sqliteErr sqlite3.Error

	return errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

// CurrentVersion returns the highest stored version of the aggregate or
// NoVersion if the aggregate has no events
func (es *EventStore) CurrentVersion(ctx context.Context, aggregateID string) (int, error) {
	var v sql.NullInt64

	err := es.db.
		WithContext(ctx).
		Model(&gormEvent{}).
		Where("aggregate_id = ?", aggregateID).
		Select("MAX(version)").
		Row().
		Scan(&v)
	if err != nil {
		return NoVersion, err
	}

	if !v.Valid {
		return NoVersion, nil
	}

	return int(v.Int64), nil
}

// ReadConfig (configure using ReadOpt)
type ReadConfig struct {
	Limit         int
	Descending    bool
	AggregateType string
}

// ReadOpt represents aggregate read option
type ReadOpt func(ReadConfig) ReadConfig

// WithLimit limits the number of returned records
func WithLimit(n int) ReadOpt {
	return func(cfg ReadConfig) ReadConfig {
		cfg.Limit = n

		return cfg
	}
}

// WithDescending returns the newest versions first. Combined with WithLimit
// it reads the tail of an aggregate
func WithDescending() ReadOpt {
	return func(cfg ReadConfig) ReadConfig {
		cfg.Descending = true

		return cfg
	}
}

// WithAggregateType only returns records stored under the given aggregate type
func WithAggregateType(t string) ReadOpt {
	return func(cfg ReadConfig) ReadConfig {
		cfg.AggregateType = t

		return cfg
	}
}

// ReadFrom reads records of an aggregate starting at fromVersion (inclusive)
// ordered by version ascending (unless WithDescending is used).
// An aggregate without events yields an empty slice
func (es *EventStore) ReadFrom(
	ctx context.Context,
	aggregateID string,
	fromVersion int,
	opts ...ReadOpt) ([]Record, error) {

	if len(aggregateID) == 0 {
		return nil, fmt.Errorf("aggregate id must be provided")
	}

	var cfg ReadConfig

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	q := es.db.
		WithContext(ctx).
		Where("aggregate_id = ? AND version >= ?", aggregateID, fromVersion)

	if cfg.AggregateType != "" {
		q = q.Where("aggregate_type = ?", cfg.AggregateType)
	}

	if cfg.Descending {
		q = q.Order("version desc").Order("sequence desc")
	} else {
		q = q.Order("version asc").Order("sequence asc")
	}

	if cfg.Limit > 0 {
		q = q.Limit(cfg.Limit)
	}

	var events []gormEvent

	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}

	out := make([]Record, len(events))

	for i := range events {
		out[i] = events[i].record()
	}

	return out, nil
}

// ReadAll reads every record of an aggregate ordered by version ascending
func (es *EventStore) ReadAll(ctx context.Context, aggregateID string, opts ...ReadOpt) ([]Record, error) {
	return es.ReadFrom(ctx, aggregateID, NoVersion, opts...)
}

// ListAggregateIDs returns distinct ids of aggregates that stored at least
// one event under the given aggregate type. Meant for rebuilds, not for hot paths
func (es *EventStore) ListAggregateIDs(ctx context.Context, aggregateType string) ([]string, error) {
	var ids []string

	err := es.db.
		WithContext(ctx).
		Model(&gormEvent{}).
		Distinct().
		Where("aggregate_type = ?", aggregateType).
		Order("aggregate_id").
		Pluck("aggregate_id", &ids).Error
	if err != nil {
		return nil, err
	}

	return ids, nil
}

// Decode decodes a stored record using the store's encoder
func (es *EventStore) Decode(rec Record) (Event, error) {
	return es.enc.Decode(rec.Encoded())
}
