// Package history rebuilds a human readable, paginated timeline of an
// aggregate straight from its stored events
package history

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/andrekirst/eventstore"
	"github.com/rs/zerolog"
)

const (
	// MaxPageSize is the largest accepted page size
	MaxPageSize = 100

	// DefaultMaxEvents bounds the number of events scanned per query
	DefaultMaxEvents = 10000

	// FallbackDescription describes events that could not be processed
	FallbackDescription = "event could not be processed"
)

var (
	// ErrNotFound is returned for aggregates without events
	ErrNotFound = errors.New("aggregate not found")

	// ErrInvalidPage is returned for page < 1 or a page size outside [1, MaxPageSize]
	ErrInvalidPage = errors.New("invalid page")
)

// Entry is one line of the timeline
type Entry struct {
	EventID      string         `json:"eventId"`
	EventType    string         `json:"eventType"`
	Version      int            `json:"version"`
	Timestamp    time.Time      `json:"timestamp"`
	Description  string         `json:"description"`
	Details      string         `json:"details,omitempty"`
	Changes      map[string]any `json:"changes,omitempty"`
	StatusBefore *string        `json:"statusBefore,omitempty"`
	StatusAfter  *string        `json:"statusAfter,omitempty"`
	Error        string         `json:"error,omitempty"`

	sequence uint64
}

// Page is a page of the timeline, newest entries first
type Page struct {
	AggregateID string  `json:"bookingId"`
	Page        int     `json:"page"`
	PageSize    int     `json:"pageSize"`
	Total       int     `json:"total"`
	Truncated   bool    `json:"truncated,omitempty"`
	History     []Entry `json:"history"`
}

// Formatted is the display form of one decoded event
type Formatted struct {
	Description string
	Details     string
	Changes     map[string]any

	// StatusAfter is the aggregate status after the event, nil when the
	// event does not track status
	StatusAfter *string
}

// Formatter renders a decoded event. status is the status before the event
// (nil if not known yet)
type Formatter func(evt eventstore.Event, status *string) Formatted

// Reader reads stored records
type Reader interface {
	ReadAll(ctx context.Context, aggregateID string, opts ...eventstore.ReadOpt) ([]eventstore.Record, error)
}

// Decoder decodes stored payloads
type Decoder interface {
	Decode(*eventstore.EncodedEvt) (eventstore.Event, error)
}

// Option configures Service
type Option func(*Service)

// WithMaxEvents overrides DefaultMaxEvents
func WithMaxEvents(n int) Option {
	return func(s *Service) {
		s.maxEvents = n
	}
}

// WithAggregateType restricts the timeline to events stored under t
func WithAggregateType(t string) Option {
	return func(s *Service) {
		s.aggregateType = t
	}
}

// WithLogger sets the service logger
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// New constructs the history service. formatters maps event tags to their renderer
func New(reader Reader, dec Decoder, formatters map[string]Formatter, opts ...Option) *Service {
	s := &Service{
		reader:     reader,
		dec:        dec,
		formatters: formatters,
		maxEvents:  DefaultMaxEvents,
		logger:     zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Service reconstructs timelines. It never touches read models
type Service struct {
	reader        Reader
	dec           Decoder
	formatters    map[string]Formatter
	maxEvents     int
	aggregateType string
	logger        zerolog.Logger
}

// ValidatePage checks paging arguments
func ValidatePage(page, pageSize int) error {
	if page < 1 {
		return fmt.Errorf("%w: page must be at least 1, got %d", ErrInvalidPage, page)
	}

	if pageSize < 1 || pageSize > MaxPageSize {
		return fmt.Errorf("%w: page size must be between 1 and %d, got %d", ErrInvalidPage, MaxPageSize, pageSize)
	}

	return nil
}

// GetHistory returns one page of the aggregate timeline ordered by
// timestamp descending. Events that cannot be decoded or formatted yield a
// fallback entry instead of failing the call
func (s *Service) GetHistory(ctx context.Context, aggregateID string, page, pageSize int) (*Page, error) {
	if err := ValidatePage(page, pageSize); err != nil {
		return nil, err
	}

	entries, truncated, err := s.Entries(ctx, aggregateID)
	if err != nil {
		return nil, err
	}

	skip := (page - 1) * pageSize

	out := &Page{
		AggregateID: aggregateID,
		Page:        page,
		PageSize:    pageSize,
		Total:       len(entries),
		Truncated:   truncated,
		History:     []Entry{},
	}

	if skip < len(entries) {
		out.History = entries[skip:min(skip+pageSize, len(entries))]
	}

	return out, nil
}

// Entries returns the whole (capped) timeline sorted newest first.
// truncated reports whether older events were left out because of the cap
func (s *Service) Entries(ctx context.Context, aggregateID string) ([]Entry, bool, error) {
	opts := []eventstore.ReadOpt{
		eventstore.WithDescending(),
	}

	if s.maxEvents > 0 {
		opts = append(opts, eventstore.WithLimit(s.maxEvents+1))
	}

	if s.aggregateType != "" {
		opts = append(opts, eventstore.WithAggregateType(s.aggregateType))
	}

	records, err := s.reader.ReadAll(ctx, aggregateID, opts...)
	if err != nil {
		return nil, false, fmt.Errorf("read events of %s: %w", aggregateID, err)
	}

	if len(records) == 0 {
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, aggregateID)
	}

	truncated := s.maxEvents > 0 && len(records) > s.maxEvents
	if truncated {
		records = records[:s.maxEvents]

		s.logger.Warn().
			Str("aggregate_id", aggregateID).
			Int("max_events", s.maxEvents).
			Msg("history truncated")
	}

	// status is tracked in version order, the read above is newest first
	slices.Reverse(records)

	entries := make([]Entry, 0, len(records))

	var status *string

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		entry := s.entry(rec, status)
		if entry.StatusAfter != nil {
			status = entry.StatusAfter
		}

		entries = append(entries, entry)
	}

	slices.SortStableFunc(entries, compareEntries)

	return entries, truncated, nil
}

func compareEntries(a, b Entry) int {
	if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
		return c
	}

	if c := cmp.Compare(b.Version, a.Version); c != 0 {
		return c
	}

	if c := cmp.Compare(b.sequence, a.sequence); c != 0 {
		return c
	}

	return cmp.Compare(b.EventID, a.EventID)
}

func (s *Service) entry(rec eventstore.Record, status *string) (entry Entry) {
	entry = Entry{
		EventID:   rec.ID,
		EventType: rec.EventType,
		Version:   rec.Version,
		Timestamp: rec.Timestamp,
		sequence:  rec.Sequence,
	}

	logger := s.logger.With().
		Str("aggregate_id", rec.AggregateID).
		Str("event_type", rec.EventType).
		Int("version", rec.Version).
		Logger()

	fallback := func(err error) Entry {
		logger.Warn().Err(err).Msg("history entry could not be processed")

		entry.Description = FallbackDescription
		entry.Details = fmt.Sprintf("failed to process event: %v", err)
		entry.Error = err.Error()
		entry.Changes = nil
		entry.StatusBefore = nil
		entry.StatusAfter = nil

		return entry
	}

	evt, err := s.dec.Decode(rec.Encoded())
	if err != nil {
		return fallback(err)
	}

	format, ok := s.formatters[rec.EventType]
	if !ok {
		entry.Description = "unknown event: " + rec.EventType
		entry.StatusBefore = status
		entry.StatusAfter = status

		return entry
	}

	defer func() {
		if r := recover(); r != nil {
			entry = fallback(fmt.Errorf("formatter panic: %v", r))
		}
	}()

	f := format(evt, status)

	entry.Description = f.Description
	entry.Details = f.Details
	entry.Changes = f.Changes
	entry.StatusBefore = status
	entry.StatusAfter = f.StatusAfter

	return entry
}
