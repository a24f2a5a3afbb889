package projection_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andrekirst/eventstore"
	"github.com/andrekirst/eventstore/projection"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const counterType = "Counter"

type incremented struct {
	By int `json:"by"`
}

func (incremented) EventType() string { return "Incremented" }

type noted struct {
	Note string `json:"note"`
}

func (noted) EventType() string { return "Noted" }

type exploded struct{}

func (exploded) EventType() string { return "Exploded" }

type counterView struct {
	projection.Watermark
	Total int
	Notes string
}

func (counterView) TableName() string { return "counter_views" }

func newCounterView() *counterView { return &counterView{} }

type fixture struct {
	store   *eventstore.EventStore
	enc     *eventstore.JSONEncoder
	repo    projection.Repository[*counterView]
	engine  *projection.Engine[*counterView]
	metrics *projection.Metrics
	reg     *prometheus.Registry
}

func setup(t *testing.T, wrap ...func(projection.Repository[*counterView]) projection.Repository[*counterView]) *fixture {
	t.Helper()

	enc := eventstore.NewJSONEncoder()
	eventstore.Register[incremented](enc)
	eventstore.Register[noted](enc)
	eventstore.Register[exploded](enc)

	es, err := eventstore.New(enc, eventstore.WithSQLiteDB(filepath.Join(t.TempDir(), "projection.db")))
	require.NoError(t, err)

	t.Cleanup(func() { _ = es.Close() })

	gormRepo, err := projection.NewGormRepository(es.DB(), newCounterView)
	require.NoError(t, err)

	var repo projection.Repository[*counterView] = gormRepo

	for _, w := range wrap {
		repo = w(repo)
	}

	reg := prometheus.NewRegistry()
	metrics := projection.NewMetrics(reg)

	engine := projection.New(counterType, es, enc, repo, newCounterView, projection.WithMetrics(metrics))

	projection.On(engine, func(v *counterView, _ eventstore.Record, e incremented) error {
		if e.By < 0 {
			return fmt.Errorf("negative increment %d", e.By)
		}

		v.Total += e.By

		return nil
	})

	projection.On(engine, func(v *counterView, _ eventstore.Record, e noted) error {
		if e.Note == "boom" {
			panic("boom")
		}

		v.Notes += e.Note

		return nil
	})

	return &fixture{
		store:   es,
		enc:     enc,
		repo:    repo,
		engine:  engine,
		metrics: metrics,
		reg:     reg,
	}
}

func (f *fixture) append(t *testing.T, id string, evts ...eventstore.Event) {
	t.Helper()

	current, err := f.store.CurrentVersion(context.Background(), id)
	require.NoError(t, err)

	toStore := make([]eventstore.EventToStore, len(evts))
	for i, evt := range evts {
		toStore[i] = eventstore.EventToStore{Event: evt}
	}

	_, err = f.store.Append(context.Background(), id, counterType, current, toStore)
	require.NoError(t, err)
}

func (f *fixture) view(t *testing.T, id string) *counterView {
	t.Helper()

	v, found, err := f.engine.Load(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found, "read model %s not found", id)

	return v
}

func TestProject_Folds_Events_In_Version_Order(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.append(t, "c-1", incremented{By: 1}, noted{Note: "a"}, incremented{By: 2}, noted{Note: "b"})

	res, err := f.engine.Project(ctx, "c-1", eventstore.Origin)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Applied)
	assert.Empty(t, res.Anomalies)
	assert.Equal(t, 3, res.LastEventVersion)

	v := f.view(t, "c-1")
	assert.Equal(t, 3, v.Total)
	assert.Equal(t, "ab", v.Notes)
	assert.Equal(t, 3, v.LastEventVersion)
}

func TestProject_Is_Idempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.append(t, "c-1", incremented{By: 5}, noted{Note: "x"})

	_, err := f.engine.Project(ctx, "c-1", eventstore.Origin)
	require.NoError(t, err)

	before := f.view(t, "c-1")

	res, err := f.engine.Project(ctx, "c-1", eventstore.Origin)
	require.NoError(t, err)
	assert.Zero(t, res.Applied)
	assert.Equal(t, 1, res.LastEventVersion)

	assert.Equal(t, before, f.view(t, "c-1"))
}

func TestProject_Once_Equals_Stepwise_Projection(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	evts := []eventstore.Event{
		incremented{By: 1}, noted{Note: "q"}, incremented{By: 10}, noted{Note: "r"}, noted{Note: "s"},
	}

	for _, evt := range evts {
		f.append(t, "stepwise", evt)

		_, err := f.engine.Project(ctx, "stepwise", eventstore.Origin)
		require.NoError(t, err)
	}

	f.append(t, "batch", evts...)

	_, err := f.engine.Project(ctx, "batch", eventstore.Origin)
	require.NoError(t, err)

	stepwise, batch := f.view(t, "stepwise"), f.view(t, "batch")

	assert.Equal(t, stepwise.Total, batch.Total)
	assert.Equal(t, stepwise.Notes, batch.Notes)
	assert.Equal(t, stepwise.LastEventVersion, batch.LastEventVersion)
	assert.Equal(t, "qrs", batch.Notes)
}

func TestProject_Advances_Watermark_Past_Unhandled_Event(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.append(t, "c-1", incremented{By: 1}, exploded{}, incremented{By: 1})

	res, err := f.engine.Project(ctx, "c-1", eventstore.Origin)
	require.NoError(t, err)

	require.Len(t, res.Anomalies, 1)
	assert.ErrorIs(t, res.Anomalies[0], projection.ErrNoApplier)
	assert.Equal(t, 1, res.Anomalies[0].Version)
	assert.Equal(t, "Exploded", res.Anomalies[0].EventType)
	assert.Equal(t, 2, res.Applied)

	v := f.view(t, "c-1")
	assert.Equal(t, 2, v.Total)
	assert.Equal(t, 2, v.LastEventVersion)

	n, err := testutil.GatherAndCount(f.reg, "booking_projection_anomalies_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProject_Isolates_Undecodable_And_Failing_Events(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.append(t, "c-1", incremented{By: 1})

	_, err := f.store.AppendEncoded(ctx, "c-1", counterType, 0, []eventstore.EncodedEvt{
		{Type: "Incremented", Data: []byte("invalid json{")},
		{Type: "Incremented", Data: nil},
	})
	require.NoError(t, err)

	f.append(t, "c-1", incremented{By: -1}, noted{Note: "boom"}, incremented{By: 4})

	res, err := f.engine.Project(ctx, "c-1", eventstore.Origin)
	require.NoError(t, err)
	require.Len(t, res.Anomalies, 4)

	var decErr *eventstore.DecodeError
	assert.ErrorAs(t, res.Anomalies[0], &decErr)
	assert.ErrorIs(t, res.Anomalies[1], eventstore.ErrEmptyPayload)
	assert.Contains(t, res.Anomalies[2].Error(), "negative increment")
	assert.Contains(t, res.Anomalies[3].Error(), "panic")

	v := f.view(t, "c-1")
	assert.Equal(t, 5, v.Total)
	assert.Equal(t, 5, v.LastEventVersion)
}

func TestProject_Starts_After_From_Version_For_New_Model(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.append(t, "c-1", incremented{By: 1}, incremented{By: 2}, incremented{By: 4})

	res, err := f.engine.Project(ctx, "c-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	v := f.view(t, "c-1")
	assert.Equal(t, 4, v.Total)

	// a lower fromVersion never re-applies what the watermark already covers
	res, err = f.engine.Project(ctx, "c-1", eventstore.Origin)
	require.NoError(t, err)
	assert.Zero(t, res.Applied)
}

func TestProject_Only_Reads_Its_Aggregate_Type(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.store.Append(ctx, "shared", "Other", eventstore.NoVersion, []eventstore.EventToStore{
		{Event: incremented{By: 100}},
	})
	require.NoError(t, err)

	res, err := f.engine.Project(ctx, "shared", eventstore.Origin)
	require.NoError(t, err)
	assert.Zero(t, res.Applied)

	_, found, err := f.engine.Load(ctx, "shared")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestProject_With_Cancelled_Context_Leaves_Model_Untouched(t *testing.T) {
	f := setup(t)

	f.append(t, "c-1", incremented{By: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Project(ctx, "c-1", eventstore.Origin)
	assert.Error(t, err)

	_, found, err := f.engine.Load(context.Background(), "c-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRebuild_Replays_From_Origin(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.append(t, "c-1", incremented{By: 1}, incremented{By: 2})

	_, err := f.engine.Project(ctx, "c-1", eventstore.Origin)
	require.NoError(t, err)

	res, err := f.engine.Rebuild(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)

	v := f.view(t, "c-1")
	assert.Equal(t, 3, v.Total)
	assert.Equal(t, 1, v.LastEventVersion)
}

type failingRepo struct {
	projection.Repository[*counterView]
	failFor string
}

func (r failingRepo) Save(ctx context.Context, m *counterView, prev int, created bool) error {
	if m.AggregateID == r.failFor {
		return errors.New("disk on fire")
	}

	return r.Repository.Save(ctx, m, prev, created)
}

func TestRebuildAll_Continues_After_Failing_Aggregate(t *testing.T) {
	f := setup(t, func(r projection.Repository[*counterView]) projection.Repository[*counterView] {
		return failingRepo{Repository: r, failFor: "c-2"}
	})
	ctx := context.Background()

	for _, id := range []string{"c-1", "c-2", "c-3"} {
		f.append(t, id, incremented{By: 1}, exploded{})
	}

	report, err := f.engine.RebuildAll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "c-2")
	assert.Contains(t, err.Error(), "disk on fire")

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Rebuilt)
	assert.Equal(t, 2, report.Anomalies)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "c-2", report.Failures[0].AggregateID)

	assert.Equal(t, 1, f.view(t, "c-1").Total)
	assert.Equal(t, 1, f.view(t, "c-3").Total)
}

func TestRebuildAll_Discards_Stale_Models(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.append(t, "c-1", incremented{By: 7})

	_, err := f.engine.Project(ctx, "c-1", eventstore.Origin)
	require.NoError(t, err)

	// a model without events behind it disappears on rebuild
	require.NoError(t, f.repo.Save(ctx, &counterView{
		Watermark: projection.Watermark{AggregateID: "ghost", LastEventVersion: 3},
		Total:     99,
	}, eventstore.NoVersion, true))

	report, err := f.engine.RebuildAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rebuilt)

	_, found, err := f.engine.Load(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 7, f.view(t, "c-1").Total)
}

func TestGormRepository_Save_Guards_Watermark(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	v := &counterView{Watermark: projection.Watermark{AggregateID: "c-1", LastEventVersion: 0}, Total: 1}
	require.NoError(t, f.repo.Save(ctx, v, eventstore.NoVersion, true))

	err := f.repo.Save(ctx, v, eventstore.NoVersion, true)
	assert.ErrorIs(t, err, projection.ErrStaleReadModel)

	v.LastEventVersion = 1
	v.Total = 2
	require.NoError(t, f.repo.Save(ctx, v, 0, false))

	v.LastEventVersion = 2
	err = f.repo.Save(ctx, v, 0, false)
	assert.ErrorIs(t, err, projection.ErrStaleReadModel)

	stored := f.view(t, "c-1")
	assert.Equal(t, 1, stored.LastEventVersion)
	assert.Equal(t, 2, stored.Total)
}

func TestApplyError_Message(t *testing.T) {
	err := &projection.ApplyError{AggregateID: "c-1", EventType: "Noted", Version: 4, Err: projection.ErrNoApplier}

	assert.True(t, strings.Contains(err.Error(), "Noted v4 of c-1"))
}
