package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AstroSeis/internal/domain/models"
	domrepo "AstroSeis/internal/domain/repository"
	"AstroSeis/internal/repository"
	runmetrics "AstroSeis/internal/service/metrics"
	"AstroSeis/pkg/metrics"
)

func newRunner(t *testing.T, cat domrepo.CatalogSource, maxActive int) (*Runner, *runmetrics.RunMetrics, domrepo.ResultStore) {
	t.Helper()
	cfg := testConfig(t)
	cfg.Diagnostics.Enabled = false
	store := repository.NewMemoryResultStore()
	m := runmetrics.NewRunMetrics(prometheus.NewRegistry())
	r := NewRunner(newPipeline(cfg, cat, &syntheticEphemeris{}, store), store, m, maxActive, nil)
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r, m, store
}

// drain reads a subscription to its end and returns every status seen.
func drain(t *testing.T, ch <-chan models.RunStatus) []models.RunStatus {
	t.Helper()
	var out []models.RunStatus
	timeout := time.After(time.Minute)
	for {
		select {
		case st, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, st)
		case <-timeout:
			t.Fatal("subscription never closed")
		}
	}
}

func TestRunnerCompletesRun(t *testing.T) {
	r, m, store := newRunner(t, background(800), 2)

	st, err := r.Submit(RunRequest{Iterations: 5})
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, st.State)
	require.NotEmpty(t, st.RunID)

	ch, unsubscribe, err := r.Subscribe(st.RunID)
	require.NoError(t, err)
	defer unsubscribe()
	seen := drain(t, ch)
	require.NotEmpty(t, seen)
	final := seen[len(seen)-1]
	assert.Equal(t, models.RunSucceeded, final.State)
	assert.Equal(t, 1.0, final.Progress)
	require.NotNil(t, final.Result)
	assert.Equal(t, st.RunID, final.Result.RunID)

	got, err := r.Status(context.Background(), st.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, got.State)

	_, err = store.Get(context.Background(), st.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Finished.WithLabelValues("succeeded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Active))

	// a finished run can still be subscribed to and yields its final status
	ch, _, err = r.Subscribe(st.RunID)
	require.NoError(t, err)
	again := drain(t, ch)
	require.Len(t, again, 1)
	assert.Equal(t, models.RunSucceeded, again[0].State)

	assert.NoError(t, r.Cancel(st.RunID), "canceling a finished run is a no-op")
}

func TestRunnerLimitsAndCancels(t *testing.T) {
	r, m, _ := newRunner(t, &staticCatalog{block: true}, 1)

	st, err := r.Submit(RunRequest{})
	require.NoError(t, err)
	ch, unsubscribe, err := r.Subscribe(st.RunID)
	require.NoError(t, err)
	defer unsubscribe()

	_, err = r.Submit(RunRequest{})
	assert.ErrorIs(t, err, ErrTooManyRuns)

	require.NoError(t, r.Cancel(st.RunID))
	seen := drain(t, ch)
	final := seen[len(seen)-1]
	assert.Equal(t, models.RunCanceled, final.State)
	assert.NotEmpty(t, final.Error)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Finished.WithLabelValues("canceled")))

	// the slot is free again
	st2, err := r.Submit(RunRequest{})
	require.NoError(t, err)
	require.NoError(t, r.Cancel(st2.RunID))
}

func TestRunnerRejectsInvalidRequest(t *testing.T) {
	r, m, _ := newRunner(t, background(1), 1)
	_, err := r.Submit(RunRequest{Hypotheses: []string{"astral:projection"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rejected))
}

func TestRunnerStatusFallsBackToStore(t *testing.T) {
	r, _, store := newRunner(t, background(1), 1)
	ctx := context.Background()

	_, err := r.Status(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrRunNotFound)
	assert.ErrorIs(t, r.Cancel("missing"), models.ErrRunNotFound)
	_, _, err = r.Subscribe("missing")
	assert.ErrorIs(t, err, models.ErrRunNotFound)

	stored := &models.RunResult{
		RunID:      "earlier",
		StartedAt:  date(2024, 1, 1),
		FinishedAt: date(2024, 1, 1).Add(time.Minute),
		Errors:     []models.StageError{{Stage: models.StageMonteCarlo, Kind: "error", Message: "x"}},
	}
	require.NoError(t, store.Save(ctx, stored))
	st, err := r.Status(ctx, "earlier")
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, st.State, "an optional stage error does not fail the run")
	assert.Equal(t, stored.FinishedAt, st.UpdatedAt)
}

func TestRunnerShutdownRefusesNewRuns(t *testing.T) {
	r, _, _ := newRunner(t, &staticCatalog{block: true}, 2)
	st, err := r.Submit(RunRequest{})
	require.NoError(t, err)

	require.NoError(t, r.Shutdown(context.Background()))
	got, err := r.Status(context.Background(), st.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCanceled, got.State)

	_, err = r.Submit(RunRequest{})
	assert.ErrorIs(t, err, ErrShutdown)
}

type recordingStorage struct {
	batches [][]models.RawEventRecord
	err     error
}

func (s *recordingStorage) LoadRaw(context.Context, time.Time, time.Time) ([]models.RawEventRecord, error) {
	return nil, nil
}
func (s *recordingStorage) Init(context.Context) error   { return nil }
func (s *recordingStorage) Health(context.Context) error { return nil }
func (s *recordingStorage) Close() error                 { return nil }
func (s *recordingStorage) StoreBatch(_ context.Context, records []models.RawEventRecord) error {
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, records)
	return nil
}

func TestCatalogIngestHandler(t *testing.T) {
	store := &recordingStorage{}
	h := NewCatalogIngestHandler("catalog.raw", store, metrics.Nop{}, nil)
	assert.Equal(t, "catalog.raw", h.Topic())
	ctx := context.Background()

	one, err := json.Marshal(models.RawEventRecord{ID: "a", Time: "2020-01-01T00:00:00Z"})
	require.NoError(t, err)
	require.NoError(t, h.Handle(ctx, one))
	require.NoError(t, h.Handle(ctx, []byte(` [{"id":"b","time":"x"},{"id":"c","time":"y"}]`)))
	require.NoError(t, h.Handle(ctx, []byte("  ")))

	require.Len(t, store.batches, 2)
	assert.Equal(t, "a", store.batches[0][0].ID)
	assert.Len(t, store.batches[1], 2)

	assert.Error(t, h.Handle(ctx, []byte(`{"id":`)))

	store.err = errors.New("clickhouse unavailable")
	err = h.Handle(ctx, one)
	assert.ErrorIs(t, err, store.err)
}

type sampleStorage struct {
	stored []domrepo.EphemerisSample
}

func (s *sampleStorage) StoreSamples(_ context.Context, samples []domrepo.EphemerisSample) error {
	s.stored = append(s.stored, samples...)
	return nil
}

func TestEphemerisIngestHandler(t *testing.T) {
	store := &sampleStorage{}
	h := NewEphemerisIngestHandler("ephemeris.daily", store, metrics.Nop{}, nil)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, []byte(`[
		{"at":"2020-01-01T00:00:00Z","body":"jupiter","position":{"geocentric_longitude":276.1}},
		{"at":"2020-01-02T00:00:00Z","body":"jupiter","position":{"geocentric_longitude":276.3}}
	]`)))
	require.Len(t, store.stored, 2)
	assert.Equal(t, models.Body("jupiter"), store.stored[1].Body)

	assert.Error(t, h.Handle(ctx, []byte(`[{"at":"2020-01-01T06:00:00Z","body":"mars"}]`)), "not a daily instant")
	assert.Error(t, h.Handle(ctx, []byte(`[{"at":"2020-01-01T00:00:00Z"}]`)), "missing body")
	assert.Error(t, h.Handle(ctx, []byte(`{"at":"2020-01-01T00:00:00Z"}`)), "not an array")
	assert.Len(t, store.stored, 2)
}
