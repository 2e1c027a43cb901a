package usecase

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creasty/defaults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AstroSeis/internal/domain/models"
	domrepo "AstroSeis/internal/domain/repository"
	"AstroSeis/internal/repository"
	"AstroSeis/internal/testutil"
	"AstroSeis/pkg/config"
	"AstroSeis/pkg/metrics"
)

func date(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

type staticCatalog struct {
	records []models.RawEventRecord
	block   bool
}

func (c *staticCatalog) LoadRaw(ctx context.Context, from, to time.Time) ([]models.RawEventRecord, error) {
	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return c.records, nil
}

type syntheticEphemeris struct {
	skip  time.Time
	err   error
	calls atomic.Int64
}

func (e *syntheticEphemeris) FetchDaily(_ context.Context, from, to time.Time, bodies []models.Body) ([]domrepo.EphemerisSample, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	var out []domrepo.EphemerisSample
	for _, s := range testutil.EphemerisSamples(from, to, bodies) {
		if !s.At.Equal(e.skip) {
			out = append(out, s)
		}
	}
	return out, nil
}

func testConfig(t *testing.T) config.PipelineConfig {
	t.Helper()
	var cfg config.PipelineConfig
	require.NoError(t, defaults.Set(&cfg))
	cfg.Analysis.From = date(2019, 1, 1)
	cfg.Analysis.To = date(2020, 12, 31)
	cfg.Analysis.MagnitudeThresholds = []float64{4.5}
	cfg.MonteCarlo.Iterations = 20
	cfg.MonteCarlo.Workers = 2
	return cfg
}

func background(n int) *staticCatalog {
	rng := rand.New(rand.NewPCG(5, 6))
	return &staticCatalog{records: testutil.BackgroundCatalog(rng, n, date(2019, 1, 1), date(2021, 1, 1), 4.5)}
}

func newPipeline(cfg config.PipelineConfig, cat domrepo.CatalogSource, eph domrepo.EphemerisSource, store domrepo.ResultStore) *Pipeline {
	return NewPipeline(cfg, cat, eph, store, repository.NopResultPublisher{}, metrics.Nop{}, nil)
}

func TestPipelineRunsEveryStage(t *testing.T) {
	store := repository.NewMemoryResultStore()
	eph := &syntheticEphemeris{}
	p := newPipeline(testConfig(t), background(1500), eph, store)

	var stagesSeen []models.StageName
	var last float64
	rc, err := p.Prepare("run-1", RunRequest{})
	require.NoError(t, err)
	res, err := p.Execute(context.Background(), rc, func(stage models.StageName, progress float64) {
		if len(stagesSeen) == 0 || stagesSeen[len(stagesSeen)-1] != stage {
			stagesSeen = append(stagesSeen, stage)
		}
		assert.GreaterOrEqual(t, progress, last, "progress never goes back")
		last = progress
	})
	require.NoError(t, err)
	assert.Empty(t, res.Errors)

	assert.Equal(t, []models.StageName{
		models.StageAcquire, models.StageNormalize, models.StageDecluster, models.StageFeatures,
		models.StageRegression, models.StagePeriodicity, models.StageMonteCarlo, models.StageDiagnostics,
	}, stagesSeen)
	assert.Equal(t, 1.0, last)
	assert.EqualValues(t, 1, eph.calls.Load(), "ephemeris is fetched once, up front")

	assert.Equal(t, 1500, res.Catalog.Raw)
	assert.Equal(t, res.Catalog.Normalized, res.Catalog.Independent+res.Catalog.Dependent)
	assert.Equal(t, res.Catalog.Independent, res.Catalog.Retained)
	assert.Equal(t, 731, res.Features.Days)
	assert.Equal(t, "utc", res.Features.DatePolicy)

	require.Len(t, res.Models, 1)
	assert.Equal(t, "daily_count_m4.5", res.Models[0].Response)
	assert.NotNil(t, res.Models[0].BaselinePoisson)
	assert.Contains(t, res.Models[0].Candidates, models.FeatureUDN)

	require.NotNil(t, res.Periodicity)
	assert.Equal(t, "schuster", res.Periodicity.TestName)
	assert.Equal(t, res.Catalog.Independent, res.Periodicity.SampleSize)

	require.Len(t, res.MonteCarlo, 1)
	assert.Equal(t, 1, res.MonteCarlo[0].Tests)
	assert.Equal(t, 0.05, res.MonteCarlo[0].CorrectedAlpha)

	require.NotNil(t, res.Diagnostics)
	assert.Equal(t, "power:jupiter", res.Diagnostics.Molchan.Feature)

	stored, err := store.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, res.Catalog, stored.Catalog)
	assert.False(t, stored.FinishedAt.Before(stored.StartedAt))
}

func TestPipelineRequiredStageFailure(t *testing.T) {
	store := repository.NewMemoryResultStore()
	p := newPipeline(testConfig(t), background(50), &syntheticEphemeris{err: errors.New("ephemeris service down")}, store)

	res, err := p.Run(context.Background(), RunRequest{})
	require.Error(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, models.StageAcquire, res.Errors[0].Stage)
	assert.Equal(t, "error", res.Errors[0].Kind)
	assert.Nil(t, res.Models)

	stored, err := store.Get(context.Background(), res.RunID)
	require.NoError(t, err, "failed runs are persisted too")
	assert.Equal(t, models.RunFailed, storedState(stored))
}

func TestPipelineEphemerisGap(t *testing.T) {
	gap := date(2020, 3, 10)

	t.Run("abort", func(t *testing.T) {
		p := newPipeline(testConfig(t), background(300), &syntheticEphemeris{skip: gap}, repository.NewMemoryResultStore())
		res, err := p.Run(context.Background(), RunRequest{})
		require.Error(t, err)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, models.StageFeatures, res.Errors[0].Stage)
		assert.Equal(t, "ephemeris_gap", res.Errors[0].Kind)
	})

	t.Run("exclude", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Features.OnEphemerisGap = "exclude"
		cfg.Diagnostics.Enabled = false
		p := newPipeline(cfg, background(300), &syntheticEphemeris{skip: gap}, repository.NewMemoryResultStore())
		res, err := p.Run(context.Background(), RunRequest{Hypotheses: []string{"retro:mercury"}})
		require.NoError(t, err)
		// the gap day and both neighbours lose their central difference
		assert.Len(t, res.Features.Excluded, 3)
		assert.Equal(t, 728, res.Features.Days)
		assert.Nil(t, res.Diagnostics)
	})
}

func TestPipelineCanceledBeforeStart(t *testing.T) {
	p := newPipeline(testConfig(t), background(10), &syntheticEphemeris{}, repository.NewMemoryResultStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := p.Run(ctx, RunRequest{})
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "canceled", res.Errors[0].Kind)
	assert.Equal(t, models.RunCanceled, storedState(res))
}

func TestPipelineThresholdSweep(t *testing.T) {
	cfg := testConfig(t)
	cfg.Diagnostics.Enabled = false
	p := newPipeline(cfg, background(1200), &syntheticEphemeris{}, repository.NewMemoryResultStore())

	res, err := p.Run(context.Background(), RunRequest{
		MagnitudeThresholds: []float64{5, 4.5, 5},
		Hypotheses:          []string{"udn=7", "retro:mars"},
		Iterations:          10,
	})
	require.NoError(t, err)
	require.Len(t, res.Models, 2)
	assert.Equal(t, 4.5, res.Models[0].MinMagnitude)
	assert.Equal(t, 5.0, res.Models[1].MinMagnitude)
	require.Len(t, res.MonteCarlo, 4)
	for _, r := range res.MonteCarlo {
		assert.Equal(t, 4, r.Tests)
		assert.InDelta(t, 0.0125, r.CorrectedAlpha, 1e-12)
	}
	assert.Equal(t, "udn=7@m4.5", res.MonteCarlo[0].Hypothesis)
}

func TestPrepareValidatesRequest(t *testing.T) {
	p := newPipeline(testConfig(t), background(1), &syntheticEphemeris{}, repository.NewMemoryResultStore())

	bad := []RunRequest{
		{Hypotheses: []string{"power:vulcan"}},
		{Hypotheses: []string{"udn=7", "udn=7"}},
		{From: date(2020, 5, 1), To: date(2020, 4, 1)},
		{DeclusterStrategy: "nearest"},
		{Statistic: "r2"},
	}
	for _, req := range bad {
		_, err := p.Prepare("x", req)
		assert.ErrorIs(t, err, ErrInvalidRequest, "%+v", req)
	}

	rc, err := p.Prepare("x", RunRequest{Hypotheses: []string{SweepUDN}})
	require.NoError(t, err)
	names := hypothesisNames(rc.settings.hypotheses)
	assert.Equal(t, []string{"udn=1", "udn=3", "udn=4", "udn=5", "udn=6", "udn=7", "udn=8", "udn=9", "udn=11"}, names,
		"levels absent from the window are not declared")
	assert.Equal(t, []float64{4.5}, rc.settings.thresholds)

	noWindow := testConfig(t)
	noWindow.Analysis.From = time.Time{}
	_, err = newPipeline(noWindow, background(1), &syntheticEphemeris{}, repository.NewMemoryResultStore()).Prepare("x", RunRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestMagnitudeTableOverride(t *testing.T) {
	tbl, err := magnitudeTable(map[string][]config.MagnitudeBand{"mb": {{From: 0, To: 10, Slope: 1, Intercept: 0.2}}})
	require.NoError(t, err)
	mw, err := tbl.Convert(models.MagnitudeBody, 6.5)
	require.NoError(t, err)
	assert.InDelta(t, 6.7, mw, 1e-12)

	_, err = magnitudeTable(map[string][]config.MagnitudeBand{"richter": {{From: 0, To: 10, Slope: 1}}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestErrorKind(t *testing.T) {
	cases := map[string]error{
		"canceled":              context.Canceled,
		"timeout":               context.DeadlineExceeded,
		"ephemeris_gap":         &models.EphemerisGapError{At: date(2020, 1, 1)},
		"underdetermined_model": errors.Join(errors.New("x"), &models.UnderdeterminedModelError{Model: "m", Rank: 2, Cols: 3}),
		"insufficient_sample":   &models.InsufficientSampleError{Test: "schuster", Have: 3, Min: 30},
		"malformed_record":      &models.MalformedRecordError{Field: "time", Reason: "missing"},
		"error":                 errors.New("boom"),
	}
	for kind, err := range cases {
		assert.Equal(t, kind, errorKind(err))
	}
}
