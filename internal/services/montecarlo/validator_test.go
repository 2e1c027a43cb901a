package montecarlo

import (
	"context"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AstroSeis/internal/domain/models"
	"AstroSeis/internal/services/features"
	"AstroSeis/internal/services/regression"
	"AstroSeis/internal/testutil"
)

func date(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

var modernUDN = []int{1, 3, 4, 5, 6, 7, 8, 9, 11}

func featureSet(t *testing.T, from, to time.Time) *models.FeatureSet {
	t.Helper()
	g, err := features.NewGenerator(models.FeatureSchema{Features: []models.FeatureSpec{models.UDNSpec(modernUDN)}})
	require.NoError(t, err)
	lo, hi := features.EphemerisWindow(from, to)
	fs, err := g.Generate(from, to, features.NewMemoryEphemeris(testutil.EphemerisSamples(lo, hi, g.Bodies())))
	require.NoError(t, err)
	return fs
}

func newValidator(t *testing.T, cfg Config, opts ...Option) *Validator {
	t.Helper()
	eng := regression.NewEngine(regression.NewFitter(regression.DefaultOptions()), 1, nil)
	v, err := NewValidator(cfg, eng, opts...)
	require.NoError(t, err)
	return v
}

func TestCorrectedAlpha(t *testing.T) {
	assert.InDelta(t, 0.00556, CorrectedAlpha(0.05, 9), 5e-6)
	assert.Equal(t, 0.05, CorrectedAlpha(0.05, 1))
	assert.Equal(t, 0.05, CorrectedAlpha(0.05, 0))
}

func TestUDNSweepAppliesBonferroni(t *testing.T) {
	fs := featureSet(t, date(2018, 1, 1), date(2020, 12, 31))
	rng := rand.New(rand.NewPCG(21, 22))
	y := testutil.PoissonCounts(rng, fs.Len(), 1.2)

	hyps := UDNSweep(modernUDN, 4.5)
	require.Len(t, hyps, 9)
	assert.Equal(t, "udn=7", hyps[5].Name)

	var calls atomic.Int64
	v := newValidator(t, Config{Iterations: 12, Workers: 3, Statistic: StatDeltaAIC, Alpha: 0.05, Seed: 1},
		WithProgress(func(done, total int) {
			calls.Add(1)
			assert.Equal(t, 9*12, total)
		}))
	results, err := v.Validate(context.Background(), fs, map[float64][]float64{4.5: y}, hyps)
	require.NoError(t, err)
	require.Len(t, results, 9)
	assert.EqualValues(t, 9*12, calls.Load())

	for _, r := range results {
		assert.Equal(t, 0.05, r.NominalAlpha)
		assert.InDelta(t, 0.05/9, r.CorrectedAlpha, 1e-12, "corrected before comparing, not 0.05")
		assert.Equal(t, 9, r.Tests)
		assert.Equal(t, 12, r.Iterations)
		assert.True(t, r.LowConfidence, "12 permutations cannot resolve 0.0056")
		assert.NotEqual(t, models.VerdictPass, r.Verdict)
		assert.Equal(t, -1.0, r.ExpectedNullMean)
	}
}

func TestNullMeanMatchesParameterPenalty(t *testing.T) {
	fs := featureSet(t, date(2019, 1, 1), date(2019, 12, 31))
	rng := rand.New(rand.NewPCG(23, 24))
	y := testutil.PoissonCounts(rng, fs.Len(), 2)

	v := newValidator(t, Config{Iterations: 400, Workers: 4, Statistic: StatDeltaAIC, Alpha: 0.05, Seed: 7})
	hyp := Hypothesis{Name: "udn", Features: []models.FeatureSpec{models.UDNSpec(modernUDN)}, MinMagnitude: 4}
	results, err := v.Validate(context.Background(), fs, map[float64][]float64{4: y}, []Hypothesis{hyp})
	require.NoError(t, err)
	require.Len(t, results, 1)
	r := results[0]

	// eight indicator columns: E[dAIC] = 8 - 2*8
	assert.Equal(t, -8.0, r.ExpectedNullMean)
	assert.InDelta(t, r.ExpectedNullMean, r.NullMean, 1.5)
	assert.Contains(t, r.Assumptions, "null mean of delta AIC is about -8 (minus the extra parameters), not 0")
	assert.Greater(t, r.NullStdDev, 0.0)
	assert.False(t, r.LowConfidence)
	assert.Equal(t, 366, r.SampleSize)
	assert.NotEqual(t, models.VerdictPass, r.Verdict)
}

func TestRealSignalPasses(t *testing.T) {
	fs := featureSet(t, date(2019, 1, 1), date(2020, 12, 31))
	rng := rand.New(rand.NewPCG(25, 26))
	y := make([]float64, fs.Len())
	for i, v := range fs.Vectors {
		mean := 1.0
		if v.UniversalDayNumber == 7 {
			mean = 4
		}
		y[i] = testutil.Poisson(rng, mean)
	}

	v := newValidator(t, Config{Iterations: 200, Workers: 4, Statistic: StatDeltaAIC, Alpha: 0.05, Seed: 3})
	results, err := v.Validate(context.Background(), fs, map[float64][]float64{5: y}, UDNSweep([]int{7}, 5))
	require.NoError(t, err)
	require.Len(t, results, 1)
	r := results[0]

	assert.Equal(t, models.VerdictPass, r.Verdict)
	assert.Greater(t, r.Statistic, r.Threshold)
	assert.InDelta(t, 1.0/201, r.PValue, 1e-12)
	assert.Equal(t, 100.0, r.NullPercentile)
}

func TestValidateDeterministic(t *testing.T) {
	fs := featureSet(t, date(2020, 1, 1), date(2020, 12, 31))
	rng := rand.New(rand.NewPCG(27, 28))
	y := testutil.PoissonCounts(rng, fs.Len(), 1.5)
	cfg := Config{Iterations: 30, Workers: 3, Statistic: StatPseudoR2, Alpha: 0.05, Seed: 99}
	hyps := UDNSweep([]int{3}, 4)

	a, err := newValidator(t, cfg).Validate(context.Background(), fs, map[float64][]float64{4: y}, hyps)
	require.NoError(t, err)
	b, err := newValidator(t, cfg).Validate(context.Background(), fs, map[float64][]float64{4: y}, hyps)
	require.NoError(t, err)
	assert.Equal(t, a[0].NullMean, b[0].NullMean)
	assert.Equal(t, a[0].Threshold, b[0].Threshold)
	assert.Equal(t, string(StatPseudoR2), a[0].StatisticKind)
	assert.Greater(t, a[0].ExpectedNullMean, 0.0)
}

func TestValidateErrors(t *testing.T) {
	fs := featureSet(t, date(2020, 1, 1), date(2020, 6, 30))
	y := testutil.PoissonCounts(rand.New(rand.NewPCG(1, 1)), fs.Len(), 1)
	v := newValidator(t, Config{Iterations: 5, Workers: 1, Statistic: StatDeltaAIC, Alpha: 0.05})
	ctx := context.Background()

	_, err := v.Validate(ctx, fs, map[float64][]float64{4: y}, nil)
	assert.Error(t, err)

	dup := append(UDNSweep([]int{3}, 4), UDNSweep([]int{3}, 4)...)
	_, err = v.Validate(ctx, fs, map[float64][]float64{4: y}, dup)
	assert.Error(t, err)

	// a hypothesis that cannot be fitted is reported, the rest still run
	hyps := append(UDNSweep([]int{3}, 4), UDNSweep([]int{22}, 4)...)
	results, err := v.Validate(ctx, fs, map[float64][]float64{4: y}, hyps)
	assert.Error(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "udn=3", results[0].Hypothesis)
	assert.InDelta(t, 0.025, results[0].CorrectedAlpha, 1e-12, "the failed hypothesis still counts")

	_, err = v.Validate(ctx, fs, map[float64][]float64{5: y}, UDNSweep([]int{3}, 4))
	assert.Error(t, err, "no response at that threshold")

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = v.Validate(canceled, fs, map[float64][]float64{4: y}, UDNSweep([]int{3}, 4))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = NewValidator(Config{Iterations: 0, Alpha: 0.05, Statistic: StatDeltaAIC}, nil)
	assert.Error(t, err)
	_, err = NewValidator(Config{Iterations: 10, Alpha: 0.05, Statistic: "r2"}, nil)
	assert.Error(t, err)
}

func TestThresholdSweep(t *testing.T) {
	base := UDNSweep([]int{7, 11}, 0)
	out := ThresholdSweep(base, []float64{4, 4.5})
	require.Len(t, out, 4)
	assert.Equal(t, "udn=7@m4", out[0].Name)
	assert.Equal(t, "udn=11@m4.5", out[3].Name)
	assert.Equal(t, 4.5, out[3].MinMagnitude)
	assert.Equal(t, "udn=7", base[0].Name, "input untouched")

	single := ThresholdSweep(base, []float64{5})
	assert.Equal(t, "udn=7", single[0].Name)
	assert.Equal(t, 5.0, single[0].MinMagnitude)
}

func TestExpectedNullMeanPseudoR2(t *testing.T) {
	base := &models.RegressionModel{NumParams: 4, LogLikelihood: -500}
	cand := &models.RegressionModel{NumParams: 6, LogLikelihood: -499}
	assert.InDelta(t, 2.0/1000, ExpectedNullMean(StatPseudoR2, base, cand), 1e-15)
	assert.InDelta(t, 1-499.0/500, Statistic(StatPseudoR2, base, cand), 1e-15)
	assert.Equal(t, -2.0, ExpectedNullMean(StatDeltaAIC, base, cand))
	assert.False(t, math.IsNaN(Statistic(StatDeltaAIC, base, cand)))
	assert.Contains(t, nullMeanNote(StatPseudoR2, base, cand), "= 0.002, not 0")
}
