package periodicity

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AstroSeis/internal/domain/models"
)

func newTester(t *testing.T, mut func(*Config)) *Tester {
	t.Helper()
	cfg := DefaultConfig()
	if mut != nil {
		mut(&cfg)
	}
	tt, err := NewTester(cfg)
	require.NoError(t, err)
	return tt
}

func TestSchusterConcentratedPhase(t *testing.T) {
	tt := newTester(t, nil)
	rng := rand.New(rand.NewPCG(11, 12))

	phases := make([]int, 0, 200)
	for i := 0; i < 160; i++ {
		phases = append(phases, 0)
	}
	for i := 0; i < 40; i++ {
		phases = append(phases, rng.IntN(9))
	}

	res, err := tt.TestPhases(phases)
	require.NoError(t, err)
	assert.Less(t, res.PValue, 0.001)
	assert.Equal(t, models.VerdictPass, res.Verdict)
	assert.Equal(t, 200, res.SampleSize)
	assert.Equal(t, 9, res.CycleLength)
	assert.Greater(t, res.Resultant, 150.0)
	assert.False(t, res.LowConfidence)
	assert.Contains(t, res.Assumptions, LargeSampleAssumption)
}

func TestSchusterCalibrationUniform(t *testing.T) {
	tt := newTester(t, nil)
	rng := rand.New(rand.NewPCG(13, 14))

	const trials = 1000
	pass := 0
	for i := 0; i < trials; i++ {
		phases := make([]int, 150)
		for j := range phases {
			phases[j] = rng.IntN(9)
		}
		res, err := tt.TestPhases(phases)
		require.NoError(t, err)
		if res.PValue > 0.05 {
			pass++
		}
	}
	// nominal 95%, allow three binomial standard deviations
	sd := math.Sqrt(0.95 * 0.05 / trials)
	assert.GreaterOrEqual(t, float64(pass)/trials, 0.95-3*sd)
}

func TestSchusterSmallSample(t *testing.T) {
	tt := newTester(t, nil)
	res, err := tt.TestPhases([]int{0, 0, 0, 0, 0})

	var insufficient *models.InsufficientSampleError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 5, insufficient.Have)
	assert.Equal(t, 30, insufficient.Min)

	assert.True(t, res.LowConfidence)
	assert.Equal(t, models.VerdictInconclusive, res.Verdict, "never a pass on a tiny sample")
	assert.InDelta(t, math.Exp(-5), res.PValue, 1e-12)

	res, err = tt.TestPhases(nil)
	assert.Error(t, err)
	assert.Equal(t, 1.0, res.PValue)
}

func TestPhaseSources(t *testing.T) {
	epoch := newTester(t, nil)
	base := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, epoch.Phase(base))
	assert.Equal(t, 4, epoch.Phase(base.AddDate(0, 0, 13)))
	assert.Equal(t, 8, epoch.Phase(base.AddDate(0, 0, -1)), "dates before the epoch wrap")
	assert.Equal(t, 0, epoch.Phase(base.Add(23*time.Hour)), "time of day is ignored")

	udn := newTester(t, func(c *Config) { c.PhaseSource = PhaseUDN })
	// 1997-03-14 reduces to 7
	assert.Equal(t, 6, udn.Phase(time.Date(1997, 3, 14, 0, 0, 0, 0, time.UTC)))

	_, err := NewTester(Config{CycleLength: 11, PhaseSource: PhaseUDN, Alpha: 0.05})
	assert.Error(t, err)
	_, err = NewTester(Config{CycleLength: 1, PhaseSource: PhaseEpoch, Alpha: 0.05})
	assert.Error(t, err)
}

func TestSchusterDates(t *testing.T) {
	tt := newTester(t, func(c *Config) { c.CycleLength = 7 })
	var dates []time.Time
	start := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		dates = append(dates, start.AddDate(0, 0, 7*i).Add(time.Duration(i)*time.Minute))
	}
	res, err := tt.Test(dates)
	require.NoError(t, err)
	assert.InDelta(t, 50, res.Resultant, 1e-9, "every event on the same weekday")
	assert.InDelta(t, math.Exp(-50), res.PValue, 1e-30)
}
