// Package periodicity tests event dates for phase clustering on a cycle.
package periodicity

import (
	"fmt"
	"math"
	"time"

	"AstroSeis/internal/domain/models"
	"AstroSeis/internal/services/features"
	"AstroSeis/pkg/util"
)

type PhaseSource string

const (
	// PhaseEpoch is whole days since Config.Epoch, modulo the cycle length.
	PhaseEpoch PhaseSource = "epoch"
	// PhaseUDN is the reduced day number minus one. Needs a cycle of 9.
	PhaseUDN PhaseSource = "udn"
)

const TestName = "schuster"

// LargeSampleAssumption is attached to every result: exp(-R^2/k) is the
// asymptotic tail of the resultant length under uniform phases.
const LargeSampleAssumption = "p = exp(-R^2/k) is a large-sample approximation"

type Config struct {
	CycleLength int
	PhaseSource PhaseSource
	Epoch       time.Time
	MinEvents   int
	Alpha       float64
}

func DefaultConfig() Config {
	return Config{
		CycleLength: 9,
		PhaseSource: PhaseEpoch,
		Epoch:       time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		MinEvents:   30,
		Alpha:       0.05,
	}
}

// Tester runs Schuster's test.
type Tester struct {
	cfg Config
}

func NewTester(cfg Config) (*Tester, error) {
	if cfg.CycleLength < 2 {
		return nil, fmt.Errorf("cycle length must be at least 2, got %d", cfg.CycleLength)
	}
	switch cfg.PhaseSource {
	case PhaseEpoch:
	case PhaseUDN:
		if cfg.CycleLength != 9 {
			return nil, fmt.Errorf("udn phase source needs cycle length 9, got %d", cfg.CycleLength)
		}
	default:
		return nil, fmt.Errorf("unknown phase source %q", cfg.PhaseSource)
	}
	if cfg.Alpha <= 0 || cfg.Alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in (0, 1), got %v", cfg.Alpha)
	}
	cfg.Epoch = util.CivilDate(cfg.Epoch)
	return &Tester{cfg: cfg}, nil
}

// Phase returns the day index in the cycle, in [0, CycleLength).
func (t *Tester) Phase(date time.Time) int {
	d := util.CivilDate(date)
	if t.cfg.PhaseSource == PhaseUDN {
		return features.ReducedDayNumber(d) - 1
	}
	n := util.DaysBetween(t.cfg.Epoch, d) % t.cfg.CycleLength
	if n < 0 {
		n += t.cfg.CycleLength
	}
	return n
}

// Test computes the resultant of the event phases. Below MinEvents the
// result is still returned, marked low-confidence and inconclusive, along
// with an InsufficientSampleError.
func (t *Tester) Test(dates []time.Time) (models.ValidationResult, error) {
	phases := make([]int, len(dates))
	for i, d := range dates {
		phases[i] = t.Phase(d)
	}
	return t.TestPhases(phases)
}

// TestPhases is Test on precomputed day indices.
func (t *Tester) TestPhases(phases []int) (models.ValidationResult, error) {
	n := float64(t.cfg.CycleLength)
	var c, s float64
	for _, p := range phases {
		theta := 2 * math.Pi * float64(p) / n
		c += math.Cos(theta)
		s += math.Sin(theta)
	}
	k := len(phases)
	r := math.Hypot(c, s)
	p := 1.0
	if k > 0 {
		p = math.Exp(-r * r / float64(k))
	}

	res := models.ValidationResult{
		TestName:       TestName,
		Statistic:      r,
		Resultant:      r,
		PValue:         p,
		Threshold:      t.cfg.Alpha,
		NominalAlpha:   t.cfg.Alpha,
		CorrectedAlpha: t.cfg.Alpha,
		Tests:          1,
		SampleSize:     k,
		CycleLength:    t.cfg.CycleLength,
		PhaseSource:    string(t.cfg.PhaseSource),
		Assumptions:    []string{LargeSampleAssumption, fmt.Sprintf("minimum events %d", t.cfg.MinEvents)},
		Verdict:        models.VerdictFail,
	}
	if p < t.cfg.Alpha {
		res.Verdict = models.VerdictPass
	}
	if k < t.cfg.MinEvents {
		res.Verdict = models.VerdictInconclusive
		res.LowConfidence = true
		return res, &models.InsufficientSampleError{Test: TestName, Have: k, Min: t.cfg.MinEvents}
	}
	return res, nil
}
