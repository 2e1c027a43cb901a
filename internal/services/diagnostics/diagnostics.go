// Package diagnostics computes descriptive checks that accompany the
// statistical verdicts: a Molchan error diagram, lagged correlation and a
// superposed epoch analysis. None of them feed a verdict.
package diagnostics

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"AstroSeis/internal/domain/models"
	"AstroSeis/pkg/util"
)

var ErrNoTargets = errors.New("no target days with events")

type Config struct {
	MaxLagDays  int
	EpochWindow int
	TopEvents   int
}

func DefaultConfig() Config {
	return Config{MaxLagDays: 30, EpochWindow: 10, TopEvents: 20}
}

// EventDay is an event reduced to its assigned date and size.
type EventDay struct {
	Date      time.Time
	Magnitude float64
}

type Analyzer struct {
	cfg Config
}

func NewAnalyzer(cfg Config) *Analyzer {
	d := DefaultConfig()
	if cfg.MaxLagDays < 0 {
		cfg.MaxLagDays = d.MaxLagDays
	}
	if cfg.EpochWindow < 1 {
		cfg.EpochWindow = d.EpochWindow
	}
	if cfg.TopEvents < 1 {
		cfg.TopEvents = d.TopEvents
	}
	return &Analyzer{cfg: cfg}
}

// FeatureSeries reads one feature off every vector as a float. Flags are
// 0/1 and categoricals their level value.
func FeatureSeries(fs *models.FeatureSet, name string) ([]float64, error) {
	out := make([]float64, fs.Len())
	for i := range fs.Vectors {
		v, ok := fs.Vectors[i].Value(name)
		if !ok {
			return nil, fmt.Errorf("feature %q missing on %s", name, fs.Vectors[i].Date.Format(time.DateOnly))
		}
		switch v.Kind {
		case models.FeatureNumeric:
			out[i] = v.Numeric
		case models.FeatureCategorical:
			out[i] = float64(v.Level)
		case models.FeatureFlag:
			if v.Flag {
				out[i] = 1
			}
		}
	}
	return out, nil
}

// Run computes all three diagnostics for one feature. y holds daily counts
// aligned with fs; events feed the epoch analysis.
func (a *Analyzer) Run(fs *models.FeatureSet, feature string, y []float64, events []EventDay) (*models.Diagnostics, error) {
	x, err := FeatureSeries(fs, feature)
	if err != nil {
		return nil, err
	}
	if len(y) != len(x) {
		return nil, fmt.Errorf("%d counts for %d days", len(y), len(x))
	}
	out := &models.Diagnostics{}
	var errs []error
	if out.Molchan, err = Molchan(feature, x, y); err != nil {
		errs = append(errs, fmt.Errorf("molchan: %w", err))
	}
	if out.LagCorrelation, err = a.LagCorrelation(feature, x, y); err != nil {
		errs = append(errs, fmt.Errorf("lag correlation: %w", err))
	}
	if out.EpochAnalysis, err = a.EpochAnalysis(feature, fs, x, events); err != nil {
		errs = append(errs, fmt.Errorf("epoch analysis: %w", err))
	}
	return out, errors.Join(errs...)
}

// Molchan sweeps alarm thresholds over the distinct feature values. A day
// is on alarm when its value is at or above the threshold; a target day is
// one with at least one event. The area under the miss-rate curve is 0.5
// for a random predictor, so Skill = 1 - 2*Area.
func Molchan(feature string, x, y []float64) (*models.MolchanResult, error) {
	targets := 0
	for _, c := range y {
		if c > 0 {
			targets++
		}
	}
	if targets == 0 {
		return nil, ErrNoTargets
	}

	thresholds := slices.Clone(x)
	slices.Sort(thresholds)
	thresholds = slices.Compact(thresholds)
	slices.Reverse(thresholds)

	n := float64(len(x))
	points := []models.MolchanPoint{{Tau: 0, Nu: 1}}
	for _, th := range thresholds {
		alarms, hits := 0, 0
		for i, v := range x {
			if v >= th {
				alarms++
				if y[i] > 0 {
					hits++
				}
			}
		}
		points = append(points, models.MolchanPoint{
			Tau: float64(alarms) / n,
			Nu:  float64(targets-hits) / float64(targets),
		})
	}

	var area float64
	for i := 1; i < len(points); i++ {
		p, q := points[i-1], points[i]
		area += (q.Tau - p.Tau) * (p.Nu + q.Nu) / 2
	}
	return &models.MolchanResult{
		Feature: feature,
		Points:  points,
		Area:    area,
		Skill:   1 - 2*area,
		Targets: targets,
		Days:    len(x),
	}, nil
}

// LagCorrelation is Pearson's r between x[t] and y[t+lag] for every lag in
// [-MaxLagDays, MaxLagDays]. A positive best lag means the feature leads.
func (a *Analyzer) LagCorrelation(feature string, x, y []float64) (*models.LagCorrelation, error) {
	maxLag := min(a.cfg.MaxLagDays, len(x)-3)
	if maxLag < 0 {
		return nil, fmt.Errorf("series of %d days too short", len(x))
	}
	res := &models.LagCorrelation{Feature: feature}
	found := false
	for lag := -maxLag; lag <= maxLag; lag++ {
		var xs, ys []float64
		if lag >= 0 {
			xs, ys = x[:len(x)-lag], y[lag:]
		} else {
			xs, ys = x[-lag:], y[:len(y)+lag]
		}
		r, ok := pearson(xs, ys)
		if !ok {
			continue
		}
		res.Lags = append(res.Lags, lag)
		res.Pearson = append(res.Pearson, r)
		if !found || math.Abs(r) > math.Abs(res.BestR) {
			res.BestR, res.BestLag, found = r, lag, true
		}
	}
	if !found {
		return nil, fmt.Errorf("constant series, correlation undefined")
	}
	return res, nil
}

// pearson is undefined when either side is constant.
func pearson(x, y []float64) (float64, bool) {
	if floats.Max(x) == floats.Min(x) || floats.Max(y) == floats.Min(y) {
		return 0, false
	}
	return stat.Correlation(x, y, nil), true
}

// EpochAnalysis averages the feature at day offsets around the largest
// events. An offset no epoch can reach is left out.
func (a *Analyzer) EpochAnalysis(feature string, fs *models.FeatureSet, x []float64, events []EventDay) (*models.EpochAnalysis, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("no events")
	}
	top := slices.Clone(events)
	sort.SliceStable(top, func(i, j int) bool { return top[i].Magnitude > top[j].Magnitude })
	if len(top) > a.cfg.TopEvents {
		top = top[:a.cfg.TopEvents]
	}

	index := make(map[time.Time]int, fs.Len())
	for i, v := range fs.Vectors {
		index[v.Date] = i
	}
	w := a.cfg.EpochWindow
	res := &models.EpochAnalysis{Feature: feature, Baseline: stat.Mean(x, nil)}
	sums := make([]float64, 2*w+1)
	counts := make([]int, 2*w+1)
	for _, ev := range top {
		d := util.CivilDate(ev.Date)
		if _, ok := index[d]; !ok {
			continue
		}
		res.Epochs++
		for k := -w; k <= w; k++ {
			if i, ok := index[d.AddDate(0, 0, k)]; ok {
				sums[k+w] += x[i]
				counts[k+w]++
			}
		}
	}
	if res.Epochs == 0 {
		return nil, fmt.Errorf("none of the top %d events fall inside the feature window", len(top))
	}
	for k := -w; k <= w; k++ {
		if counts[k+w] == 0 {
			continue
		}
		res.Offsets = append(res.Offsets, k)
		res.Mean = append(res.Mean, sums[k+w]/float64(counts[k+w]))
	}
	return res, nil
}
