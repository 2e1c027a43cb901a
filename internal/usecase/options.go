package usecase

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"AstroSeis/internal/domain/models"
	"AstroSeis/internal/services/catalog"
	"AstroSeis/internal/services/decluster"
	"AstroSeis/internal/services/diagnostics"
	"AstroSeis/internal/services/features"
	"AstroSeis/internal/services/montecarlo"
	"AstroSeis/internal/services/periodicity"
	"AstroSeis/internal/services/regression"
	"AstroSeis/pkg/config"
	applogger "AstroSeis/pkg/logger"
	"AstroSeis/pkg/util"
)

// ErrInvalidRequest marks a run request that was refused before starting.
var ErrInvalidRequest = errors.New("invalid run request")

// SweepUDN in a hypothesis list declares one flag hypothesis per UDN level.
const SweepUDN = "udn=*"

// RunRequest overrides the configured analysis for a single run. Zero
// values keep the configured default.
type RunRequest struct {
	From                time.Time `json:"from"`
	To                  time.Time `json:"to"`
	MagnitudeThresholds []float64 `json:"magnitudeThresholds" validate:"omitempty,dive,gte=0,lte=10"`
	Hypotheses          []string  `json:"hypotheses" validate:"omitempty,dive,required"`
	DeclusterStrategy   string    `json:"declusterStrategy" validate:"omitempty,oneof=gk_table gk_formula reasenberg"`
	RetainFullCatalog   *bool     `json:"retainFullCatalog"`
	DatePolicy          string    `json:"datePolicy" validate:"omitempty,oneof=utc local_by_longitude"`
	UDNLevels           []int     `json:"udnLevels"`
	Iterations          int       `json:"iterations" validate:"gte=0,lte=100000"`
	Statistic           string    `json:"statistic" validate:"omitempty,oneof=delta_aic pseudo_r2"`
	Seed                *uint64   `json:"seed"`
	UseDeclustered      *bool     `json:"useDeclustered"`
	Diagnostics         *bool     `json:"diagnostics"`
}

// settings is the resolved, immutable configuration of one run.
type settings struct {
	from, to       time.Time
	thresholds     []float64
	hypotheses     []montecarlo.Hypothesis
	useDeclustered bool
	retainAll      bool
	diagnostics    bool
	diagFeature    string

	normalizer *catalog.Normalizer
	declust    *decluster.Engine
	generator  *features.Generator
	engine     *regression.Engine
	tester     *periodicity.Tester
	mc         montecarlo.Config
	analyzer   *diagnostics.Analyzer
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// resolve merges the request into the configured defaults and builds every
// stage component. Anything wrong with the request surfaces here, before a
// run is registered.
func resolve(cfg config.PipelineConfig, req RunRequest, logger *applogger.Logger) (*settings, error) {
	s := &settings{
		from:           util.CivilDate(cfg.Analysis.From),
		to:             util.CivilDate(cfg.Analysis.To),
		thresholds:     slices.Clone(cfg.Analysis.MagnitudeThresholds),
		useDeclustered: cfg.Periodicity.UseDeclustered,
		retainAll:      cfg.Decluster.RetainFullCatalog,
		diagnostics:    cfg.Diagnostics.Enabled,
		diagFeature:    cfg.Diagnostics.Feature,
	}
	if !req.From.IsZero() {
		s.from = util.CivilDate(req.From)
	}
	if !req.To.IsZero() {
		s.to = util.CivilDate(req.To)
	}
	if cfg.Analysis.From.IsZero() && req.From.IsZero() || cfg.Analysis.To.IsZero() && req.To.IsZero() {
		return nil, invalid("analysis window needs both from and to")
	}
	if s.to.Before(s.from) {
		return nil, invalid("to %s is before from %s", s.to.Format(time.DateOnly), s.from.Format(time.DateOnly))
	}
	if len(req.MagnitudeThresholds) > 0 {
		s.thresholds = slices.Clone(req.MagnitudeThresholds)
	}
	if len(s.thresholds) == 0 {
		s.thresholds = []float64{0}
	}
	slices.Sort(s.thresholds)
	s.thresholds = slices.Compact(s.thresholds)
	if req.RetainFullCatalog != nil {
		s.retainAll = *req.RetainFullCatalog
	}
	if req.UseDeclustered != nil {
		s.useDeclustered = *req.UseDeclustered
	}
	if req.Diagnostics != nil {
		s.diagnostics = *req.Diagnostics
	}

	table, err := magnitudeTable(cfg.Catalog.MagnitudeTable)
	if err != nil {
		return nil, err
	}
	floors := make([]catalog.Floor, 0, len(cfg.Catalog.CompletenessFloors))
	for _, f := range cfg.Catalog.CompletenessFloors {
		floors = append(floors, catalog.Floor{FromYear: f.FromYear, ToYear: f.ToYear, MinMw: f.MinMw})
	}
	s.normalizer = catalog.NewNormalizer(catalog.Options{
		DuplicateTime:  cfg.Catalog.DuplicateTimeTol,
		DuplicateKm:    cfg.Catalog.DuplicateDistKm,
		DuplicateMag:   cfg.Catalog.DuplicateMagTol,
		Floors:         floors,
		MagnitudeTable: table,
	}, logger)

	strategyName := cfg.Decluster.Strategy
	if req.DeclusterStrategy != "" {
		strategyName = req.DeclusterStrategy
	}
	strategy, err := decluster.StrategyByName(strategyName)
	if err != nil {
		return nil, invalid("%v", err)
	}
	if s.declust, err = decluster.NewEngine(strategy, logger); err != nil {
		return nil, invalid("%v", err)
	}

	udnLevels := cfg.Regression.UDNLevels
	if len(req.UDNLevels) > 0 {
		udnLevels = req.UDNLevels
	}
	if len(udnLevels) == 0 {
		udnLevels = features.UDNLevelsIn(s.from, s.to)
	}
	names := cfg.Analysis.Hypotheses
	if len(req.Hypotheses) > 0 {
		names = req.Hypotheses
	}
	if len(names) == 0 {
		names = []string{models.FeatureUDN}
	}
	if s.hypotheses, err = parseHypotheses(names, udnLevels); err != nil {
		return nil, err
	}

	schema := models.FeatureSchema{}
	for _, h := range s.hypotheses {
		for _, f := range h.Features {
			if _, ok := schema.Lookup(f.Name); !ok {
				schema.Features = append(schema.Features, f)
			}
		}
	}
	var bodies []models.Body
	for _, b := range cfg.Features.Bodies {
		body, err := models.ParseBody(b)
		if err != nil {
			return nil, invalid("features.bodies: %v", err)
		}
		bodies = append(bodies, body)
	}
	if s.diagnostics {
		spec, err := models.SpecFor(s.diagFeature, udnLevels)
		if err != nil {
			return nil, invalid("diagnostics feature: %v", err)
		}
		bodies = append(bodies, models.FeatureSchema{Features: []models.FeatureSpec{spec}}.Bodies()...)
	}
	policy := cfg.Features.DatePolicy
	if req.DatePolicy != "" {
		policy = req.DatePolicy
	}
	genOpts := []features.Option{
		features.WithDatePolicy(features.DatePolicy(policy)),
		features.WithOffsetMode(features.OffsetMode(cfg.Features.LocalOffsetMode)),
		features.WithGapPolicy(features.GapPolicy(cfg.Features.OnEphemerisGap)),
		features.WithLogger(logger),
	}
	if len(bodies) > 0 {
		genOpts = append(genOpts, features.WithBodies(bodies))
	}
	if s.generator, err = features.NewGenerator(schema, genOpts...); err != nil {
		return nil, invalid("%v", err)
	}

	s.engine = regression.NewEngine(regression.NewFitter(regression.Options{
		MaxIterations: cfg.Regression.MaxIterations,
		Tolerance:     cfg.Regression.Tolerance,
	}), cfg.Regression.Harmonics, logger)

	epoch := cfg.Periodicity.Epoch
	if epoch.IsZero() {
		epoch = periodicity.DefaultConfig().Epoch
	}
	if s.tester, err = periodicity.NewTester(periodicity.Config{
		CycleLength: cfg.Periodicity.CycleLength,
		PhaseSource: periodicity.PhaseSource(cfg.Periodicity.PhaseSource),
		Epoch:       epoch,
		MinEvents:   cfg.Periodicity.MinEvents,
		Alpha:       cfg.MonteCarlo.SignificanceLevel,
	}); err != nil {
		return nil, invalid("%v", err)
	}

	s.mc = montecarlo.Config{
		Iterations: cfg.MonteCarlo.Iterations,
		Workers:    cfg.MonteCarlo.Workers,
		Statistic:  montecarlo.StatisticKind(cfg.MonteCarlo.Statistic),
		Alpha:      cfg.MonteCarlo.SignificanceLevel,
		Seed:       cfg.MonteCarlo.Seed,
	}
	if req.Iterations > 0 {
		s.mc.Iterations = req.Iterations
	}
	if req.Statistic != "" {
		s.mc.Statistic = montecarlo.StatisticKind(req.Statistic)
	}
	if req.Seed != nil {
		s.mc.Seed = *req.Seed
	}
	// fail here rather than at the Monte Carlo stage
	if _, err := montecarlo.NewValidator(s.mc, s.engine); err != nil {
		return nil, invalid("%v", err)
	}

	s.analyzer = diagnostics.NewAnalyzer(diagnostics.Config{
		MaxLagDays:  cfg.Diagnostics.MaxLagDays,
		EpochWindow: cfg.Diagnostics.EpochWindow,
		TopEvents:   cfg.Diagnostics.TopEvents,
	})
	return s, nil
}

// parseHypotheses turns declared feature names into single-feature
// hypotheses. The list order is kept, so the Bonferroni family is exactly
// what was declared.
func parseHypotheses(names []string, udnLevels []int) ([]montecarlo.Hypothesis, error) {
	var out []montecarlo.Hypothesis
	for _, name := range names {
		if name == SweepUDN {
			out = append(out, montecarlo.UDNSweep(udnLevels, 0)...)
			continue
		}
		spec, err := models.SpecFor(name, udnLevels)
		if err != nil {
			return nil, invalid("hypothesis: %v", err)
		}
		out = append(out, montecarlo.Hypothesis{Name: name, Features: []models.FeatureSpec{spec}})
	}
	seen := make(map[string]bool, len(out))
	for _, h := range out {
		if seen[h.Name] {
			return nil, invalid("hypothesis %q declared twice", h.Name)
		}
		seen[h.Name] = true
	}
	return out, nil
}

func magnitudeTable(overrides map[string][]config.MagnitudeBand) (*catalog.MagnitudeTable, error) {
	if len(overrides) == 0 {
		return catalog.DefaultMagnitudeTable(), nil
	}
	bands := catalog.DefaultBands()
	for scale, bs := range overrides {
		typ := models.ParseMagnitudeType(scale)
		if typ == models.MagnitudeUnknown {
			return nil, invalid("magnitude table: unknown scale %q", scale)
		}
		conv := make([]catalog.Band, 0, len(bs))
		for _, b := range bs {
			conv = append(conv, catalog.Band{From: b.From, To: b.To, Slope: b.Slope, Intercept: b.Intercept})
		}
		bands[typ] = conv
	}
	t, err := catalog.NewMagnitudeTable(bands)
	if err != nil {
		return nil, invalid("magnitude table: %v", err)
	}
	return t, nil
}

func (s *settings) candidates() []regression.Candidate {
	out := make([]regression.Candidate, 0, len(s.hypotheses))
	for _, h := range s.hypotheses {
		out = append(out, h.Candidate())
	}
	return out
}
