package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"AstroSeis/internal/domain/models"
	"AstroSeis/internal/domain/repository"
	"AstroSeis/internal/services/decluster"
	"AstroSeis/internal/services/diagnostics"
	"AstroSeis/internal/services/features"
	"AstroSeis/internal/services/montecarlo"
	"AstroSeis/internal/services/regression"
	"AstroSeis/pkg/config"
	applogger "AstroSeis/pkg/logger"
)

// Observer receives stage transitions and overall progress in [0, 1].
type Observer func(stage models.StageName, progress float64)

// Pipeline runs the analysis stages in a fixed order:
// acquire, normalize, decluster, features, regression, periodicity,
// monte_carlo, diagnostics.
type Pipeline struct {
	cfg       config.PipelineConfig
	catalog   repository.CatalogSource
	ephemeris repository.EphemerisSource
	results   repository.ResultStore
	publisher repository.ResultPublisher
	metrics   repository.Metrics
	logger    *applogger.Logger
	now       func() time.Time
}

func NewPipeline(
	cfg config.PipelineConfig,
	catalog repository.CatalogSource,
	ephemeris repository.EphemerisSource,
	results repository.ResultStore,
	publisher repository.ResultPublisher,
	metrics repository.Metrics,
	logger *applogger.Logger,
) *Pipeline {
	if logger == nil {
		logger = applogger.Nop()
	}
	return &Pipeline{
		cfg:       cfg,
		catalog:   catalog,
		ephemeris: ephemeris,
		results:   results,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// RunContext is the state of one run. Stages communicate only through it.
type RunContext struct {
	ID     string
	Result *models.RunResult

	settings *settings
	logger   *applogger.Logger
	observe  Observer
	mu       sync.Mutex
	stage    models.StageName
	index    int
	total    int
	reported float64

	raw         []models.RawEventRecord
	samples     []repository.EphemerisSample
	catalog     *models.NormalizedCatalog
	independent *models.NormalizedCatalog
	features    *models.FeatureSet
	responses   map[float64][]float64
}

// progress reports the fraction done of the current stage. Monte Carlo
// workers call it concurrently, so late arrivals never move it backwards.
func (rc *RunContext) progress(frac float64) {
	if rc.observe == nil {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	p := (float64(rc.index) + min(max(frac, 0), 1)) / float64(rc.total)
	if p < rc.reported {
		return
	}
	rc.reported = p
	rc.observe(rc.stage, p)
}

type stage struct {
	name models.StageName
	run  func(p *Pipeline, ctx context.Context, rc *RunContext) error
	// a failed required stage ends the run; the others are recorded and
	// the run moves on
	required bool
}

var stages = []stage{
	{name: models.StageAcquire, run: (*Pipeline).acquire, required: true},
	{name: models.StageNormalize, run: (*Pipeline).normalize, required: true},
	{name: models.StageDecluster, run: (*Pipeline).declusterCatalog, required: true},
	{name: models.StageFeatures, run: (*Pipeline).buildFeatures, required: true},
	{name: models.StageRegression, run: (*Pipeline).fitModels},
	{name: models.StagePeriodicity, run: (*Pipeline).testPeriodicity},
	{name: models.StageMonteCarlo, run: (*Pipeline).validate},
	{name: models.StageDiagnostics, run: (*Pipeline).runDiagnostics},
}

// Prepare resolves a request into a run context without doing any work.
// Errors wrap ErrInvalidRequest.
func (p *Pipeline) Prepare(runID string, req RunRequest) (*RunContext, error) {
	s, err := resolve(p.cfg, req, p.logger.With(applogger.String("run_id", runID)))
	if err != nil {
		return nil, err
	}
	return &RunContext{
		ID:       runID,
		settings: s,
		logger:   p.logger.With(applogger.String("run_id", runID)),
		Result: &models.RunResult{
			RunID: runID,
			From:  s.from,
			To:    s.to,
		},
	}, nil
}

// Run prepares and executes a run under a fresh ID.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (*models.RunResult, error) {
	rc, err := p.Prepare(uuid.NewString(), req)
	if err != nil {
		return nil, err
	}
	return p.Execute(ctx, rc, nil)
}

// Execute runs every stage and persists the result document, also when a
// stage failed or the run was canceled. The returned error is non-nil when
// a required stage failed or ctx ended; the result is returned either way.
func (p *Pipeline) Execute(ctx context.Context, rc *RunContext, observe Observer) (*models.RunResult, error) {
	rc.observe = observe
	rc.Result.StartedAt = p.now().UTC()
	rc.logger.Info("run started",
		applogger.String("from", rc.settings.from.Format(time.DateOnly)),
		applogger.String("to", rc.settings.to.Format(time.DateOnly)),
		applogger.Strings("hypotheses", hypothesisNames(rc.settings.hypotheses)))

	var runErr error
	for i, st := range stages {
		if err := ctx.Err(); err != nil {
			rc.record(st.name, err)
			runErr = err
			break
		}
		rc.mu.Lock()
		rc.stage, rc.index, rc.total = st.name, i, len(stages)
		rc.mu.Unlock()
		rc.progress(0)
		start := time.Now()
		err := st.run(p, ctx, rc)
		took := time.Since(start)
		p.metrics.RecordStage(string(st.name), took.Seconds(), err != nil)
		if err == nil {
			rc.logger.Info("stage finished", applogger.String("stage", string(st.name)), applogger.Duration("took", took))
			continue
		}
		rc.record(st.name, err)
		p.metrics.RecordError(errorKind(err))
		rc.logger.Warn("stage failed",
			applogger.String("stage", string(st.name)),
			applogger.String("kind", errorKind(err)),
			applogger.Error(err))
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}
		if st.required {
			runErr = fmt.Errorf("%s: %w", st.name, err)
			break
		}
	}
	if runErr == nil {
		rc.progress(1)
	}

	rc.Result.FinishedAt = p.now().UTC()
	p.finish(context.WithoutCancel(ctx), rc)
	p.metrics.RecordLatency("run", rc.Result.FinishedAt.Sub(rc.Result.StartedAt).Seconds())
	return rc.Result, runErr
}

func (p *Pipeline) finish(ctx context.Context, rc *RunContext) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ExternalTimeout)
	defer cancel()
	if err := p.results.Save(ctx, rc.Result); err != nil {
		rc.logger.Error("save result failed", applogger.Error(err))
		p.metrics.RecordError("store")
	}
	if err := p.publisher.PublishResult(ctx, rc.Result); err != nil {
		rc.logger.Error("publish result failed", applogger.Error(err))
		p.metrics.RecordError("publish")
	}
	rc.logger.Info("run finished",
		applogger.Int("errors", len(rc.Result.Errors)),
		applogger.Duration("took", rc.Result.FinishedAt.Sub(rc.Result.StartedAt)))
}

func (rc *RunContext) record(name models.StageName, err error) {
	rc.Result.Errors = append(rc.Result.Errors, models.StageError{Stage: name, Kind: errorKind(err), Message: err.Error()})
}

// errorKind classifies a stage error for the result document and metrics.
func errorKind(err error) string {
	var (
		malformed *models.MalformedRecordError
		gap       *models.EphemerisGapError
		under     *models.UnderdeterminedModelError
		sample    *models.InsufficientSampleError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &gap):
		return "ephemeris_gap"
	case errors.As(err, &under):
		return "underdetermined_model"
	case errors.As(err, &sample):
		return "insufficient_sample"
	case errors.As(err, &malformed):
		return "malformed_record"
	}
	return "error"
}

// acquire bulk-loads the catalog and the ephemeris concurrently so no
// numeric stage ever waits on I/O.
func (p *Pipeline) acquire(ctx context.Context, rc *RunContext) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ExternalTimeout)
	defer cancel()

	s := rc.settings
	from, to := s.from, s.to
	if s.generator.Policy() == features.PolicyLocalByLongitude {
		// local dates reach up to a day past either end of the UTC window
		from, to = from.AddDate(0, 0, -1), to.AddDate(0, 0, 1)
	}
	lo, hi := features.EphemerisWindow(s.from, s.to)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start := time.Now()
		raw, err := p.catalog.LoadRaw(gctx, from, to)
		if err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
		p.metrics.RecordLatency("catalog_load", time.Since(start).Seconds())
		rc.raw = raw
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		samples, err := p.ephemeris.FetchDaily(gctx, lo, hi, s.generator.Bodies())
		if err != nil {
			return fmt.Errorf("load ephemeris: %w", err)
		}
		p.metrics.RecordLatency("ephemeris_load", time.Since(start).Seconds())
		rc.samples = samples
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	rc.logger.Info("inputs acquired",
		applogger.Int("raw_records", len(rc.raw)),
		applogger.Int("ephemeris_samples", len(rc.samples)))
	return nil
}

func (p *Pipeline) normalize(_ context.Context, rc *RunContext) error {
	cat, err := rc.settings.normalizer.Normalize(rc.raw)
	if err != nil {
		return err
	}
	rc.catalog = cat
	rc.raw = nil
	rc.Result.Catalog.NormalizationReport = cat.Report
	for reason, n := range cat.Report.RejectedByReason {
		p.metrics.RecordRejected(reason, n)
	}
	p.metrics.RecordEvents("raw", cat.Report.Raw)
	p.metrics.RecordEvents("normalized", cat.Report.Normalized)
	if cat.Len() == 0 {
		return fmt.Errorf("no events left after normalization of %d records", cat.Report.Raw)
	}
	return nil
}

func (p *Pipeline) declusterCatalog(_ context.Context, rc *RunContext) error {
	flags, err := rc.settings.declust.Decluster(rc.catalog)
	if err != nil {
		return err
	}
	indep, err := decluster.Independent(rc.catalog, flags, rc.settings.retainAll)
	if err != nil {
		return err
	}
	rc.independent = indep
	sum := &rc.Result.Catalog
	sum.Independent, sum.Dependent, sum.Clusters = decluster.Summarize(flags)
	sum.Retained = indep.Len()
	p.metrics.RecordEvents("independent", sum.Independent)
	p.metrics.RecordEvents("dependent", sum.Dependent)
	return nil
}

func (p *Pipeline) buildFeatures(_ context.Context, rc *RunContext) error {
	s := rc.settings
	fs, err := s.generator.Generate(s.from, s.to, features.NewMemoryEphemeris(rc.samples))
	if err != nil {
		return err
	}
	rc.features = fs
	rc.samples = nil
	rc.Result.Features = models.FeatureSummary{
		Days:       fs.Len(),
		DatePolicy: string(s.generator.Policy()),
		Excluded:   fs.Excluded,
	}

	rc.responses = make(map[float64][]float64, len(s.thresholds))
	for _, th := range s.thresholds {
		y, dropped := regression.DailyCounts(fs, rc.eventDates(rc.independent, th))
		rc.responses[th] = y
		if dropped > 0 {
			rc.logger.Debug("events outside feature days", applogger.Float64("min_magnitude", th), applogger.Int("dropped", dropped))
		}
	}
	return nil
}

// eventDates assigns every event at or above minMag to its civil date.
func (rc *RunContext) eventDates(cat *models.NormalizedCatalog, minMag float64) []time.Time {
	out := make([]time.Time, 0, cat.Len())
	for _, ev := range cat.Events {
		if ev.Magnitude >= minMag {
			out = append(out, rc.settings.generator.AssignDate(ev))
		}
	}
	return out
}

func responseName(th float64) string {
	return "daily_count_m" + strconv.FormatFloat(th, 'f', -1, 64)
}

func (p *Pipeline) fitModels(_ context.Context, rc *RunContext) error {
	s := rc.settings
	cands := s.candidates()
	var errs []error
	for i, th := range s.thresholds {
		set, err := s.engine.FitSet(rc.features, rc.responses[th], responseName(th), th, cands)
		if set != nil {
			rc.Result.Models = append(rc.Result.Models, *set)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("m>=%g: %w", th, err))
		}
		rc.progress(float64(i+1) / float64(len(s.thresholds)))
	}
	return errors.Join(errs...)
}

// testPeriodicity tests the lowest-threshold event dates inside the window.
// A sample below the minimum still yields a result, and the error is kept
// alongside it.
func (p *Pipeline) testPeriodicity(_ context.Context, rc *RunContext) error {
	s := rc.settings
	cat := rc.catalog
	if s.useDeclustered {
		cat = rc.independent
	}
	var dates []time.Time
	for _, d := range rc.eventDates(cat, s.thresholds[0]) {
		if !d.Before(s.from) && !d.After(s.to) {
			dates = append(dates, d)
		}
	}
	res, err := s.tester.Test(dates)
	var sample *models.InsufficientSampleError
	if err != nil && !errors.As(err, &sample) {
		return err
	}
	rc.Result.Periodicity = &res
	p.metrics.RecordVerdict(res.TestName, string(res.Verdict))
	return err
}

func (p *Pipeline) validate(ctx context.Context, rc *RunContext) error {
	s := rc.settings
	v, err := montecarlo.NewValidator(s.mc, s.engine,
		montecarlo.WithLogger(rc.logger),
		montecarlo.WithProgress(func(done, total int) {
			rc.progress(float64(done) / float64(total))
		}))
	if err != nil {
		return err
	}
	hyps := montecarlo.ThresholdSweep(s.hypotheses, s.thresholds)
	results, err := v.Validate(ctx, rc.features, rc.responses, hyps)
	rc.Result.MonteCarlo = results
	for _, r := range results {
		p.metrics.RecordPermutations(r.TestName, r.Iterations)
		p.metrics.RecordVerdict(r.TestName, string(r.Verdict))
	}
	return err
}

func (p *Pipeline) runDiagnostics(_ context.Context, rc *RunContext) error {
	s := rc.settings
	if !s.diagnostics {
		return nil
	}
	th := s.thresholds[0]
	var events []diagnostics.EventDay
	for _, ev := range rc.independent.Events {
		if ev.Magnitude >= th {
			events = append(events, diagnostics.EventDay{Date: s.generator.AssignDate(ev), Magnitude: ev.Magnitude})
		}
	}
	d, err := s.analyzer.Run(rc.features, s.diagFeature, rc.responses[th], events)
	if d != nil && (d.Molchan != nil || d.LagCorrelation != nil || d.EpochAnalysis != nil) {
		rc.Result.Diagnostics = d
	}
	return err
}

// hypothesisNames lists the declared names, for logs and the API.
func hypothesisNames(hyps []montecarlo.Hypothesis) []string {
	out := make([]string, 0, len(hyps))
	for _, h := range hyps {
		out = append(out, h.Name)
	}
	return out
}
