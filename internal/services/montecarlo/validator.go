// Package montecarlo builds permutation null distributions for declared
// hypotheses and issues Bonferroni-corrected verdicts.
package montecarlo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"AstroSeis/internal/domain/models"
	"AstroSeis/internal/services/regression"
	applogger "AstroSeis/pkg/logger"
)

type StatisticKind string

const (
	// StatDeltaAIC is AIC(baseline) - AIC(candidate). Positive favours the candidate.
	StatDeltaAIC StatisticKind = "delta_aic"
	// StatPseudoR2 is McFadden's 1 - LL(candidate)/LL(baseline).
	StatPseudoR2 StatisticKind = "pseudo_r2"
)

const TestName = "monte_carlo_permutation"

type Config struct {
	Iterations int
	Workers    int
	Statistic  StatisticKind
	Alpha      float64
	Seed       uint64
}

func DefaultConfig() Config {
	return Config{Iterations: 1000, Workers: 4, Statistic: StatDeltaAIC, Alpha: 0.05, Seed: 42}
}

// Progress is called after each permutation with the number completed so
// far across all hypotheses.
type Progress func(done, total int)

type Validator struct {
	cfg      Config
	engine   *regression.Engine
	logger   *applogger.Logger
	progress Progress
}

type Option func(*Validator)

func WithLogger(l *applogger.Logger) Option { return func(v *Validator) { v.logger = l } }
func WithProgress(p Progress) Option        { return func(v *Validator) { v.progress = p } }

func NewValidator(cfg Config, engine *regression.Engine, opts ...Option) (*Validator, error) {
	if cfg.Iterations < 1 {
		return nil, fmt.Errorf("iterations must be positive, got %d", cfg.Iterations)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	switch cfg.Statistic {
	case StatDeltaAIC, StatPseudoR2:
	default:
		return nil, fmt.Errorf("unknown statistic %q", cfg.Statistic)
	}
	if cfg.Alpha <= 0 || cfg.Alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in (0, 1), got %v", cfg.Alpha)
	}
	v := &Validator{cfg: cfg, engine: engine, logger: applogger.Nop()}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// CorrectedAlpha divides the nominal alpha by the number of declared tests.
func CorrectedAlpha(alpha float64, tests int) float64 {
	if tests < 1 {
		return alpha
	}
	return alpha / float64(tests)
}

// Statistic scores a candidate fit against its baseline.
func Statistic(kind StatisticKind, base, cand *models.RegressionModel) float64 {
	if kind == StatPseudoR2 {
		return 1 - cand.LogLikelihood/base.LogLikelihood
	}
	return base.AIC - cand.AIC
}

// ExpectedNullMean is the large-sample mean of the statistic when the
// candidate features carry no information: the extra parameters buy an
// average likelihood gain of half their count.
func ExpectedNullMean(kind StatisticKind, base, cand *models.RegressionModel) float64 {
	dk := float64(cand.NumParams - base.NumParams)
	if kind == StatPseudoR2 {
		return dk / (2 * math.Abs(base.LogLikelihood))
	}
	return -dk
}

// nullMeanNote names the value the null mean should approach.
func nullMeanNote(kind StatisticKind, base, cand *models.RegressionModel) string {
	dk := cand.NumParams - base.NumParams
	if kind == StatPseudoR2 {
		return fmt.Sprintf("null mean of pseudo R2 is about %d/(2|LL baseline|) = %.4g, not 0", dk, ExpectedNullMean(kind, base, cand))
	}
	return fmt.Sprintf("null mean of delta AIC is about -%d (minus the extra parameters), not 0", dk)
}

// Validate runs every hypothesis against the response for its magnitude
// threshold. responses maps a threshold to daily counts aligned with fs.
// A hypothesis that cannot be evaluated yields an error, and the loop moves
// on; the returned slice holds the results that could be computed.
func (v *Validator) Validate(ctx context.Context, fs *models.FeatureSet, responses map[float64][]float64, hyps []Hypothesis) ([]models.ValidationResult, error) {
	if err := validateHypotheses(hyps); err != nil {
		return nil, err
	}
	corrected := CorrectedAlpha(v.cfg.Alpha, len(hyps))
	total := len(hyps) * v.cfg.Iterations
	var done atomic.Int64

	results := make([]models.ValidationResult, 0, len(hyps))
	var errs []error
	for hi, h := range hyps {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		y, ok := responses[h.MinMagnitude]
		if !ok {
			errs = append(errs, fmt.Errorf("hypothesis %s: no response for magnitude %v", h.Name, h.MinMagnitude))
			continue
		}
		res, err := v.validateOne(ctx, fs, y, h, uint64(hi), corrected, func() {
			n := done.Add(1)
			if v.progress != nil {
				v.progress(int(n), total)
			}
		})
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("hypothesis %s: %w", h.Name, err))
			continue
		}
		res.Tests = len(hyps)
		results = append(results, res)
	}
	if len(errs) > 0 {
		return results, errors.Join(errs...)
	}
	return results, nil
}

func (v *Validator) validateOne(ctx context.Context, fs *models.FeatureSet, y []float64, h Hypothesis, index uint64, corrected float64, tick func()) (models.ValidationResult, error) {
	start := time.Now()
	fitter := v.engine.Fitter()

	cand, err := v.engine.CandidateDesign(fs, h.Candidate())
	if err != nil {
		return models.ValidationResult{}, err
	}
	base := cand.Baseline()

	baseFit, err := fitter.Refit("baseline", base, y, models.FamilyNegativeBinomial, nil)
	if err != nil {
		return models.ValidationResult{}, fmt.Errorf("baseline: %w", err)
	}
	candFit, err := fitter.Refit(h.Name, cand, y, models.FamilyNegativeBinomial, nil)
	if err != nil {
		return models.ValidationResult{}, fmt.Errorf("candidate: %w", err)
	}
	observed := Statistic(v.cfg.Statistic, baseFit, candFit)

	null, failed, err := v.nullDistribution(ctx, base, cand, y, h.Name, index, regression.StartFrom(baseFit), regression.StartFrom(candFit), tick)
	if err != nil {
		return models.ValidationResult{}, err
	}
	if len(null) == 0 {
		return models.ValidationResult{}, fmt.Errorf("all %d permutation fits failed", failed)
	}
	slices.Sort(null)

	threshold := stat.Quantile(1-corrected, stat.Empirical, null, nil)
	ge := len(null) - sortSearch(null, observed)
	mean, sd := stat.MeanStdDev(null, nil)

	res := models.ValidationResult{
		TestName:         TestName,
		Hypothesis:       h.Name,
		Statistic:        observed,
		PValue:           float64(ge+1) / float64(len(null)+1),
		Threshold:        threshold,
		NominalAlpha:     v.cfg.Alpha,
		CorrectedAlpha:   corrected,
		SampleSize:       base.Rows(),
		StatisticKind:    string(v.cfg.Statistic),
		Iterations:       len(null),
		NullMean:         mean,
		NullStdDev:       sd,
		ExpectedNullMean: ExpectedNullMean(v.cfg.Statistic, baseFit, candFit),
		NullPercentile:   100 * float64(len(null)-ge) / float64(len(null)),
		Assumptions: []string{
			fmt.Sprintf("bonferroni over declared hypotheses, alpha %g", v.cfg.Alpha),
			"response permuted across days, features held fixed",
			fmt.Sprintf("baseline and candidate refitted per permutation (%s)", models.FamilyNegativeBinomial),
			nullMeanNote(v.cfg.Statistic, baseFit, candFit),
		},
		Verdict: models.VerdictFail,
	}
	if observed > threshold {
		res.Verdict = models.VerdictPass
	}
	if float64(len(null)) < 1/corrected {
		// the null tail beyond the corrected quantile was never sampled,
		// so only a failure is conclusive
		res.LowConfidence = true
		if res.Verdict == models.VerdictPass {
			res.Verdict = models.VerdictInconclusive
		}
		res.Assumptions = append(res.Assumptions, fmt.Sprintf("%d permutations cannot resolve alpha %.5f", len(null), corrected))
	}
	if failed > 0 {
		res.Assumptions = append(res.Assumptions, fmt.Sprintf("%d permutation fits failed and were skipped", failed))
	}

	v.logger.Info("hypothesis validated",
		applogger.String("hypothesis", h.Name),
		applogger.Float64("statistic", observed),
		applogger.Float64("threshold", threshold),
		applogger.Float64("p_value", res.PValue),
		applogger.String("verdict", string(res.Verdict)),
		applogger.Int("failed_fits", failed),
		applogger.Duration("took", time.Since(start)))
	return res, nil
}

// nullDistribution splits the permutations into one contiguous block per
// worker. Each block has its own seeded stream, so the draws do not depend
// on scheduling, and its own result slice, concatenated after Wait.
func (v *Validator) nullDistribution(ctx context.Context, base, cand *regression.Design, y []float64, name string, index uint64, baseStart, candStart *regression.Start, tick func()) ([]float64, int, error) {
	fitter := v.engine.Fitter()
	workers := min(v.cfg.Workers, v.cfg.Iterations)
	parts := make([][]float64, workers)
	fails := make([]int, workers)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		lo := w * v.cfg.Iterations / workers
		hi := (w + 1) * v.cfg.Iterations / workers
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(v.cfg.Seed, index<<32|uint64(w)))
			perm := slices.Clone(y)
			out := make([]float64, 0, hi-lo)
			for i := lo; i < hi; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				rng.Shuffle(len(perm), func(a, b int) { perm[a], perm[b] = perm[b], perm[a] })
				bf, err := fitter.Refit("baseline", base, perm, models.FamilyNegativeBinomial, baseStart)
				if err == nil {
					var cf *models.RegressionModel
					if cf, err = fitter.Refit(name, cand, perm, models.FamilyNegativeBinomial, candStart); err == nil {
						out = append(out, Statistic(v.cfg.Statistic, bf, cf))
					}
				}
				if err != nil {
					fails[w]++
				}
				tick()
			}
			parts[w] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	null := make([]float64, 0, v.cfg.Iterations)
	failed := 0
	for w := range parts {
		null = append(null, parts[w]...)
		failed += fails[w]
	}
	return null, failed, nil
}

// sortSearch returns the index of the first element >= x in sorted s.
func sortSearch(s []float64, x float64) int {
	i, _ := slices.BinarySearch(s, x)
	return i
}
