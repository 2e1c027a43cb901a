package regression

import (
	"errors"
	"fmt"
	"time"

	"AstroSeis/internal/domain/models"
	applogger "AstroSeis/pkg/logger"
	"AstroSeis/pkg/util"
)

// Candidate is a named feature block fitted on top of the baseline.
type Candidate struct {
	Name     string
	Features []models.FeatureSpec
}

// Engine fits the baseline and candidate models of one response series.
type Engine struct {
	fitter    *Fitter
	harmonics int
	logger    *applogger.Logger
}

func NewEngine(fitter *Fitter, harmonics int, logger *applogger.Logger) *Engine {
	if logger == nil {
		logger = applogger.Nop()
	}
	return &Engine{fitter: fitter, harmonics: harmonics, logger: logger}
}

func (e *Engine) Fitter() *Fitter { return e.fitter }
func (e *Engine) Harmonics() int  { return e.harmonics }

// DailyCounts bins event dates onto the rows of fs. Events on dates that
// are not in the set (excluded or out of window) are dropped.
func DailyCounts(fs *models.FeatureSet, eventDates []time.Time) ([]float64, int) {
	y := make([]float64, fs.Len())
	index := make(map[time.Time]int, fs.Len())
	for i, v := range fs.Vectors {
		index[v.Date] = i
	}
	dropped := 0
	for _, d := range eventDates {
		i, ok := index[util.CivilDate(d)]
		if !ok {
			dropped++
			continue
		}
		y[i]++
	}
	return y, dropped
}

// CandidateDesign builds the design for one candidate and verifies its rank.
func (e *Engine) CandidateDesign(fs *models.FeatureSet, c Candidate) (*Design, error) {
	d, err := BuildDesign(fs, DesignSpec{Harmonics: e.harmonics, Features: c.Features})
	if err != nil {
		return nil, err
	}
	if err := d.CheckRank(c.Name); err != nil {
		return nil, err
	}
	return d, nil
}

// FitSet fits the Poisson and NB baselines and every candidate. A candidate
// that cannot be fitted is left out of the set; its error is joined into the
// returned error, which is non-nil only when something failed.
func (e *Engine) FitSet(fs *models.FeatureSet, y []float64, response string, minMag float64, cands []Candidate) (*models.ModelSet, error) {
	set := &models.ModelSet{
		Response:     response,
		MinMagnitude: minMag,
		Candidates:   make(map[string]*models.RegressionModel, len(cands)),
		DeltaAIC:     make(map[string]float64, len(cands)),
	}

	base, err := BuildDesign(fs, DesignSpec{Harmonics: e.harmonics})
	if err != nil {
		return nil, fmt.Errorf("baseline design: %w", err)
	}
	if err := base.CheckRank("baseline"); err != nil {
		return nil, err
	}
	if set.BaselinePoisson, err = e.fitter.Refit("baseline_poisson", base, y, models.FamilyPoisson, nil); err != nil {
		return nil, fmt.Errorf("baseline poisson: %w", err)
	}
	if set.Baseline, err = e.fitter.Refit("baseline", base, y, models.FamilyNegativeBinomial, nil); err != nil {
		return nil, fmt.Errorf("baseline: %w", err)
	}
	set.PoissonToNBAIC = set.BaselinePoisson.AIC - set.Baseline.AIC
	e.logger.Info("baseline fitted",
		applogger.String("response", response),
		applogger.Float64("alpha", set.Baseline.Dispersion),
		applogger.Float64("aic", set.Baseline.AIC),
		applogger.Float64("poisson_to_nb_aic", set.PoissonToNBAIC))

	var errs []error
	for _, c := range cands {
		d, err := e.CandidateDesign(fs, c)
		if err != nil {
			errs = append(errs, fmt.Errorf("candidate %s: %w", c.Name, err))
			continue
		}
		m, err := e.fitter.Refit(c.Name, d, y, models.FamilyNegativeBinomial, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("candidate %s: %w", c.Name, err))
			continue
		}
		set.Candidates[c.Name] = m
		set.DeltaAIC[c.Name] = set.Baseline.AIC - m.AIC
		if !m.Converged {
			e.logger.Warn("candidate did not converge", applogger.String("candidate", c.Name), applogger.Int("iterations", m.Iterations))
		}
	}
	return set, errors.Join(errs...)
}
