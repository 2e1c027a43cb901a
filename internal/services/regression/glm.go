package regression

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"AstroSeis/internal/domain/models"
)

const (
	maxEta       = 30.0
	minLogAlpha  = -12.0
	maxLogAlpha  = 4.0
	maxOuter     = 25
	maxHalvings  = 12
	alphaTolLog  = 1e-6
	goldenTolLog = 1e-7
)

// Options bound the fit. DispersionRounds caps the IRLS/profile-likelihood
// alternations of a negative binomial fit.
type Options struct {
	MaxIterations    int
	Tolerance        float64
	DispersionRounds int
}

func DefaultOptions() Options {
	return Options{MaxIterations: 100, Tolerance: 1e-8, DispersionRounds: maxOuter}
}

// Start seeds a fit with a previous solution.
type Start struct {
	Beta  []float64
	Alpha float64
}

// StartFrom extracts a warm start from a fitted model.
func StartFrom(m *models.RegressionModel) *Start {
	if m == nil {
		return nil
	}
	beta := make([]float64, len(m.Coefficients))
	for i, c := range m.Coefficients {
		beta[i] = c.Estimate
	}
	return &Start{Beta: beta, Alpha: m.Dispersion}
}

// Fitter fits log-link count GLMs by iteratively reweighted least squares.
// It holds no per-fit state and is safe for concurrent use.
type Fitter struct {
	opts Options
}

func NewFitter(opts Options) *Fitter {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultOptions().MaxIterations
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultOptions().Tolerance
	}
	if opts.DispersionRounds <= 0 {
		opts.DispersionRounds = maxOuter
	}
	return &Fitter{opts: opts}
}

// Fit checks the design rank, then fits the model.
func (f *Fitter) Fit(name string, d *Design, y []float64, family models.Family) (*models.RegressionModel, error) {
	if err := d.CheckRank(name); err != nil {
		return nil, err
	}
	return f.Refit(name, d, y, family, nil)
}

// Refit fits on a design whose rank was already verified, optionally from a
// warm start. The Monte Carlo validator uses it for permuted responses.
func (f *Fitter) Refit(name string, d *Design, y []float64, family models.Family, start *Start) (*models.RegressionModel, error) {
	if err := checkResponse(name, d, y); err != nil {
		return nil, err
	}
	var beta []float64
	if start != nil && len(start.Beta) == d.Cols() {
		beta = start.Beta
	}

	switch family {
	case models.FamilyPoisson:
		res, err := f.irls(name, d, y, 0, beta)
		if err != nil {
			return nil, err
		}
		return buildModel(name, family, d, res, 0, res.iters)

	case models.FamilyNegativeBinomial:
		alpha := 0.0
		if start != nil && start.Alpha > 0 {
			alpha = start.Alpha
		}
		iters := 0
		if alpha == 0 {
			pois, err := f.irls(name, d, y, 0, beta)
			if err != nil {
				return nil, err
			}
			iters += pois.iters
			beta = pois.beta
			alpha = momentAlpha(y, pois.mu)
		}
		var res *irlsResult
		fitAlpha := alpha // the alpha res was fitted with
		for outer := 0; outer < f.opts.DispersionRounds; outer++ {
			r, err := f.irls(name, d, y, alpha, beta)
			if err != nil {
				return nil, err
			}
			res, fitAlpha = r, alpha
			iters += r.iters
			beta = r.beta
			next := profileAlpha(y, r.mu)
			if math.Abs(math.Log(next)-math.Log(alpha)) < alphaTolLog {
				break
			}
			alpha = next
		}
		return buildModel(name, family, d, res, fitAlpha, iters)
	}
	return nil, fmt.Errorf("unknown family %q", family)
}

func checkResponse(name string, d *Design, y []float64) error {
	if len(y) != d.Rows() {
		return fmt.Errorf("model %s: %d responses for %d rows", name, len(y), d.Rows())
	}
	var total float64
	for i, v := range y {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) || v != math.Floor(v) {
			return fmt.Errorf("model %s: response %d is not a count: %v", name, i, v)
		}
		total += v
	}
	if total == 0 {
		return &models.UnderdeterminedModelError{Model: name, Rank: 0, Cols: d.Cols(), Reason: "response has no events"}
	}
	return nil
}

type irlsResult struct {
	beta      []float64
	mu        []float64
	chol      mat.Cholesky
	ll        float64
	iters     int
	converged bool
}

// irls fits beta for a fixed dispersion. alpha == 0 is Poisson.
func (f *Fitter) irls(name string, d *Design, y []float64, alpha float64, beta0 []float64) (*irlsResult, error) {
	n, p := d.Rows(), d.Cols()
	eta := make([]float64, n)
	mu := make([]float64, n)

	if beta0 != nil {
		linearPredictor(d, beta0, eta)
		for i := range eta {
			mu[i] = math.Exp(eta[i])
		}
	} else {
		var ybar float64
		for _, v := range y {
			ybar += v
		}
		ybar /= float64(n)
		for i := range y {
			mu[i] = (y[i] + ybar) / 2
			eta[i] = math.Log(mu[i])
		}
	}

	res := &irlsResult{beta: make([]float64, p), mu: mu}
	if beta0 != nil {
		copy(res.beta, beta0)
	}
	ll := logLik(y, mu, alpha)
	if beta0 == nil {
		ll = math.Inf(-1)
	}

	xtwx := mat.NewSymDense(p, nil)
	xtwz := mat.NewVecDense(p, nil)
	var next mat.VecDense
	prevBeta := slices.Clone(res.beta)

	for it := 1; it <= f.opts.MaxIterations; it++ {
		res.iters = it
		xtwx.Zero()
		xtwz.Zero()
		for i := 0; i < n; i++ {
			w := mu[i] / (1 + alpha*mu[i])
			z := eta[i] - d.Offset[i] + (y[i]-mu[i])/mu[i]
			row := d.x[i*p : (i+1)*p]
			for a := 0; a < p; a++ {
				wa := w * row[a]
				xtwz.SetVec(a, xtwz.AtVec(a)+wa*z)
				for b := a; b < p; b++ {
					xtwx.SetSym(a, b, xtwx.At(a, b)+wa*row[b])
				}
			}
		}
		if ok := res.chol.Factorize(xtwx); !ok {
			return nil, &models.UnderdeterminedModelError{Model: name, Cols: p, Rank: -1, Reason: "information matrix is not positive definite"}
		}
		if err := res.chol.SolveVecTo(&next, xtwz); err != nil {
			return nil, &models.UnderdeterminedModelError{Model: name, Cols: p, Rank: -1, Reason: err.Error()}
		}

		copy(prevBeta, res.beta)
		for j := 0; j < p; j++ {
			res.beta[j] = next.AtVec(j)
		}
		newLL := f.update(d, y, alpha, res.beta, eta, mu)

		// step halving when the full Newton step overshoots
		for h := 0; h < maxHalvings && (math.IsNaN(newLL) || newLL < ll-1e-10*math.Abs(ll)); h++ {
			for j := range res.beta {
				res.beta[j] = (res.beta[j] + prevBeta[j]) / 2
			}
			newLL = f.update(d, y, alpha, res.beta, eta, mu)
		}

		done := math.Abs(newLL-ll) < f.opts.Tolerance*(math.Abs(newLL)+0.1)
		ll = newLL
		if done {
			res.converged = true
			break
		}
	}
	res.ll = ll
	return res, nil
}

func (f *Fitter) update(d *Design, y []float64, alpha float64, beta, eta, mu []float64) float64 {
	linearPredictor(d, beta, eta)
	for i := range eta {
		mu[i] = math.Exp(eta[i])
	}
	return logLik(y, mu, alpha)
}

func linearPredictor(d *Design, beta, eta []float64) {
	p := d.Cols()
	for i := range eta {
		row := d.x[i*p : (i+1)*p]
		s := d.Offset[i]
		for j, b := range beta {
			s += row[j] * b
		}
		eta[i] = math.Max(-maxEta, math.Min(maxEta, s))
	}
}

func logLik(y, mu []float64, alpha float64) float64 {
	if alpha <= 0 {
		return poissonLogLik(y, mu)
	}
	return nbLogLik(y, mu, alpha)
}

func poissonLogLik(y, mu []float64) float64 {
	var ll float64
	for i, v := range y {
		lg, _ := math.Lgamma(v + 1)
		ll += v*math.Log(mu[i]) - mu[i] - lg
	}
	return ll
}

// nbLogLik is the NB2 log-likelihood with Var = mu + alpha*mu^2.
func nbLogLik(y, mu []float64, alpha float64) float64 {
	r := 1 / alpha
	lgr, _ := math.Lgamma(r)
	var ll float64
	for i, v := range y {
		a, _ := math.Lgamma(v + r)
		b, _ := math.Lgamma(v + 1)
		ll += a - lgr - b + r*math.Log(r/(r+mu[i]))
		if v > 0 {
			ll += v * math.Log(mu[i]/(r+mu[i]))
		}
	}
	return ll
}

// momentAlpha is the method-of-moments dispersion from a Poisson fit.
func momentAlpha(y, mu []float64) float64 {
	var num, den float64
	for i, v := range y {
		e := v - mu[i]
		num += e*e - v
		den += mu[i] * mu[i]
	}
	a := num / den
	return math.Max(math.Exp(minLogAlpha), math.Min(math.Exp(maxLogAlpha), a))
}

// profileAlpha maximizes the NB2 likelihood over log(alpha) for fixed mu by
// golden-section search.
func profileAlpha(y, mu []float64) float64 {
	g := (math.Sqrt(5) - 1) / 2
	a, b := minLogAlpha, maxLogAlpha
	c := b - g*(b-a)
	e := a + g*(b-a)
	fc := nbLogLik(y, mu, math.Exp(c))
	fe := nbLogLik(y, mu, math.Exp(e))
	for b-a > goldenTolLog {
		if fc > fe {
			b, e, fe = e, c, fc
			c = b - g*(b-a)
			fc = nbLogLik(y, mu, math.Exp(c))
		} else {
			a, c, fc = c, e, fe
			e = a + g*(b-a)
			fe = nbLogLik(y, mu, math.Exp(e))
		}
	}
	return math.Exp((a + b) / 2)
}

func buildModel(name string, family models.Family, d *Design, res *irlsResult, alpha float64, iters int) (*models.RegressionModel, error) {
	p := d.Cols()
	var cov mat.SymDense
	if err := res.chol.InverseTo(&cov); err != nil {
		return nil, &models.UnderdeterminedModelError{Model: name, Cols: p, Rank: -1, Reason: "singular information matrix: " + err.Error()}
	}

	m := &models.RegressionModel{
		Name:          name,
		Family:        family,
		Coefficients:  make([]models.Coefficient, p),
		Dispersion:    alpha,
		LogLikelihood: res.ll,
		NumParams:     p,
		NumObs:        d.Rows(),
		Iterations:    iters,
		Converged:     res.converged,
	}
	if family == models.FamilyNegativeBinomial {
		m.NumParams++
	}
	m.AIC = 2*float64(m.NumParams) - 2*res.ll

	for j := 0; j < p; j++ {
		se := math.Sqrt(cov.At(j, j))
		z := res.beta[j] / se
		m.Coefficients[j] = models.Coefficient{
			Term:     d.Columns[j],
			Estimate: res.beta[j],
			StdError: se,
			Z:        z,
			PValue:   2 * distuv.UnitNormal.Survival(math.Abs(z)),
		}
	}
	return m, nil
}
