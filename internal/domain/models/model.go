package models

type Family string

const (
	FamilyPoisson          Family = "poisson"
	FamilyNegativeBinomial Family = "negative_binomial"
)

// Coefficient is one fitted term with its Wald test.
type Coefficient struct {
	Term     string  `json:"term"`
	Estimate float64 `json:"estimate"`
	StdError float64 `json:"stdError"`
	Z        float64 `json:"z"`
	PValue   float64 `json:"pValue"`
}

// RegressionModel is an immutable fit result. Refitting yields a new value.
// Dispersion is the negative-binomial alpha (Var = mu + alpha*mu^2) and is
// zero for Poisson fits.
type RegressionModel struct {
	Name          string        `json:"name"`
	Family        Family        `json:"family"`
	Coefficients  []Coefficient `json:"coefficients"`
	Dispersion    float64       `json:"dispersion"`
	LogLikelihood float64       `json:"logLikelihood"`
	AIC           float64       `json:"aic"`
	NumParams     int           `json:"numParams"`
	NumObs        int           `json:"numObs"`
	Iterations    int           `json:"iterations"`
	Converged     bool          `json:"converged"`
}

func (m *RegressionModel) Coefficient(term string) (Coefficient, bool) {
	for _, c := range m.Coefficients {
		if c.Term == term {
			return c, true
		}
	}
	return Coefficient{}, false
}

// Significant lists terms whose Wald p-value is below alpha, excluding the
// intercept.
func (m *RegressionModel) Significant(alpha float64) []Coefficient {
	var out []Coefficient
	for _, c := range m.Coefficients {
		if c.Term != InterceptTerm && c.PValue < alpha {
			out = append(out, c)
		}
	}
	return out
}

const InterceptTerm = "intercept"
