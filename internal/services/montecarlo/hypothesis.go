package montecarlo

import (
	"fmt"
	"slices"
	"strconv"

	"AstroSeis/internal/domain/models"
	"AstroSeis/internal/services/regression"
)

// Hypothesis is one declared test: a feature block evaluated against the
// response at a magnitude threshold. The full list is fixed before any
// test runs and its length is the Bonferroni divisor.
type Hypothesis struct {
	Name         string
	Features     []models.FeatureSpec
	MinMagnitude float64
}

func (h Hypothesis) Candidate() regression.Candidate {
	return regression.Candidate{Name: h.Name, Features: h.Features}
}

// UDNSweep declares one hypothesis per UDN level, each testing that
// level's indicator against all other days.
func UDNSweep(levels []int, minMag float64) []Hypothesis {
	out := make([]Hypothesis, 0, len(levels))
	for _, l := range levels {
		name := models.UDNIsFeature(l)
		out = append(out, Hypothesis{
			Name:         name,
			Features:     []models.FeatureSpec{{Name: name, Kind: models.FeatureFlag}},
			MinMagnitude: minMag,
		})
	}
	return out
}

// ThresholdSweep repeats every hypothesis at each magnitude threshold.
// With more than one threshold the names get an "@m<threshold>" suffix.
func ThresholdSweep(hyps []Hypothesis, thresholds []float64) []Hypothesis {
	if len(thresholds) == 0 {
		return slices.Clone(hyps)
	}
	out := make([]Hypothesis, 0, len(hyps)*len(thresholds))
	for _, m := range thresholds {
		for _, h := range hyps {
			if len(thresholds) > 1 {
				h.Name += "@m" + strconv.FormatFloat(m, 'f', -1, 64)
			}
			h.MinMagnitude = m
			out = append(out, h)
		}
	}
	return out
}

func validateHypotheses(hyps []Hypothesis) error {
	if len(hyps) == 0 {
		return fmt.Errorf("no hypotheses declared")
	}
	seen := make(map[string]struct{}, len(hyps))
	for _, h := range hyps {
		if h.Name == "" {
			return fmt.Errorf("hypothesis without a name")
		}
		if _, dup := seen[h.Name]; dup {
			return fmt.Errorf("hypothesis %q declared twice", h.Name)
		}
		seen[h.Name] = struct{}{}
		if len(h.Features) == 0 {
			return fmt.Errorf("hypothesis %q has no features", h.Name)
		}
		if err := (models.FeatureSchema{Features: h.Features}).Validate(); err != nil {
			return fmt.Errorf("hypothesis %q: %w", h.Name, err)
		}
	}
	return nil
}
