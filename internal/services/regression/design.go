package regression

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"gonum.org/v1/gonum/mat"

	"AstroSeis/internal/domain/models"
)

// Baseline column names. year_index is the fractional number of years
// since the first row.
const (
	ColIntercept = models.InterceptTerm
	ColYearIndex = "year_index"
)

func sinCol(k int) string { return "sin_doy_" + strconv.Itoa(k) }
func cosCol(k int) string { return "cos_doy_" + strconv.Itoa(k) }

// LevelColumn names the indicator column of a categorical level.
func LevelColumn(feature string, level int) string { return feature + "_" + strconv.Itoa(level) }

// Design is an immutable model matrix. The first BaseCols columns are the
// trend and seasonality baseline; the rest encode the candidate features.
type Design struct {
	Columns  []string
	Dates    []time.Time
	Offset   []float64
	BaseCols int
	x        []float64 // row-major, len(Dates)*len(Columns)
}

func (d *Design) Rows() int { return len(d.Dates) }
func (d *Design) Cols() int { return len(d.Columns) }

func (d *Design) At(i, j int) float64 { return d.x[i*len(d.Columns)+j] }

// Row returns a copy of row i.
func (d *Design) Row(i int) []float64 {
	p := len(d.Columns)
	return slices.Clone(d.x[i*p : (i+1)*p])
}

// FeatureRow returns the candidate-feature block of row i.
func (d *Design) FeatureRow(i int) []float64 {
	p := len(d.Columns)
	return slices.Clone(d.x[i*p+d.BaseCols : (i+1)*p])
}

// Matrix copies the design into a gonum matrix.
func (d *Design) Matrix() *mat.Dense {
	return mat.NewDense(d.Rows(), d.Cols(), slices.Clone(d.x))
}

// Baseline returns the design restricted to the baseline columns.
func (d *Design) Baseline() *Design {
	if d.BaseCols == d.Cols() {
		return d
	}
	n, p, b := d.Rows(), d.Cols(), d.BaseCols
	x := make([]float64, n*b)
	for i := 0; i < n; i++ {
		copy(x[i*b:(i+1)*b], d.x[i*p:i*p+b])
	}
	return &Design{Columns: slices.Clone(d.Columns[:b]), Dates: d.Dates, Offset: d.Offset, BaseCols: b, x: x}
}

type DesignSpec struct {
	// Harmonics is the number of day-of-year sine/cosine pairs.
	Harmonics int
	Features  []models.FeatureSpec
	// Exposure per row, 1.0 when nil. Enters as log offset.
	Exposure []float64
}

// BuildDesign encodes the feature set. Categorical features become one
// indicator column per non-reference level; flags are 0/1; numerics are
// used as is. A declared level with no observed day, or an observed level
// that was never declared, is rejected here.
func BuildDesign(fs *models.FeatureSet, spec DesignSpec) (*Design, error) {
	n := fs.Len()
	if n == 0 {
		return nil, fmt.Errorf("design: no feature vectors")
	}
	if spec.Exposure != nil && len(spec.Exposure) != n {
		return nil, fmt.Errorf("design: %d exposures for %d rows", len(spec.Exposure), n)
	}

	cols := []string{ColIntercept, ColYearIndex}
	for k := 1; k <= spec.Harmonics; k++ {
		cols = append(cols, sinCol(k), cosCol(k))
	}
	base := len(cols)

	type encoder struct {
		spec   models.FeatureSpec
		first  int
		levels []int // non-reference levels in column order
	}
	encoders := make([]encoder, 0, len(spec.Features))
	for _, f := range spec.Features {
		e := encoder{spec: f, first: len(cols)}
		switch f.Kind {
		case models.FeatureCategorical:
			for _, l := range f.Levels {
				if l == f.Reference {
					continue
				}
				e.levels = append(e.levels, l)
				cols = append(cols, LevelColumn(f.Name, l))
			}
		case models.FeatureNumeric, models.FeatureFlag:
			cols = append(cols, f.Name)
		default:
			return nil, fmt.Errorf("design: feature %q has invalid kind", f.Name)
		}
		encoders = append(encoders, e)
	}

	p := len(cols)
	d := &Design{
		Columns:  cols,
		Dates:    make([]time.Time, n),
		Offset:   make([]float64, n),
		BaseCols: base,
		x:        make([]float64, n*p),
	}
	first := fs.Vectors[0].Date
	observed := make(map[string]map[int]int)

	for i := range fs.Vectors {
		v := &fs.Vectors[i]
		d.Dates[i] = v.Date
		if spec.Exposure != nil {
			if spec.Exposure[i] <= 0 {
				return nil, fmt.Errorf("design: exposure must be positive, row %d", i)
			}
			d.Offset[i] = math.Log(spec.Exposure[i])
		}
		row := d.x[i*p : (i+1)*p]
		row[0] = 1
		row[1] = v.Date.Sub(first).Hours() / 24 / 365.25
		doy := float64(v.Date.YearDay())
		for k := 1; k <= spec.Harmonics; k++ {
			w := 2 * math.Pi * float64(k) * doy / 365.25
			row[2*k] = math.Sin(w)
			row[2*k+1] = math.Cos(w)
		}

		for _, e := range encoders {
			val, ok := v.Value(e.spec.Name)
			if !ok {
				return nil, fmt.Errorf("design: feature %q missing on %s", e.spec.Name, v.Date.Format(time.DateOnly))
			}
			switch e.spec.Kind {
			case models.FeatureNumeric:
				row[e.first] = val.Numeric
			case models.FeatureFlag:
				if val.Flag {
					row[e.first] = 1
				}
			case models.FeatureCategorical:
				if observed[e.spec.Name] == nil {
					observed[e.spec.Name] = make(map[int]int)
				}
				observed[e.spec.Name][val.Level]++
				if val.Level == e.spec.Reference {
					continue
				}
				j := slices.Index(e.levels, val.Level)
				if j < 0 {
					return nil, fmt.Errorf("design: feature %q level %d on %s is not declared",
						e.spec.Name, val.Level, v.Date.Format(time.DateOnly))
				}
				row[e.first+j] = 1
			}
		}
	}

	for _, e := range encoders {
		if e.spec.Kind != models.FeatureCategorical {
			continue
		}
		var empty []string
		for _, l := range e.spec.Levels {
			if observed[e.spec.Name][l] == 0 {
				empty = append(empty, LevelColumn(e.spec.Name, l))
			}
		}
		if len(empty) > 0 {
			return nil, &models.UnderdeterminedModelError{
				Model:   "design",
				Rank:    p - len(empty),
				Cols:    p,
				Columns: empty,
				Reason:  "declared category with zero observed days",
			}
		}
	}
	return d, nil
}

// CheckRank fails with UnderdeterminedModelError when the columns are
// linearly dependent. Columns are scaled to unit norm first so that small
// numeric features are not mistaken for zero columns.
func (d *Design) CheckRank(model string) error {
	n, p := d.Rows(), d.Cols()
	if n < p {
		return &models.UnderdeterminedModelError{Model: model, Rank: n, Cols: p, Reason: "fewer rows than columns"}
	}
	scaled := mat.NewDense(n, p, nil)
	var zero []string
	for j := 0; j < p; j++ {
		var norm float64
		for i := 0; i < n; i++ {
			norm += d.At(i, j) * d.At(i, j)
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			zero = append(zero, d.Columns[j])
			continue
		}
		for i := 0; i < n; i++ {
			scaled.Set(i, j, d.At(i, j)/norm)
		}
	}
	if len(zero) > 0 {
		return &models.UnderdeterminedModelError{Model: model, Rank: p - len(zero), Cols: p, Columns: zero, Reason: "all-zero column"}
	}

	var svd mat.SVD
	if !svd.Factorize(scaled, mat.SVDThin) {
		return fmt.Errorf("design %s: SVD did not converge", model)
	}
	s := svd.Values(nil)
	tol := float64(max(n, p)) * s[0] * 1e-12
	rank := 0
	for _, v := range s {
		if v > tol {
			rank++
		}
	}
	if rank == p {
		return nil
	}

	var right mat.Dense
	svd.VTo(&right)
	var involved []string
	for j := 0; j < p; j++ {
		for k := rank; k < p; k++ {
			if math.Abs(right.At(j, k)) > 1e-6 {
				involved = append(involved, d.Columns[j])
				break
			}
		}
	}
	return &models.UnderdeterminedModelError{Model: model, Rank: rank, Cols: p, Columns: involved, Reason: "collinear columns"}
}
