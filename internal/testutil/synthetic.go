// Package testutil builds deterministic synthetic catalogs and ephemerides
// for package tests.
package testutil

import (
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"AstroSeis/internal/domain/models"
	"AstroSeis/internal/domain/repository"
	"AstroSeis/pkg/util"
)

type orbit struct {
	base, rate       float64 // geocentric deg, deg/day
	loopAmp, loopDay float64 // apparent retrograde loop
	helioSpeed       float64 // mean deg/day
	helioWobble      float64
	helioPeriod      float64 // days
}

var orbits = map[models.Body]orbit{
	models.Sun:     {base: 280, rate: 0.9856, helioSpeed: 0.9856, helioWobble: 0.03, helioPeriod: 365.25},
	models.Moon:    {base: 10, rate: 13.18, helioSpeed: 0.9856, helioWobble: 0.03, helioPeriod: 365.25},
	models.Mercury: {base: 270, rate: 0.9856, loopAmp: 22, loopDay: 115.88, helioSpeed: 4.09, helioWobble: 2.0, helioPeriod: 87.97},
	models.Venus:   {base: 300, rate: 0.9856, loopAmp: 100, loopDay: 583.9, helioSpeed: 1.60, helioWobble: 0.01, helioPeriod: 224.7},
	models.Mars:    {base: 330, rate: 0.524, loopAmp: 80, loopDay: 779.9, helioSpeed: 0.524, helioWobble: 0.05, helioPeriod: 687},
	models.Jupiter: {base: 90, rate: 0.083, loopAmp: 9, loopDay: 398.9, helioSpeed: 0.083, helioWobble: 0.008, helioPeriod: 4333},
	models.Saturn:  {base: 200, rate: 0.0335, loopAmp: 6, loopDay: 378.1, helioSpeed: 0.0335, helioWobble: 0.004, helioPeriod: 10759},
	models.Uranus:  {base: 20, rate: 0.0117, loopAmp: 3, loopDay: 369.7, helioSpeed: 0.0117, helioPeriod: 30687},
	models.Neptune: {base: 350, rate: 0.006, loopAmp: 2, loopDay: 367.5, helioSpeed: 0.006, helioPeriod: 60190},
	models.Pluto:   {base: 290, rate: 0.004, loopAmp: 1.5, loopDay: 366.7, helioSpeed: 0.004, helioPeriod: 90560},
	models.Rahu:    {base: 60, rate: -0.053, helioSpeed: -0.053, helioPeriod: 6798},
	models.Ketu:    {base: 240, rate: -0.053, helioSpeed: -0.053, helioPeriod: 6798},
}

var ephemerisEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Position is a smooth made-up ephemeris: mean motion plus an epicycle
// that produces retrograde loops for the planets.
func Position(at time.Time, b models.Body) models.BodyPosition {
	o := orbits[b]
	t := at.Sub(ephemerisEpoch).Hours() / 24
	lon := o.base + o.rate*t
	speed := o.rate
	if o.loopDay > 0 {
		w := 2 * math.Pi / o.loopDay
		lon += o.loopAmp * math.Sin(w*t)
		speed += o.loopAmp * w * math.Cos(w*t)
	}
	helio := o.helioSpeed
	if o.helioPeriod > 0 {
		helio += o.helioWobble * math.Sin(2*math.Pi*t/o.helioPeriod)
	}
	return models.BodyPosition{
		GeocentricLongitude:   util.NormalizeDegrees(lon),
		HeliocentricLongitude: util.NormalizeDegrees(o.base + o.helioSpeed*t),
		HeliocentricSpeed:     helio,
		Retrograde:            speed < 0,
	}
}

// EphemerisSamples returns daily 00:00 UTC samples covering [from, to].
func EphemerisSamples(from, to time.Time, bodies []models.Body) []repository.EphemerisSample {
	var out []repository.EphemerisSample
	for _, d := range util.DateRange(from, to) {
		for _, b := range bodies {
			out = append(out, repository.EphemerisSample{At: d, Body: b, Position: Position(d, b)})
		}
	}
	return out
}

func ptr(v float64) *float64 { return &v }

// BackgroundCatalog scatters n raw events uniformly over [from, to) and the
// globe, with magnitudes from a Gutenberg-Richter tail above minMag.
func BackgroundCatalog(rng *rand.Rand, n int, from, to time.Time, minMag float64) []models.RawEventRecord {
	span := to.Sub(from)
	out := make([]models.RawEventRecord, 0, n)
	for i := 0; i < n; i++ {
		at := from.Add(time.Duration(rng.Int64N(int64(span))))
		mag := math.Min(minMag+rng.ExpFloat64()/math.Ln10, 9.5)
		out = append(out, models.RawEventRecord{
			Time:          at.Format(time.RFC3339),
			Latitude:      ptr(-60 + rng.Float64()*120),
			Longitude:     ptr(-180 + rng.Float64()*360),
			DepthKm:       ptr(5 + rng.Float64()*60),
			Magnitude:     ptr(math.Round(mag*10) / 10),
			MagnitudeType: "mw",
		})
	}
	return out
}

// PoissonCounts draws n daily counts with the given mean.
func PoissonCounts(rng *rand.Rand, n int, mean float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = Poisson(rng, mean)
	}
	return out
}

// Poisson draws one count. Knuth's method, fine for the small daily means
// used in tests.
func Poisson(rng *rand.Rand, mean float64) float64 {
	l := math.Exp(-mean)
	k, p := 0, 1.0
	for {
		p *= rng.Float64()
		if p <= l {
			return float64(k)
		}
		k++
	}
}

// NegBinomial draws an NB2 count with Var = mean + alpha*mean^2 as a
// gamma-Poisson mixture.
func NegBinomial(rng *rand.Rand, mean, alpha float64) float64 {
	r := 1 / alpha
	lambda := distuv.Gamma{Alpha: r, Beta: r / mean, Src: rng}.Rand()
	return Poisson(rng, lambda)
}
