package catalog

import (
	"fmt"
	"sort"

	"AstroSeis/internal/domain/models"
)

// Band maps raw magnitudes in [From, To) onto Mw as Slope*m + Intercept.
// The last band of a type also accepts m == To.
type Band struct {
	From      float64 `yaml:"from" json:"from"`
	To        float64 `yaml:"to" json:"to"`
	Slope     float64 `yaml:"slope" json:"slope"`
	Intercept float64 `yaml:"intercept" json:"intercept"`
}

func (b Band) apply(m float64) float64 { return b.Slope*m + b.Intercept }

// MagnitudeTable holds the empirical Mw conversions per scale.
type MagnitudeTable struct {
	bands map[models.MagnitudeType][]Band
}

// NewMagnitudeTable validates that every scale's bands are contiguous and
// that the conversion never decreases, inside a band or across a band edge.
func NewMagnitudeTable(bands map[models.MagnitudeType][]Band) (*MagnitudeTable, error) {
	t := &MagnitudeTable{bands: make(map[models.MagnitudeType][]Band, len(bands))}
	for typ, bs := range bands {
		if len(bs) == 0 {
			return nil, fmt.Errorf("magnitude table %s: no bands", typ)
		}
		sorted := append([]Band(nil), bs...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].From < sorted[j].From })
		for i, b := range sorted {
			if b.To <= b.From {
				return nil, fmt.Errorf("magnitude table %s: empty band [%g, %g)", typ, b.From, b.To)
			}
			if b.Slope < 0 {
				return nil, fmt.Errorf("magnitude table %s: band [%g, %g) has negative slope %g", typ, b.From, b.To, b.Slope)
			}
			if i == 0 {
				continue
			}
			prev := sorted[i-1]
			if prev.To != b.From {
				return nil, fmt.Errorf("magnitude table %s: gap or overlap between %g and %g", typ, prev.To, b.From)
			}
			if prev.apply(prev.To) > b.apply(b.From) {
				return nil, fmt.Errorf("magnitude table %s: conversion decreases at %g (%.3f > %.3f)",
					typ, b.From, prev.apply(prev.To), b.apply(b.From))
			}
		}
		t.bands[typ] = sorted
	}
	return t, nil
}

// Convert returns the moment magnitude for a raw magnitude of the given scale.
func (t *MagnitudeTable) Convert(typ models.MagnitudeType, m float64) (float64, error) {
	bs, ok := t.bands[typ]
	if !ok {
		return 0, fmt.Errorf("no conversion for %s magnitudes", typ)
	}
	last := len(bs) - 1
	for i, b := range bs {
		if m >= b.From && (m < b.To || (i == last && m == b.To)) {
			return b.apply(m), nil
		}
	}
	return 0, fmt.Errorf("%s magnitude %g outside conversion range [%g, %g]", typ, m, bs[0].From, bs[last].To)
}

// DefaultBands are the Scordilis (2006) style conversions used by the
// catalog builder. The surface-wave break sits at 6.25, where the two fitted
// lines cross, so the table stays monotonic.
func DefaultBands() map[models.MagnitudeType][]Band {
	return map[models.MagnitudeType][]Band{
		models.MagnitudeMoment: {{From: 0, To: 10, Slope: 1, Intercept: 0}},
		models.MagnitudeLocal:  {{From: 0, To: 10, Slope: 1, Intercept: 0}},
		models.MagnitudeBody: {
			{From: 0, To: 6, Slope: 1, Intercept: 0},
			{From: 6, To: 10, Slope: 0.85, Intercept: 1.03},
		},
		models.MagnitudeSurface: {
			{From: 0, To: 6.25, Slope: 0.67, Intercept: 2.07},
			{From: 6.25, To: 10, Slope: 0.99, Intercept: 0.08},
		},
	}
}

func DefaultMagnitudeTable() *MagnitudeTable {
	t, err := NewMagnitudeTable(DefaultBands())
	if err != nil {
		panic(err)
	}
	return t
}
