package features

import (
	"math"
	"sort"

	"AstroSeis/internal/domain/models"
	"AstroSeis/pkg/util"
)

// exaltation points in degrees of geocentric longitude
var exaltation = map[models.Body]float64{
	models.Sun:     10,
	models.Moon:    33,
	models.Mars:    298,
	models.Mercury: 165,
	models.Jupiter: 95,
	models.Venus:   357,
	models.Saturn:  200,
}

// own signs as 0-based zodiac indices
var ownSigns = map[models.Body][]int{
	models.Sun:     {4},
	models.Moon:    {3},
	models.Mars:    {0, 7},
	models.Mercury: {2, 5},
	models.Jupiter: {8, 11},
	models.Venus:   {1, 6},
	models.Saturn:  {9, 10},
}

const (
	neutralPower     = 50.0
	ownSignBonus     = 10.0
	retrogradeFactor = 1.3
	stationaryFactor = 1.1
	stationarySpeed  = 0.1 // deg/day
	warOrb           = 1.0 // degrees
	warFactor        = 0.8
)

// bodyState is what the power composite needs for one body on one day.
type bodyState struct {
	longitude  float64 // geocentric
	speed      float64 // geocentric, deg/day
	retrograde bool
}

// sthana scores position: 100 at the exaltation point falling linearly to 0
// at debilitation, plus a bonus in an own sign. Bodies without classical
// dignities sit at the neutral score.
func sthana(b models.Body, lon float64) float64 {
	ex, ok := exaltation[b]
	if !ok {
		return neutralPower
	}
	score := 100 * (180 - util.AngularDistance(lon, ex)) / 180
	sign := int(util.NormalizeDegrees(lon) / 30)
	for _, s := range ownSigns[b] {
		if s == sign {
			score += ownSignBonus
			break
		}
	}
	return clamp(score)
}

// chesta applies motional strength. Luminaries and nodes have none.
func chesta(b models.Body, st bodyState, score float64) float64 {
	if b == models.Sun || b == models.Moon || b.IsNode() {
		return score
	}
	switch {
	case st.retrograde:
		return math.Min(100, score*retrogradeFactor)
	case math.Abs(st.speed) < stationarySpeed:
		return math.Min(100, score*stationaryFactor)
	}
	return score
}

// GlobalPower computes the 0-100 location-independent strength of every
// body in states: Sthana, then Chesta, then Yuddha between every pair
// closer than one degree.
func GlobalPower(states map[models.Body]bodyState) map[models.Body]float64 {
	scores := make(map[models.Body]float64, len(states))
	bodies := make([]models.Body, 0, len(states))
	for b, st := range states {
		bodies = append(bodies, b)
		if b.IsNode() {
			scores[b] = neutralPower
			continue
		}
		scores[b] = chesta(b, st, sthana(b, st.longitude))
	}
	sort.Slice(bodies, func(i, j int) bool { return bodies[i] < bodies[j] })

	for i := range bodies {
		for j := i + 1; j < len(bodies); j++ {
			a, c := bodies[i], bodies[j]
			if util.AngularDistance(states[a].longitude, states[c].longitude) < warOrb {
				scores[a] *= warFactor
				scores[c] *= warFactor
			}
		}
	}
	for b, s := range scores {
		scores[b] = clamp(s)
	}
	return scores
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
