package decluster

import (
	"math/rand/v2"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AstroSeis/internal/domain/models"
)

var t0 = time.Date(2011, 3, 1, 0, 0, 0, 0, time.UTC)

func ev(id string, at time.Time, lat, lon, mag float64) models.SeismicEvent {
	return models.SeismicEvent{ID: id, Timestamp: at, Latitude: lat, Longitude: lon, Magnitude: mag, MagnitudeType: models.MagnitudeMoment}
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(NewGardnerKnopoffTable(), nil)
	require.NoError(t, err)
	return e
}

// syntheticSequence builds one M4 mainshock, 50 aftershocks inside its
// Gardner-Knopoff windows (30 km, 42 days) and 949 isolated background
// events, 1000 events in all.
func syntheticSequence() *models.NormalizedCatalog {
	var evs []models.SeismicEvent
	evs = append(evs, ev("main", t0, 35.0, 139.0, 4.0))
	for i := 0; i < 50; i++ {
		at := t0.Add(time.Duration(i+1) * 19 * time.Hour) // last one at ~39.6 days
		lat := 35.0 + float64(i%5)*0.04                   // at most ~18 km north
		evs = append(evs, ev("after-"+strconv.Itoa(i), at, lat, 139.0+float64(i%3)*0.05, 3.0))
	}
	// background: one event per 3 days on a line of far-apart points in
	// the southern hemisphere, never near the mainshock
	for i := 0; i < 949; i++ {
		at := t0.Add(-400 * 24 * time.Hour).Add(time.Duration(i) * 3 * 24 * time.Hour)
		lat := -60.0 + float64(i%100)*1.0
		lon := -170.0 + float64(i/100)*30.0
		evs = append(evs, ev("bg-"+strconv.Itoa(i), at, lat, lon, 3.0))
	}
	cat := &models.NormalizedCatalog{Events: evs}
	sortByTime(cat)
	return cat
}

func sortByTime(c *models.NormalizedCatalog) {
	sort.SliceStable(c.Events, func(i, j int) bool { return c.Events[i].Timestamp.Before(c.Events[j].Timestamp) })
}

func TestDeclusterSyntheticMainshockSequence(t *testing.T) {
	cat := syntheticSequence()
	require.Len(t, cat.Events, 1000)

	flags, err := newEngine(t).Decluster(cat)
	require.NoError(t, err)

	dependent := 0
	for i, f := range flags {
		id := cat.Events[i].ID
		switch {
		case id == "main":
			assert.True(t, f.Independent)
		case len(id) > 6 && id[:6] == "after-":
			assert.False(t, f.Independent, id)
			assert.Equal(t, "main", f.MainshockID, id)
			assert.Equal(t, "main", f.ClusterID, id)
			dependent++
		default:
			assert.True(t, f.Independent, id)
		}
	}
	assert.Equal(t, 50, dependent)

	ind, dep, clusters := Summarize(flags)
	assert.Equal(t, 950, ind)
	assert.Equal(t, 50, dep)
	assert.Equal(t, 1, clusters)
}

func TestDeclusterIsIdempotent(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	var evs []models.SeismicEvent
	at := t0
	for i := 0; i < 600; i++ {
		at = at.Add(time.Duration(rng.IntN(36*3600)) * time.Second)
		mag := 2.5 + rng.ExpFloat64()*0.6
		if mag > 8.5 {
			mag = 8.5
		}
		evs = append(evs, ev("e"+strconv.Itoa(i), at, 30+rng.Float64()*2, 140+rng.Float64()*2, mag))
	}
	cat := &models.NormalizedCatalog{Events: evs}

	for _, s := range []WindowStrategy{NewGardnerKnopoffTable(), GardnerKnopoffFormula{}, NewReasenbergWindows()} {
		t.Run(s.Name(), func(t *testing.T) {
			e, err := NewEngine(s, nil)
			require.NoError(t, err)

			flags, err := e.Decluster(cat)
			require.NoError(t, err)
			first, err := Independent(cat, flags, false)
			require.NoError(t, err)

			again, err := e.Decluster(first)
			require.NoError(t, err)
			second, err := Independent(first, again, false)
			require.NoError(t, err)

			assert.Equal(t, first.Len(), second.Len())
			for _, f := range again {
				assert.True(t, f.Independent)
			}
		})
	}
}

func TestDeclusterTieBreakNearestInTime(t *testing.T) {
	cat := &models.NormalizedCatalog{Events: []models.SeismicEvent{
		ev("big", t0, 10, 10, 5.0),
		ev("mid", t0.Add(5*24*time.Hour), 10.05, 10, 4.5),
		ev("small", t0.Add(6*24*time.Hour), 10.02, 10.02, 3.0),
	}}
	flags, err := newEngine(t).Decluster(cat)
	require.NoError(t, err)

	assert.True(t, flags[0].Independent)
	assert.Equal(t, "big", flags[1].MainshockID)
	assert.Equal(t, "mid", flags[2].MainshockID, "nearest-in-time claimant wins")
	assert.Equal(t, "big", flags[2].ClusterID)
}

func TestDeclusterLargerEventStartsOwnWindow(t *testing.T) {
	cat := &models.NormalizedCatalog{Events: []models.SeismicEvent{
		ev("fore", t0, 10, 10, 3.5),
		ev("main", t0.Add(24*time.Hour), 10, 10, 6.0),
		ev("equal", t0.Add(48*time.Hour), 10, 10, 6.0),
	}}
	flags, err := newEngine(t).Decluster(cat)
	require.NoError(t, err)
	assert.True(t, flags[0].Independent)
	assert.True(t, flags[1].Independent)
	assert.True(t, flags[2].Independent, "equal magnitude is not smaller")
}

func TestDeclusterOutsideDistanceWindow(t *testing.T) {
	cat := &models.NormalizedCatalog{Events: []models.SeismicEvent{
		ev("main", t0, 0, 0, 4.0),
		ev("far", t0.Add(time.Hour), 0.5, 0, 3.0), // ~55 km > 30 km
		ev("late", t0.Add(43*24*time.Hour), 0, 0, 3.0),
	}}
	flags, err := newEngine(t).Decluster(cat)
	require.NoError(t, err)
	for _, f := range flags {
		assert.True(t, f.Independent, f.EventID)
	}
}

func TestIndependentRetainAll(t *testing.T) {
	cat := syntheticSequence()
	flags, err := newEngine(t).Decluster(cat)
	require.NoError(t, err)

	full, err := Independent(cat, flags, true)
	require.NoError(t, err)
	assert.Equal(t, 1000, full.Len())

	_, err = Independent(cat, flags[:10], false)
	assert.Error(t, err)
}

func TestStrategiesAreMonotonic(t *testing.T) {
	for _, name := range []string{"gk_table", "gk_formula", "reasenberg"} {
		s, err := StrategyByName(name)
		require.NoError(t, err)
		assert.NoError(t, checkMonotonic(s), name)
	}
	_, err := StrategyByName("nope")
	assert.Error(t, err)
}

// dipStrategy shrinks its time window inside a 0.001-wide band.
type dipStrategy struct{}

func (dipStrategy) Name() string { return "dip" }

func (dipStrategy) Window(m float64) (float64, time.Duration) {
	if m >= 6.4005 && m < 6.4015 {
		return 10, time.Hour
	}
	return 10, 2 * time.Hour
}

func TestGardnerKnopoffFormulaBranchPoint(t *testing.T) {
	g := GardnerKnopoffFormula{}
	_, below := g.Window(6.49)
	_, at := g.Window(6.50)
	_, above := g.Window(6.51)
	assert.LessOrEqual(t, below, at)
	assert.LessOrEqual(t, at, above)
	assert.InDelta(t, 930.8, at.Hours()/24, 0.5)

	_, err := NewEngine(dipStrategy{}, nil)
	assert.ErrorContains(t, err, "window shrinks at M6.401")
}

func TestDeclusterScanCoversLongestWindow(t *testing.T) {
	e, err := NewEngine(GardnerKnopoffFormula{}, nil)
	require.NoError(t, err)

	// M6.49 casts ~919 days; the later M6.5 is far away and must not cut
	// the backward scan short for the M4 at day 900.
	cat := &models.NormalizedCatalog{Events: []models.SeismicEvent{
		ev("a", t0, 0, 0, 6.49),
		ev("b", t0.Add(10*24*time.Hour), 40, 0, 6.5),
		ev("c", t0.Add(900*24*time.Hour), 0, 0, 4.0),
	}}
	flags, err := e.Decluster(cat)
	require.NoError(t, err)

	assert.True(t, flags[0].Independent)
	assert.True(t, flags[1].Independent)
	assert.False(t, flags[2].Independent)
	assert.Equal(t, "a", flags[2].MainshockID)
}

func TestGardnerKnopoffTableLookup(t *testing.T) {
	g := NewGardnerKnopoffTable()
	km, d := g.Window(4.2)
	assert.Equal(t, 30.0, km)
	assert.Equal(t, 42*24*time.Hour, d)

	km, _ = g.Window(1.0)
	assert.Equal(t, 19.5, km)

	km, d = g.Window(9.0)
	assert.Equal(t, 94.0, km)
	assert.Equal(t, 985*24*time.Hour, d)
}
