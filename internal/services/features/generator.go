package features

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"AstroSeis/internal/domain/models"
	"AstroSeis/internal/domain/repository"
	applogger "AstroSeis/pkg/logger"
	"AstroSeis/pkg/util"
)

type DatePolicy string

const (
	PolicyUTC              DatePolicy = "utc"
	PolicyLocalByLongitude DatePolicy = "local_by_longitude"
)

// OffsetMode selects how a longitude becomes a clock offset. Nominal is the
// continuous 15 degrees per hour; hourly rounds that to whole hours.
type OffsetMode string

const (
	OffsetNominal OffsetMode = "nominal"
	OffsetHourly  OffsetMode = "hourly"
)

type GapPolicy string

const (
	GapAbort   GapPolicy = "abort"
	GapExclude GapPolicy = "exclude"
)

type Generator struct {
	schema     models.FeatureSchema
	policy     DatePolicy
	offsetMode OffsetMode
	gapPolicy  GapPolicy
	bodies     []models.Body
	logger     *applogger.Logger
}

type Option func(*Generator)

func WithDatePolicy(p DatePolicy) Option    { return func(g *Generator) { g.policy = p } }
func WithOffsetMode(m OffsetMode) Option    { return func(g *Generator) { g.offsetMode = m } }
func WithGapPolicy(p GapPolicy) Option      { return func(g *Generator) { g.gapPolicy = p } }
func WithLogger(l *applogger.Logger) Option { return func(g *Generator) { g.logger = l } }

// WithBodies sets the bodies whose positions enter the power composite.
// Bodies named by the schema are always added.
func WithBodies(bodies []models.Body) Option {
	return func(g *Generator) { g.bodies = slices.Clone(bodies) }
}

// NewGenerator validates the schema and options up front.
func NewGenerator(schema models.FeatureSchema, opts ...Option) (*Generator, error) {
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("feature schema: %w", err)
	}
	g := &Generator{
		schema:     schema,
		policy:     PolicyUTC,
		offsetMode: OffsetNominal,
		gapPolicy:  GapAbort,
		bodies:     slices.Clone(models.DefaultBodies),
	}
	for _, o := range opts {
		o(g)
	}
	switch g.policy {
	case PolicyUTC, PolicyLocalByLongitude:
	default:
		return nil, fmt.Errorf("unknown date policy %q", g.policy)
	}
	switch g.offsetMode {
	case OffsetNominal, OffsetHourly:
	default:
		return nil, fmt.Errorf("unknown offset mode %q", g.offsetMode)
	}
	switch g.gapPolicy {
	case GapAbort, GapExclude:
	default:
		return nil, fmt.Errorf("unknown ephemeris gap policy %q", g.gapPolicy)
	}
	for _, b := range schema.Bodies() {
		if !slices.Contains(g.bodies, b) {
			g.bodies = append(g.bodies, b)
		}
	}
	if g.logger == nil {
		g.logger = applogger.Nop()
	}
	return g, nil
}

func (g *Generator) Schema() models.FeatureSchema { return g.schema }
func (g *Generator) Policy() DatePolicy           { return g.policy }
func (g *Generator) Bodies() []models.Body        { return slices.Clone(g.bodies) }

// AssignDate returns the civil date an event counts toward under the
// configured policy.
func (g *Generator) AssignDate(ev models.SeismicEvent) time.Time {
	ts := ev.Timestamp.UTC()
	if g.policy == PolicyLocalByLongitude {
		ts = ts.Add(LongitudeOffset(ev.Longitude, g.offsetMode))
	}
	return util.CivilDate(ts)
}

// LongitudeOffset converts an east-positive longitude into a clock offset.
func LongitudeOffset(lon float64, mode OffsetMode) time.Duration {
	hours := lon / 15
	if mode == OffsetHourly {
		return time.Duration(math.Round(hours)) * time.Hour
	}
	return time.Duration(hours * float64(time.Hour))
}

// EphemerisWindow is the sample range the feed must cover to generate
// [from, to]: one extra day on each side for the central differences.
func EphemerisWindow(from, to time.Time) (time.Time, time.Time) {
	return util.CivilDate(from).AddDate(0, 0, -1), util.CivilDate(to).AddDate(0, 0, 1)
}

// Generate builds one vector per civil date in [from, to]. A date with
// missing ephemeris data aborts the run or is excluded, per gap policy.
func (g *Generator) Generate(from, to time.Time, feed repository.EphemerisFeed) (*models.FeatureSet, error) {
	dates := util.DateRange(from, to)
	if len(dates) == 0 {
		return nil, fmt.Errorf("empty date range %s..%s", from.Format(time.DateOnly), to.Format(time.DateOnly))
	}

	vectors := make([]models.DailyFeatureVector, 0, len(dates))
	var excluded []models.ExcludedDate
	for _, d := range dates {
		v, err := g.vector(d, feed)
		if err != nil {
			var gap *models.EphemerisGapError
			if errors.As(err, &gap) && g.gapPolicy == GapExclude {
				excluded = append(excluded, models.ExcludedDate{Date: d, Reason: err.Error()})
				continue
			}
			return nil, fmt.Errorf("features for %s: %w", d.Format(time.DateOnly), err)
		}
		vectors = append(vectors, v)
	}
	if len(excluded) > 0 {
		g.logger.Warn("dates excluded for ephemeris gaps", applogger.Int("excluded", len(excluded)))
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no feature vectors: all %d dates excluded", len(dates))
	}
	return models.NewFeatureSet(vectors, excluded), nil
}

func (g *Generator) vector(d time.Time, feed repository.EphemerisFeed) (models.DailyFeatureVector, error) {
	udn := UniversalDayNumber(d)
	v := models.DailyFeatureVector{
		Date:                     d,
		UniversalDayNumber:       udn,
		ReducedDayNumber:         ReducedDayNumber(d),
		UniversalYearNumber:      UniversalYearNumber(d),
		MasterNumberFlags:        masterFlags(udn),
		HeliocentricAcceleration: make(map[models.Body]float64, len(g.bodies)),
		RetrogradeFlags:          make(map[models.Body]bool, len(g.bodies)),
	}

	prev, next := d.AddDate(0, 0, -1), d.AddDate(0, 0, 1)
	states := make(map[models.Body]bodyState, len(g.bodies))
	for _, b := range g.bodies {
		p0, err := feed.Position(prev, b)
		if err != nil {
			return v, err
		}
		p1, err := feed.Position(d, b)
		if err != nil {
			return v, err
		}
		p2, err := feed.Position(next, b)
		if err != nil {
			return v, err
		}
		// central differences over one-day steps
		v.HeliocentricAcceleration[b] = (p2.HeliocentricSpeed - p0.HeliocentricSpeed) / 2
		v.RetrogradeFlags[b] = p1.Retrograde
		states[b] = bodyState{
			longitude:  p1.GeocentricLongitude,
			speed:      util.SignedDelta(p0.GeocentricLongitude, p2.GeocentricLongitude) / 2,
			retrograde: p1.Retrograde,
		}
	}
	v.GlobalPlanetaryPower = GlobalPower(states)
	return v, nil
}
