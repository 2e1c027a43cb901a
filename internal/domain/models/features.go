package models

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

type Body string

const (
	Sun     Body = "sun"
	Moon    Body = "moon"
	Mercury Body = "mercury"
	Venus   Body = "venus"
	Mars    Body = "mars"
	Jupiter Body = "jupiter"
	Saturn  Body = "saturn"
	Uranus  Body = "uranus"
	Neptune Body = "neptune"
	Pluto   Body = "pluto"
	Rahu    Body = "rahu"
	Ketu    Body = "ketu"
)

// DefaultBodies are the classical grahas tracked unless configured otherwise.
var DefaultBodies = []Body{Sun, Moon, Mercury, Venus, Mars, Jupiter, Saturn, Rahu, Ketu}

func ParseBody(s string) (Body, error) {
	b := Body(strings.ToLower(strings.TrimSpace(s)))
	switch b {
	case Sun, Moon, Mercury, Venus, Mars, Jupiter, Saturn, Uranus, Neptune, Pluto, Rahu, Ketu:
		return b, nil
	}
	return "", fmt.Errorf("unknown body %q", s)
}

// IsNode reports whether b is one of the lunar nodes.
func (b Body) IsNode() bool { return b == Rahu || b == Ketu }

// BodyPosition is what the ephemeris service returns for one body at one
// instant. Longitudes in degrees, speed in degrees per day.
type BodyPosition struct {
	GeocentricLongitude   float64 `json:"geocentric_longitude"`
	HeliocentricLongitude float64 `json:"heliocentric_longitude"`
	HeliocentricSpeed     float64 `json:"heliocentric_speed"`
	Retrograde            bool    `json:"retrograde"`
}

// FeatureKind tags a schema entry.
type FeatureKind int

const (
	FeatureNumeric FeatureKind = iota + 1
	FeatureCategorical
	FeatureFlag
)

func (k FeatureKind) String() string {
	switch k {
	case FeatureNumeric:
		return "numeric"
	case FeatureCategorical:
		return "categorical"
	case FeatureFlag:
		return "flag"
	default:
		return "invalid"
	}
}

// FeatureSpec declares one feature column. Categorical features list every
// admissible level and name the reference level that is left out of the
// design matrix.
type FeatureSpec struct {
	Name      string      `json:"name"`
	Kind      FeatureKind `json:"kind"`
	Levels    []int       `json:"levels,omitempty"`
	Reference int         `json:"reference,omitempty"`
}

// FeatureValue is a tagged variant holding exactly one of the three kinds.
type FeatureValue struct {
	Kind    FeatureKind
	Numeric float64
	Level   int
	Flag    bool
}

func NumericValue(v float64) FeatureValue { return FeatureValue{Kind: FeatureNumeric, Numeric: v} }
func LevelValue(l int) FeatureValue       { return FeatureValue{Kind: FeatureCategorical, Level: l} }
func FlagValue(b bool) FeatureValue       { return FeatureValue{Kind: FeatureFlag, Flag: b} }

type MasterNumberFlags struct {
	M11 bool `json:"m11"`
	M22 bool `json:"m22"`
	M33 bool `json:"m33"`
}

func (f MasterNumberFlags) Any() bool { return f.M11 || f.M22 || f.M33 }

// DailyFeatureVector holds every indicator for one calendar date. Date is
// the civil date at 00:00 UTC.
type DailyFeatureVector struct {
	Date                     time.Time         `json:"date"`
	UniversalDayNumber       int               `json:"universalDayNumber"`
	ReducedDayNumber         int               `json:"reducedDayNumber"`
	UniversalYearNumber      int               `json:"universalYearNumber"`
	MasterNumberFlags        MasterNumberFlags `json:"masterNumberFlags"`
	HeliocentricAcceleration map[Body]float64  `json:"heliocentricAcceleration"`
	GlobalPlanetaryPower     map[Body]float64  `json:"globalPlanetaryPower"`
	RetrogradeFlags          map[Body]bool     `json:"retrogradeFlags"`
}

// Feature names understood by Value.
const (
	FeatureUDN        = "udn"
	FeatureReducedUDN = "reduced_udn"
	FeatureUYN        = "uyn"
	FeatureMaster     = "master"
	FeatureMaster11   = "master11"
	FeatureMaster22   = "master22"
	FeatureMaster33   = "master33"
	prefixAccel       = "accel:"
	prefixPower       = "power:"
	prefixRetro       = "retro:"
	prefixUDNIs       = "udn="
)

func AccelFeature(b Body) string { return prefixAccel + string(b) }
func PowerFeature(b Body) string { return prefixPower + string(b) }
func RetroFeature(b Body) string { return prefixRetro + string(b) }

// UDNIsFeature is the flag of a single UDN level, used when sweeping the
// levels one at a time.
func UDNIsFeature(level int) string { return prefixUDNIs + strconv.Itoa(level) }

func parseUDNIs(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, prefixUDNIs)
	if !ok {
		return 0, false
	}
	l, err := strconv.Atoi(rest)
	if err != nil || !slices.Contains(UDNLevels, l) {
		return 0, false
	}
	return l, true
}

// Value resolves a schema feature name against the vector.
func (v *DailyFeatureVector) Value(name string) (FeatureValue, bool) {
	switch name {
	case FeatureUDN:
		return LevelValue(v.UniversalDayNumber), true
	case FeatureReducedUDN:
		return LevelValue(v.ReducedDayNumber), true
	case FeatureUYN:
		return LevelValue(v.UniversalYearNumber), true
	case FeatureMaster:
		return FlagValue(v.MasterNumberFlags.Any()), true
	case FeatureMaster11:
		return FlagValue(v.MasterNumberFlags.M11), true
	case FeatureMaster22:
		return FlagValue(v.MasterNumberFlags.M22), true
	case FeatureMaster33:
		return FlagValue(v.MasterNumberFlags.M33), true
	}
	if l, ok := parseUDNIs(name); ok {
		return FlagValue(v.UniversalDayNumber == l), true
	}
	switch {
	case strings.HasPrefix(name, prefixAccel):
		x, ok := v.HeliocentricAcceleration[Body(strings.TrimPrefix(name, prefixAccel))]
		return NumericValue(x), ok
	case strings.HasPrefix(name, prefixPower):
		x, ok := v.GlobalPlanetaryPower[Body(strings.TrimPrefix(name, prefixPower))]
		return NumericValue(x), ok
	case strings.HasPrefix(name, prefixRetro):
		x, ok := v.RetrogradeFlags[Body(strings.TrimPrefix(name, prefixRetro))]
		return FlagValue(x), ok
	}
	return FeatureValue{}, false
}

// FeatureSet is the generator output, one vector per date in ascending order.
type FeatureSet struct {
	Vectors  []DailyFeatureVector `json:"vectors"`
	Excluded []ExcludedDate       `json:"excluded,omitempty"`
	index    map[time.Time]int
}

type ExcludedDate struct {
	Date   time.Time `json:"date"`
	Reason string    `json:"reason"`
}

func NewFeatureSet(vectors []DailyFeatureVector, excluded []ExcludedDate) *FeatureSet {
	fs := &FeatureSet{Vectors: vectors, Excluded: excluded, index: make(map[time.Time]int, len(vectors))}
	for i, v := range vectors {
		fs.index[v.Date] = i
	}
	return fs
}

// Lookup returns the vector for a civil date.
func (fs *FeatureSet) Lookup(date time.Time) (*DailyFeatureVector, bool) {
	i, ok := fs.index[date]
	if !ok {
		return nil, false
	}
	return &fs.Vectors[i], true
}

func (fs *FeatureSet) Len() int { return len(fs.Vectors) }

// Levels lists the distinct values a categorical feature takes, ascending.
func (fs *FeatureSet) Levels(name string) []int {
	seen := make(map[int]struct{})
	for i := range fs.Vectors {
		if v, ok := fs.Vectors[i].Value(name); ok && v.Kind == FeatureCategorical {
			seen[v.Level] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	slices.Sort(out)
	return out
}
