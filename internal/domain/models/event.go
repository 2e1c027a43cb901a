package models

import (
	"strings"
	"time"
)

type MagnitudeType int

const (
	MagnitudeUnknown MagnitudeType = iota
	MagnitudeLocal
	MagnitudeBody
	MagnitudeSurface
	MagnitudeMoment
)

func (t MagnitudeType) String() string {
	switch t {
	case MagnitudeLocal:
		return "local"
	case MagnitudeBody:
		return "body"
	case MagnitudeSurface:
		return "surface"
	case MagnitudeMoment:
		return "moment"
	default:
		return "unknown"
	}
}

func (t MagnitudeType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *MagnitudeType) UnmarshalText(b []byte) error {
	*t = ParseMagnitudeType(string(b))
	return nil
}

// Confidence ranks magnitude scales for duplicate resolution. Moment
// magnitudes are the most trusted.
func (t MagnitudeType) Confidence() int {
	switch t {
	case MagnitudeMoment:
		return 3
	case MagnitudeSurface:
		return 2
	case MagnitudeBody:
		return 1
	default:
		return 0
	}
}

// ParseMagnitudeType maps agency codes (mb, Ms, mww, ML, ...) onto the four
// scale families.
func ParseMagnitudeType(s string) MagnitudeType {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "":
		return MagnitudeUnknown
	case s == "local" || s == "ml" || s == "md" || s == "mlv" || s == "mlg" || s == "mh":
		return MagnitudeLocal
	case s == "body" || s == "mb" || s == "mb_lg" || s == "mblg" || s == "mbr":
		return MagnitudeBody
	case s == "surface" || s == "ms" || s == "ms_20" || s == "msz":
		return MagnitudeSurface
	case s == "moment" || strings.HasPrefix(s, "mw") || s == "mi" || s == "mint":
		return MagnitudeMoment
	default:
		return MagnitudeUnknown
	}
}

// RawEventRecord is one catalog row as delivered by the feed. Pointer fields
// distinguish absent values from zero.
type RawEventRecord struct {
	ID            string   `json:"id,omitempty"`
	Time          string   `json:"time"`
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
	DepthKm       *float64 `json:"depth_km"`
	Magnitude     *float64 `json:"magnitude"`
	MagnitudeType string   `json:"magnitude_type"`
	LocationLabel string   `json:"location_label,omitempty"`
}

// SeismicEvent is a normalized catalog event. Magnitude is always Mw.
type SeismicEvent struct {
	ID            string        `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	Latitude      float64       `json:"latitude"`
	Longitude     float64       `json:"longitude"`
	DepthKm       float64       `json:"depthKm"`
	Magnitude     float64       `json:"magnitude"`
	RawMagnitude  float64       `json:"rawMagnitude"`
	MagnitudeType MagnitudeType `json:"magnitudeType"`
	LocationLabel string        `json:"locationLabel,omitempty"`
	HasDepth      bool          `json:"-"`
}

type NormalizationReport struct {
	Raw               int            `json:"raw"`
	Rejected          int            `json:"rejected"`
	RejectedByReason  map[string]int `json:"rejectedByReason,omitempty"`
	BelowCompleteness int            `json:"belowCompleteness"`
	Duplicates        int            `json:"duplicates"`
	Normalized        int            `json:"normalized"`
}

// NormalizedCatalog is sorted by timestamp ascending and free of near-duplicates.
type NormalizedCatalog struct {
	Events []SeismicEvent      `json:"events"`
	Report NormalizationReport `json:"report"`
}

func (c *NormalizedCatalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Events)
}

// DeclusterFlag relates an event to its independence verdict. MainshockIndex
// is -1 for independent events.
type DeclusterFlag struct {
	EventID        string `json:"eventId"`
	Index          int    `json:"index"`
	Independent    bool   `json:"independent"`
	MainshockID    string `json:"mainshockId,omitempty"`
	MainshockIndex int    `json:"mainshockIndex"`
	ClusterID      string `json:"clusterId"`
}
