package catalog

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"AstroSeis/internal/domain/models"
	applogger "AstroSeis/pkg/logger"
	"AstroSeis/pkg/util"
)

// Floor drops events below MinMw whose year lies in [FromYear, ToYear].
type Floor struct {
	FromYear int
	ToYear   int
	MinMw    float64
}

type Options struct {
	DuplicateTime  time.Duration
	DuplicateKm    float64
	DuplicateMag   float64
	Floors         []Floor
	MagnitudeTable *MagnitudeTable
}

func DefaultOptions() Options {
	return Options{
		DuplicateTime:  30 * time.Second,
		DuplicateKm:    50,
		DuplicateMag:   0.3,
		MagnitudeTable: DefaultMagnitudeTable(),
	}
}

// record is the validated shape of a raw catalog row.
type record struct {
	Time      string   `json:"time" validate:"required"`
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
	Magnitude *float64 `json:"magnitude" validate:"required,gte=0,lte=10"`
}

type Normalizer struct {
	opts     Options
	validate *validator.Validate
	logger   *applogger.Logger
}

func NewNormalizer(opts Options, logger *applogger.Logger) *Normalizer {
	if opts.MagnitudeTable == nil {
		opts.MagnitudeTable = DefaultMagnitudeTable()
	}
	if logger == nil {
		logger = applogger.Nop()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return &Normalizer{opts: opts, validate: v, logger: logger}
}

// Normalize validates, homogenizes, deduplicates and floors a raw batch.
// Malformed records are dropped and counted; they never fail the batch.
func (n *Normalizer) Normalize(raw []models.RawEventRecord) (*models.NormalizedCatalog, error) {
	report := models.NormalizationReport{Raw: len(raw), RejectedByReason: map[string]int{}}

	events := make([]models.SeismicEvent, 0, len(raw))
	for i := range raw {
		ev, err := n.normalizeRecord(&raw[i])
		if err != nil {
			var mre *models.MalformedRecordError
			if !errors.As(err, &mre) {
				return nil, err
			}
			report.Rejected++
			report.RejectedByReason[mre.Field+":"+mre.Reason]++
			n.logger.Debug("catalog record rejected", applogger.Error(err))
			continue
		}
		events = append(events, ev)
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })

	events, report.Duplicates = n.dedupe(events)

	kept := events[:0]
	for _, ev := range events {
		if n.belowFloor(ev) {
			report.BelowCompleteness++
			continue
		}
		kept = append(kept, ev)
	}
	report.Normalized = len(kept)

	if report.Rejected > 0 {
		n.logger.Warn("catalog records rejected",
			applogger.Int("rejected", report.Rejected),
			applogger.Any("reasons", report.RejectedByReason))
	}
	return &models.NormalizedCatalog{Events: kept, Report: report}, nil
}

func (n *Normalizer) normalizeRecord(r *models.RawEventRecord) (models.SeismicEvent, error) {
	rec := record{Time: r.Time, Latitude: r.Latitude, Longitude: r.Longitude, Magnitude: r.Magnitude}
	if err := n.validate.Struct(rec); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			reason := "out of range"
			if verrs[0].Tag() == "required" {
				reason = "missing"
			}
			return models.SeismicEvent{}, &models.MalformedRecordError{RecordID: r.ID, Field: verrs[0].Field(), Reason: reason}
		}
		return models.SeismicEvent{}, fmt.Errorf("validate record: %w", err)
	}

	ts, ok := util.ParseTime(r.Time)
	if !ok {
		return models.SeismicEvent{}, &models.MalformedRecordError{RecordID: r.ID, Field: "time", Reason: "unparseable"}
	}
	typ := models.ParseMagnitudeType(r.MagnitudeType)
	if typ == models.MagnitudeUnknown {
		return models.SeismicEvent{}, &models.MalformedRecordError{RecordID: r.ID, Field: "magnitude_type", Reason: "unknown"}
	}
	mw, err := n.opts.MagnitudeTable.Convert(typ, *r.Magnitude)
	if err != nil {
		return models.SeismicEvent{}, &models.MalformedRecordError{RecordID: r.ID, Field: "magnitude", Reason: "no conversion"}
	}

	ev := models.SeismicEvent{
		ID:            r.ID,
		Timestamp:     ts,
		Latitude:      *r.Latitude,
		Longitude:     *r.Longitude,
		Magnitude:     math.Round(mw*100) / 100,
		RawMagnitude:  *r.Magnitude,
		MagnitudeType: typ,
		LocationLabel: r.LocationLabel,
	}
	if r.DepthKm != nil && !math.IsNaN(*r.DepthKm) {
		ev.DepthKm = *r.DepthKm
		ev.HasDepth = true
	}
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("%s_%.3f_%.3f", ts.Format("20060102T150405.000"), ev.Latitude, ev.Longitude)
	}
	return ev, nil
}

// dedupe collapses near-duplicate groups onto their most trusted record.
// A record joins a group only when it is within tolerance of every member,
// so chains of pairwise matches never merge distinct events. events must be
// sorted by time.
func (n *Normalizer) dedupe(events []models.SeismicEvent) ([]models.SeismicEvent, int) {
	var groups [][]int
	open := 0 // groups[:open] can no longer take members
	for j := range events {
		for open < len(groups) && events[j].Timestamp.Sub(events[groups[open][0]].Timestamp) > n.opts.DuplicateTime {
			open++
		}
		joined := false
		for g := open; g < len(groups) && !joined; g++ {
			if n.matchesAll(events, groups[g], j) {
				groups[g] = append(groups[g], j)
				joined = true
			}
		}
		if !joined {
			groups = append(groups, []int{j})
		}
	}
	if len(groups) == len(events) {
		return events, 0
	}

	keep := make([]bool, len(events))
	for _, g := range groups {
		b := g[0]
		for _, i := range g[1:] {
			if preferred(&events[i], &events[b]) {
				b = i
			}
		}
		keep[b] = true
	}
	out := make([]models.SeismicEvent, 0, len(groups))
	for i := range events {
		if keep[i] {
			out = append(out, events[i])
		}
	}
	return out, len(events) - len(out)
}

func (n *Normalizer) matchesAll(events []models.SeismicEvent, group []int, j int) bool {
	for _, i := range group {
		if events[j].Timestamp.Sub(events[i].Timestamp) > n.opts.DuplicateTime || !n.sameEvent(&events[i], &events[j]) {
			return false
		}
	}
	return true
}

func (n *Normalizer) sameEvent(a, b *models.SeismicEvent) bool {
	if math.Abs(a.Magnitude-b.Magnitude) > n.opts.DuplicateMag {
		return false
	}
	return util.HaversineKm(a.Latitude, a.Longitude, b.Latitude, b.Longitude) <= n.opts.DuplicateKm
}

// preferred reports whether a is a more trustworthy record than b.
func preferred(a, b *models.SeismicEvent) bool {
	if ca, cb := a.MagnitudeType.Confidence(), b.MagnitudeType.Confidence(); ca != cb {
		return ca > cb
	}
	if fa, fb := completeness(a), completeness(b); fa != fb {
		return fa > fb
	}
	if a.RawMagnitude != b.RawMagnitude {
		return a.RawMagnitude > b.RawMagnitude
	}
	return a.ID < b.ID
}

func completeness(e *models.SeismicEvent) int {
	c := 0
	if e.HasDepth {
		c++
	}
	if e.LocationLabel != "" {
		c++
	}
	return c
}

func (n *Normalizer) belowFloor(ev models.SeismicEvent) bool {
	y := ev.Timestamp.Year()
	for _, f := range n.opts.Floors {
		if y >= f.FromYear && y <= f.ToYear && ev.Magnitude < f.MinMw {
			return true
		}
	}
	return false
}
