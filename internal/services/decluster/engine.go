package decluster

import (
	"fmt"
	"sort"
	"time"

	"AstroSeis/internal/domain/models"
	applogger "AstroSeis/pkg/logger"
	"AstroSeis/pkg/util"
)

type Engine struct {
	strategy WindowStrategy
	logger   *applogger.Logger
}

func NewEngine(strategy WindowStrategy, logger *applogger.Logger) (*Engine, error) {
	if strategy == nil {
		strategy = NewGardnerKnopoffTable()
	}
	if err := checkMonotonic(strategy); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = applogger.Nop()
	}
	return &Engine{strategy: strategy, logger: logger}, nil
}

func (e *Engine) Strategy() string { return e.strategy.Name() }

// Decluster flags every event of the catalog. An event is dependent when an
// earlier, strictly larger event has it inside both of its windows; among
// several such events the one nearest in time wins. Flags are returned in
// catalog order.
func (e *Engine) Decluster(catalog *models.NormalizedCatalog) ([]models.DeclusterFlag, error) {
	if catalog == nil {
		return nil, fmt.Errorf("decluster: nil catalog")
	}
	evs := catalog.Events
	order := make([]int, len(evs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return evs[order[a]].Timestamp.Before(evs[order[b]].Timestamp) })

	// longest time window any event casts; bounds the backward scan
	var maxWindow time.Duration
	for _, ev := range evs {
		if _, w := e.strategy.Window(ev.Magnitude); w > maxWindow {
			maxWindow = w
		}
	}

	flags := make([]models.DeclusterFlag, len(evs))
	for pos, j := range order {
		cur := evs[j]
		flags[j] = models.DeclusterFlag{EventID: cur.ID, Index: j, Independent: true, MainshockIndex: -1, ClusterID: cur.ID}

		claim := -1
		for p := pos - 1; p >= 0; p-- {
			i := order[p]
			cand := evs[i]
			dt := cur.Timestamp.Sub(cand.Timestamp)
			if dt > maxWindow {
				break
			}
			if cand.Magnitude <= cur.Magnitude {
				continue
			}
			km, window := e.strategy.Window(cand.Magnitude)
			if dt > window || util.HaversineKm(cand.Latitude, cand.Longitude, cur.Latitude, cur.Longitude) > km {
				continue
			}
			if claim < 0 || nearer(evs, cur.Timestamp, i, claim) {
				claim = i
			}
		}
		if claim >= 0 {
			flags[j].Independent = false
			flags[j].MainshockIndex = claim
			flags[j].MainshockID = evs[claim].ID
			flags[j].ClusterID = flags[claim].ClusterID
		}
	}

	ind, dep, clusters := Summarize(flags)
	e.logger.Debug("catalog declustered",
		applogger.String("strategy", e.strategy.Name()),
		applogger.Int("independent", ind),
		applogger.Int("dependent", dep),
		applogger.Int("clusters", clusters))
	return flags, nil
}

// nearer reports whether candidate a is closer in time to t than b. Equal
// times go to the larger event, then to the lower index.
func nearer(evs []models.SeismicEvent, t time.Time, a, b int) bool {
	da, db := t.Sub(evs[a].Timestamp), t.Sub(evs[b].Timestamp)
	if da != db {
		return da < db
	}
	if evs[a].Magnitude != evs[b].Magnitude {
		return evs[a].Magnitude > evs[b].Magnitude
	}
	return a < b
}

// Independent returns the catalog restricted to independent events, or a
// copy of the full catalog when retainAll is set.
func Independent(catalog *models.NormalizedCatalog, flags []models.DeclusterFlag, retainAll bool) (*models.NormalizedCatalog, error) {
	if len(flags) != len(catalog.Events) {
		return nil, fmt.Errorf("decluster: %d flags for %d events", len(flags), len(catalog.Events))
	}
	out := &models.NormalizedCatalog{Report: catalog.Report}
	for i, ev := range catalog.Events {
		if retainAll || flags[i].Independent {
			out.Events = append(out.Events, ev)
		}
	}
	return out, nil
}

// Summarize counts independent and dependent events and the number of
// clusters that have at least one dependent.
func Summarize(flags []models.DeclusterFlag) (independent, dependent, clusters int) {
	seen := make(map[string]struct{})
	for _, f := range flags {
		if f.Independent {
			independent++
			continue
		}
		dependent++
		seen[f.ClusterID] = struct{}{}
	}
	return independent, dependent, len(seen)
}
