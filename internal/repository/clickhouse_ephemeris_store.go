package repository

import (
	"context"
	"fmt"
	"time"

	"AstroSeis/internal/domain/models"
	domrepo "AstroSeis/internal/domain/repository"
	pkgch "AstroSeis/pkg/clickhouse"
	applogger "AstroSeis/pkg/logger"
	"AstroSeis/pkg/util"
)

const ephemerisTable = "ephemeris_daily"

var ephemerisColumns = []string{"day", "body", "geo_lon", "helio_lon", "helio_speed", "retrograde"}

// CHEphemerisStore serves daily 00:00 UTC body positions preloaded into
// ClickHouse from an external ephemeris.
type CHEphemerisStore struct {
	ch *pkgch.Client
	l  *applogger.Logger
}

var _ domrepo.EphemerisSource = (*CHEphemerisStore)(nil)

func NewCHEphemerisStore(ch *pkgch.Client, l *applogger.Logger) *CHEphemerisStore {
	if l == nil {
		l = applogger.Nop()
	}
	return &CHEphemerisStore{ch: ch, l: l}
}

func (s *CHEphemerisStore) Init(ctx context.Context) error {
	return s.ch.InitSchema(ctx, []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
            day Date,
            body LowCardinality(String),
            geo_lon Float64,
            helio_lon Float64,
            helio_speed Float64,
            retrograde UInt8
        ) ENGINE = ReplacingMergeTree
        ORDER BY (body, day)`, s.ch.Table(ephemerisTable)),
	})
}

// StoreSamples loads samples, e.g. from an ephemeris export.
func (s *CHEphemerisStore) StoreSamples(ctx context.Context, samples []domrepo.EphemerisSample) error {
	rows := make([][]any, 0, len(samples))
	for _, smp := range samples {
		retro := uint8(0)
		if smp.Position.Retrograde {
			retro = 1
		}
		rows = append(rows, []any{
			util.CivilDate(smp.At), string(smp.Body),
			smp.Position.GeocentricLongitude, smp.Position.HeliocentricLongitude, smp.Position.HeliocentricSpeed,
			retro,
		})
	}
	if _, err := s.ch.InsertRows(ctx, s.ch.Table(ephemerisTable), ephemerisColumns, rows); err != nil {
		return fmt.Errorf("store ephemeris: %w", err)
	}
	return nil
}

func (s *CHEphemerisStore) FetchDaily(ctx context.Context, from, to time.Time, bodies []models.Body) ([]domrepo.EphemerisSample, error) {
	start := time.Now()
	names := make([]string, len(bodies))
	for i, b := range bodies {
		names[i] = string(b)
	}
	q := fmt.Sprintf(`
        SELECT day, body, geo_lon, helio_lon, helio_speed, retrograde
        FROM %s FINAL
        WHERE day >= ? AND day <= ? AND has(?, body)
        ORDER BY body, day
    `, s.ch.Table(ephemerisTable))
	rows, err := s.ch.DB().QueryContext(ctx, q, util.CivilDate(from), util.CivilDate(to), names)
	if err != nil {
		s.l.Error("clickhouse fetch ephemeris query error", applogger.Strings("bodies", names), applogger.Error(err))
		return nil, fmt.Errorf("fetch ephemeris: %w", err)
	}
	defer rows.Close()

	out := make([]domrepo.EphemerisSample, 0, len(bodies)*(util.DaysBetween(from, to)+1))
	for rows.Next() {
		var (
			smp   domrepo.EphemerisSample
			body  string
			retro uint8
		)
		p := &smp.Position
		if err := rows.Scan(&smp.At, &body, &p.GeocentricLongitude, &p.HeliocentricLongitude, &p.HeliocentricSpeed, &retro); err != nil {
			return nil, fmt.Errorf("scan ephemeris: %w", err)
		}
		smp.At = util.CivilDate(smp.At)
		smp.Body = models.Body(body)
		p.Retrograde = retro == 1
		out = append(out, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	s.l.Info("clickhouse fetch ephemeris ok",
		applogger.Int("rows", len(out)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return out, nil
}
