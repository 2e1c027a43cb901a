package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"AstroSeis/internal/domain/models"
	domrepo "AstroSeis/internal/domain/repository"
	pkgch "AstroSeis/pkg/clickhouse"
	applogger "AstroSeis/pkg/logger"
	"AstroSeis/pkg/util"
)

const rawEventsTable = "raw_events"

var rawEventColumns = []string{
	"id", "time", "ts", "time_valid", "latitude", "longitude", "depth_km",
	"magnitude", "magnitude_type", "location_label", "ingested_at",
}

// CHCatalogStore keeps raw catalog rows exactly as delivered. The parsed
// timestamp is stored next to the raw string so window loads can use the
// sort key; rows whose time does not parse are returned by every load and
// rejected downstream.
type CHCatalogStore struct {
	ch *pkgch.Client
	l  *applogger.Logger
}

var _ domrepo.CatalogStorage = (*CHCatalogStore)(nil)

func NewCHCatalogStore(ch *pkgch.Client, l *applogger.Logger) *CHCatalogStore {
	if l == nil {
		l = applogger.Nop()
	}
	return &CHCatalogStore{ch: ch, l: l}
}

func (s *CHCatalogStore) Init(ctx context.Context) error {
	return s.ch.InitSchema(ctx, []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", s.ch.Database()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
            id String,
            time String,
            ts DateTime64(3, 'UTC'),
            time_valid UInt8,
            latitude Nullable(Float64),
            longitude Nullable(Float64),
            depth_km Nullable(Float64),
            magnitude Nullable(Float64),
            magnitude_type LowCardinality(String),
            location_label String,
            ingested_at DateTime('UTC')
        ) ENGINE = ReplacingMergeTree(ingested_at)
        ORDER BY (ts, id)`, s.ch.Table(rawEventsTable)),
	})
}

func (s *CHCatalogStore) StoreBatch(ctx context.Context, records []models.RawEventRecord) error {
	if len(records) == 0 {
		return nil
	}
	start := time.Now()
	now := start.UTC()
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, rawEventRow(r, now))
	}
	n, err := s.ch.InsertRows(ctx, s.ch.Table(rawEventsTable), rawEventColumns, rows)
	if err != nil {
		s.l.Error("clickhouse store raw events error", applogger.Int("written", n), applogger.Error(err))
		return fmt.Errorf("store raw events: %w", err)
	}
	s.l.Debug("clickhouse store raw events ok", applogger.Int("rows", n), applogger.Duration("duration_ms", time.Since(start)))
	return nil
}

func rawEventRow(r models.RawEventRecord, now time.Time) []any {
	ts, ok := util.ParseTime(r.Time)
	valid := uint8(0)
	if ok {
		valid = 1
	} else {
		ts = time.Unix(0, 0).UTC()
	}
	return []any{
		r.ID, r.Time, ts, valid,
		r.Latitude, r.Longitude, r.DepthKm, r.Magnitude,
		r.MagnitudeType, r.LocationLabel, now,
	}
}

// LoadRaw returns rows whose timestamp falls on a civil date in [from, to].
func (s *CHCatalogStore) LoadRaw(ctx context.Context, from, to time.Time) ([]models.RawEventRecord, error) {
	start := time.Now()
	lo := util.CivilDate(from)
	hi := util.CivilDate(to).AddDate(0, 0, 1)
	q := fmt.Sprintf(`
        SELECT id, time, latitude, longitude, depth_km, magnitude, magnitude_type, location_label
        FROM %s FINAL
        WHERE (ts >= ? AND ts < ?) OR time_valid = 0
        ORDER BY ts ASC, id ASC
    `, s.ch.Table(rawEventsTable))
	rows, err := s.ch.DB().QueryContext(ctx, q, lo, hi)
	if err != nil {
		s.l.Error("clickhouse load raw events query error",
			applogger.String("from", lo.Format(time.DateOnly)),
			applogger.String("to", to.Format(time.DateOnly)),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("load raw events: %w", err)
	}
	defer rows.Close()

	out := make([]models.RawEventRecord, 0, 1024)
	for rows.Next() {
		var r models.RawEventRecord
		var lat, lon, depth, mag sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.Time, &lat, &lon, &depth, &mag, &r.MagnitudeType, &r.LocationLabel); err != nil {
			s.l.Error("clickhouse load raw events scan error", applogger.Error(err))
			return nil, fmt.Errorf("scan raw event: %w", err)
		}
		r.Latitude = nullable(lat)
		r.Longitude = nullable(lon)
		r.DepthKm = nullable(depth)
		r.Magnitude = nullable(mag)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	s.l.Info("clickhouse load raw events ok",
		applogger.Int("rows", len(out)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return out, nil
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func (s *CHCatalogStore) Health(ctx context.Context) error { return s.ch.Health(ctx) }

// Close is a no-op; the client is shared and closed by its owner.
func (s *CHCatalogStore) Close() error { return nil }
