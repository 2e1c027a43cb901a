package repository

import (
	"context"
	"time"

	"AstroSeis/internal/domain/models"
)

// CatalogSource delivers raw catalog records for a time window.
type CatalogSource interface {
	LoadRaw(ctx context.Context, from, to time.Time) ([]models.RawEventRecord, error)
}

// CatalogStorage persists raw records arriving from the ingest stream.
type CatalogStorage interface {
	CatalogSource
	Init(ctx context.Context) error // ensure tables
	StoreBatch(ctx context.Context, records []models.RawEventRecord) error
	Health(ctx context.Context) error
	Close() error
}

// EphemerisSample is one body position at one instant.
type EphemerisSample struct {
	At       time.Time           `json:"at"`
	Body     models.Body         `json:"body"`
	Position models.BodyPosition `json:"position"`
}

// EphemerisSource bulk-loads daily 00:00 UTC samples for [from, to].
type EphemerisSource interface {
	FetchDaily(ctx context.Context, from, to time.Time, bodies []models.Body) ([]EphemerisSample, error)
}

// EphemerisStorage persists samples arriving from the ephemeris topic.
type EphemerisStorage interface {
	StoreSamples(ctx context.Context, samples []EphemerisSample) error
}

// EphemerisFeed answers point lookups from memory. A missing instant is an
// *models.EphemerisGapError, never an interpolation.
type EphemerisFeed interface {
	Position(at time.Time, body models.Body) (models.BodyPosition, error)
}

// ResultStore keeps one result document per run.
type ResultStore interface {
	Save(ctx context.Context, r *models.RunResult) error
	Get(ctx context.Context, runID string) (*models.RunResult, error)
}

// ResultPublisher announces finished runs to downstream reporting.
type ResultPublisher interface {
	PublishResult(ctx context.Context, r *models.RunResult) error
	Close() error
}

type Metrics interface {
	RecordStage(stage string, seconds float64, failed bool)
	RecordRejected(reason string, n int)
	RecordEvents(kind string, n int)
	RecordPermutations(test string, n int)
	RecordVerdict(test string, verdict string)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}
