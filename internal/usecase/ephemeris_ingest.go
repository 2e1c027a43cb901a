package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"AstroSeis/internal/domain/repository"
	applogger "AstroSeis/pkg/logger"
	"AstroSeis/pkg/util"
)

// EphemerisIngestHandler stores daily body positions published by the
// ephemeris exporter. A message is a JSON array of samples.
type EphemerisIngestHandler struct {
	topic   string
	store   repository.EphemerisStorage
	metrics repository.Metrics
	logger  *applogger.Logger
}

func NewEphemerisIngestHandler(topic string, store repository.EphemerisStorage, metrics repository.Metrics, logger *applogger.Logger) *EphemerisIngestHandler {
	if logger == nil {
		logger = applogger.Nop()
	}
	return &EphemerisIngestHandler{topic: topic, store: store, metrics: metrics, logger: logger}
}

func (h *EphemerisIngestHandler) Topic() string { return h.topic }

// Handle rejects the whole message when any sample is not at 00:00 UTC or
// names no body; a partial day would read as an ephemeris gap later.
func (h *EphemerisIngestHandler) Handle(ctx context.Context, data []byte) error {
	var samples []repository.EphemerisSample
	if err := json.Unmarshal(data, &samples); err != nil {
		h.metrics.RecordError("ephemeris_decode")
		return fmt.Errorf("decode ephemeris samples: %w", err)
	}
	for i, s := range samples {
		if s.Body == "" {
			h.metrics.RecordError("ephemeris_decode")
			return fmt.Errorf("sample %d: body is required", i)
		}
		if !s.At.Equal(util.CivilDate(s.At)) {
			h.metrics.RecordError("ephemeris_decode")
			return fmt.Errorf("sample %d: %s is not a daily 00:00 UTC instant", i, s.At.Format(time.RFC3339))
		}
	}
	if len(samples) == 0 {
		return nil
	}

	start := time.Now()
	if err := h.store.StoreSamples(ctx, samples); err != nil {
		h.metrics.RecordError("ephemeris_store")
		return fmt.Errorf("store %d samples: %w", len(samples), err)
	}
	h.metrics.RecordEvents("ephemeris_samples", len(samples))
	h.metrics.RecordLatency("ephemeris_store", time.Since(start).Seconds())
	h.logger.Debug("ephemeris samples ingested", applogger.Int("samples", len(samples)))
	return nil
}
