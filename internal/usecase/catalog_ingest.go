package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"AstroSeis/internal/domain/models"
	"AstroSeis/internal/domain/repository"
	applogger "AstroSeis/pkg/logger"
)

// CatalogIngestHandler writes raw catalog records from the ingest topic
// into catalog storage. A message is one record or a JSON array of them.
// Every message is written before its offset is committed; replays are
// collapsed by the storage engine.
type CatalogIngestHandler struct {
	topic   string
	store   repository.CatalogStorage
	metrics repository.Metrics
	logger  *applogger.Logger
}

func NewCatalogIngestHandler(topic string, store repository.CatalogStorage, metrics repository.Metrics, logger *applogger.Logger) *CatalogIngestHandler {
	if logger == nil {
		logger = applogger.Nop()
	}
	return &CatalogIngestHandler{topic: topic, store: store, metrics: metrics, logger: logger}
}

func (h *CatalogIngestHandler) Topic() string { return h.topic }

func (h *CatalogIngestHandler) Handle(ctx context.Context, data []byte) error {
	records, err := decodeRecords(data)
	if err != nil {
		h.metrics.RecordError("ingest_decode")
		return err
	}
	if len(records) == 0 {
		return nil
	}
	start := time.Now()
	if err := h.store.StoreBatch(ctx, records); err != nil {
		h.metrics.RecordError("ingest_store")
		return fmt.Errorf("store %d records: %w", len(records), err)
	}
	h.metrics.RecordEvents("ingested", len(records))
	h.metrics.RecordLatency("ingest_store", time.Since(start).Seconds())
	h.logger.Debug("catalog records ingested", applogger.Int("records", len(records)))
	return nil
}

func decodeRecords(data []byte) ([]models.RawEventRecord, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var records []models.RawEventRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("decode record batch: %w", err)
		}
		return records, nil
	}
	var r models.RawEventRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return []models.RawEventRecord{r}, nil
}
