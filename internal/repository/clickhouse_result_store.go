package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"AstroSeis/internal/domain/models"
	domrepo "AstroSeis/internal/domain/repository"
	pkgch "AstroSeis/pkg/clickhouse"
	applogger "AstroSeis/pkg/logger"
)

const resultsTable = "run_results"

// CHResultStore keeps each run result as one JSON document row.
type CHResultStore struct {
	ch *pkgch.Client
	l  *applogger.Logger
}

var _ domrepo.ResultStore = (*CHResultStore)(nil)

func NewCHResultStore(ch *pkgch.Client, l *applogger.Logger) *CHResultStore {
	if l == nil {
		l = applogger.Nop()
	}
	return &CHResultStore{ch: ch, l: l}
}

func (s *CHResultStore) Init(ctx context.Context) error {
	return s.ch.InitSchema(ctx, []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
            run_id String,
            started_at DateTime64(3, 'UTC'),
            finished_at DateTime64(3, 'UTC'),
            window_from Date,
            window_to Date,
            errors UInt16,
            document String CODEC(ZSTD(3))
        ) ENGINE = ReplacingMergeTree(finished_at)
        ORDER BY run_id`, s.ch.Table(resultsTable)),
	})
}

func (s *CHResultStore) Save(ctx context.Context, r *models.RunResult) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (run_id, started_at, finished_at, window_from, window_to, errors, document)
        VALUES (?, ?, ?, ?, ?, ?, ?)`, s.ch.Table(resultsTable))
	if _, err := s.ch.DB().ExecContext(ctx, q, r.RunID, r.StartedAt, r.FinishedAt, r.From, r.To, uint16(len(r.Errors)), string(doc)); err != nil {
		s.l.Error("clickhouse save result error", applogger.String("run_id", r.RunID), applogger.Error(err))
		return fmt.Errorf("save result %s: %w", r.RunID, err)
	}
	return nil
}

func (s *CHResultStore) Get(ctx context.Context, runID string) (*models.RunResult, error) {
	start := time.Now()
	q := fmt.Sprintf(`SELECT document FROM %s FINAL WHERE run_id = ? LIMIT 1`, s.ch.Table(resultsTable))
	var doc string
	err := s.ch.DB().QueryRowContext(ctx, q, runID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", runID, err)
	}
	var r models.RunResult
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", runID, err)
	}
	s.l.Debug("clickhouse get result ok", applogger.String("run_id", runID), applogger.Duration("duration_ms", time.Since(start)))
	return &r, nil
}
