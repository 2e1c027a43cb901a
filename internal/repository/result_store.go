package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"AstroSeis/internal/domain/models"
	domrepo "AstroSeis/internal/domain/repository"
	"AstroSeis/internal/service/cache"
	applogger "AstroSeis/pkg/logger"
)

// MemoryResultStore keeps results for the life of the process. Used when
// ClickHouse is disabled and in tests.
type MemoryResultStore struct {
	mu sync.RWMutex
	m  map[string]*models.RunResult
}

var _ domrepo.ResultStore = (*MemoryResultStore)(nil)

func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{m: make(map[string]*models.RunResult)}
}

func (s *MemoryResultStore) Save(_ context.Context, r *models.RunResult) error {
	s.mu.Lock()
	s.m[r.RunID] = r
	s.mu.Unlock()
	return nil
}

func (s *MemoryResultStore) Get(_ context.Context, runID string) (*models.RunResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.m[runID]
	if !ok {
		return nil, models.ErrRunNotFound
	}
	return r, nil
}

// CachedResultStore writes through to the backing store and serves reads
// from the byte cache first. Cache failures are logged, never returned.
type CachedResultStore struct {
	next  domrepo.ResultStore
	cache cache.BytesCache
	ttl   time.Duration
	l     *applogger.Logger
}

var _ domrepo.ResultStore = (*CachedResultStore)(nil)

func NewCachedResultStore(next domrepo.ResultStore, c cache.BytesCache, ttl time.Duration, l *applogger.Logger) *CachedResultStore {
	if l == nil {
		l = applogger.Nop()
	}
	return &CachedResultStore{next: next, cache: c, ttl: ttl, l: l}
}

func resultKey(runID string) string { return "result:" + runID }

func (s *CachedResultStore) Save(ctx context.Context, r *models.RunResult) error {
	if err := s.next.Save(ctx, r); err != nil {
		return err
	}
	s.put(ctx, r)
	return nil
}

func (s *CachedResultStore) Get(ctx context.Context, runID string) (*models.RunResult, error) {
	b, ok, err := s.cache.GetBytes(ctx, resultKey(runID))
	if err != nil {
		s.l.Warn("result cache read failed", applogger.String("run_id", runID), applogger.Error(err))
	}
	if ok {
		var r models.RunResult
		if err := json.Unmarshal(b, &r); err == nil {
			return &r, nil
		}
		s.l.Warn("result cache entry corrupt", applogger.String("run_id", runID))
	}
	r, err := s.next.Get(ctx, runID)
	if err != nil {
		if !errors.Is(err, models.ErrRunNotFound) {
			return nil, fmt.Errorf("result store: %w", err)
		}
		return nil, err
	}
	s.put(ctx, r)
	return r, nil
}

func (s *CachedResultStore) put(ctx context.Context, r *models.RunResult) {
	b, err := json.Marshal(r)
	if err != nil {
		s.l.Warn("result cache encode failed", applogger.String("run_id", r.RunID), applogger.Error(err))
		return
	}
	if err := s.cache.SetBytes(ctx, resultKey(r.RunID), b, s.ttl); err != nil {
		s.l.Warn("result cache write failed", applogger.String("run_id", r.RunID), applogger.Error(err))
	}
}
