package ephemeris

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"AstroSeis/internal/domain/models"
	domrepo "AstroSeis/internal/domain/repository"
	"AstroSeis/internal/service/cache"
	applogger "AstroSeis/pkg/logger"
)

// CachedSource memoizes whole range fetches. The key covers the window
// and the sorted body list, so a cached range is only reused verbatim.
type CachedSource struct {
	next  domrepo.EphemerisSource
	cache cache.BytesCache
	ttl   time.Duration
	l     *applogger.Logger
}

var _ domrepo.EphemerisSource = (*CachedSource)(nil)

func NewCachedSource(next domrepo.EphemerisSource, c cache.BytesCache, ttl time.Duration, l *applogger.Logger) *CachedSource {
	if l == nil {
		l = applogger.Nop()
	}
	return &CachedSource{next: next, cache: c, ttl: ttl, l: l}
}

func cacheKey(from, to time.Time, bodies []models.Body) string {
	names := make([]string, len(bodies))
	for i, b := range bodies {
		names[i] = string(b)
	}
	slices.Sort(names)
	return "ephemeris:" + from.Format(time.DateOnly) + ":" + to.Format(time.DateOnly) + ":" + strings.Join(names, ",")
}

func (s *CachedSource) FetchDaily(ctx context.Context, from, to time.Time, bodies []models.Body) ([]domrepo.EphemerisSample, error) {
	key := cacheKey(from, to, bodies)
	if b, ok, err := s.cache.GetBytes(ctx, key); err != nil {
		s.l.Warn("ephemeris cache read failed", applogger.Error(err))
	} else if ok {
		var out []domrepo.EphemerisSample
		if err := json.Unmarshal(b, &out); err == nil {
			s.l.Debug("ephemeris cache hit", applogger.String("key", key), applogger.Int("samples", len(out)))
			return out, nil
		}
	}

	out, err := s.next.FetchDaily(ctx, from, to, bodies)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(out); err == nil {
		if err := s.cache.SetBytes(ctx, key, b, s.ttl); err != nil {
			s.l.Warn("ephemeris cache write failed", applogger.Error(err))
		}
	}
	return out, nil
}
