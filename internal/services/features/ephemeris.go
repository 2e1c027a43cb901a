package features

import (
	"time"

	"AstroSeis/internal/domain/models"
	"AstroSeis/internal/domain/repository"
)

type ephemerisKey struct {
	at   int64
	body models.Body
}

// MemoryEphemeris is an immutable in-memory feed built from a bulk fetch.
// Each run owns its own instance.
type MemoryEphemeris struct {
	positions map[ephemerisKey]models.BodyPosition
}

var _ repository.EphemerisFeed = (*MemoryEphemeris)(nil)

func NewMemoryEphemeris(samples []repository.EphemerisSample) *MemoryEphemeris {
	m := &MemoryEphemeris{positions: make(map[ephemerisKey]models.BodyPosition, len(samples))}
	for _, s := range samples {
		m.positions[ephemerisKey{s.At.UTC().Unix(), s.Body}] = s.Position
	}
	return m
}

func (m *MemoryEphemeris) Position(at time.Time, body models.Body) (models.BodyPosition, error) {
	p, ok := m.positions[ephemerisKey{at.UTC().Unix(), body}]
	if !ok {
		return models.BodyPosition{}, &models.EphemerisGapError{At: at.UTC(), Body: body}
	}
	return p, nil
}

func (m *MemoryEphemeris) Len() int { return len(m.positions) }
