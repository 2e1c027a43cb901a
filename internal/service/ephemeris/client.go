// Package ephemeris fetches daily body positions from the external
// ephemeris service. Positions are never computed here.
package ephemeris

import (
	"context"
	"fmt"
	"strings"
	"time"

	"AstroSeis/internal/domain/models"
	domrepo "AstroSeis/internal/domain/repository"
	xhttp "AstroSeis/pkg/http"
	applogger "AstroSeis/pkg/logger"
)

// dailyResponse is the service payload for GET /v1/positions/daily.
type dailyResponse struct {
	Samples []domrepo.EphemerisSample `json:"samples"`
}

// HTTPSource is an EphemerisSource backed by the ephemeris service.
type HTTPSource struct {
	baseURL string
	client  *xhttp.Client
	metrics domrepo.Metrics
	l       *applogger.Logger
}

var _ domrepo.EphemerisSource = (*HTTPSource)(nil)

func NewHTTPSource(baseURL string, client *xhttp.Client, metrics domrepo.Metrics, l *applogger.Logger) *HTTPSource {
	if l == nil {
		l = applogger.Nop()
	}
	return &HTTPSource{baseURL: strings.TrimRight(baseURL, "/"), client: client, metrics: metrics, l: l}
}

func (s *HTTPSource) FetchDaily(ctx context.Context, from, to time.Time, bodies []models.Body) ([]domrepo.EphemerisSample, error) {
	start := time.Now()
	names := make([]string, len(bodies))
	for i, b := range bodies {
		names[i] = string(b)
	}
	var resp dailyResponse
	err := s.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method: xhttp.MethodGet,
		URL:    s.baseURL + "/v1/positions/daily",
		QueryParams: map[string][]string{
			"from":   {from.Format(time.DateOnly)},
			"to":     {to.Format(time.DateOnly)},
			"bodies": {strings.Join(names, ",")},
		},
		Headers: map[string]string{"Accept": "application/json"},
	}, &resp)
	s.metrics.RecordLatency("ephemeris_fetch", time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordError("ephemeris_fetch")
		return nil, fmt.Errorf("ephemeris service: %w", err)
	}
	s.l.Info("ephemeris fetched",
		applogger.String("from", from.Format(time.DateOnly)),
		applogger.String("to", to.Format(time.DateOnly)),
		applogger.Int("samples", len(resp.Samples)),
		applogger.Duration("took", time.Since(start)))
	return resp.Samples, nil
}
