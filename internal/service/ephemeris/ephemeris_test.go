package ephemeris

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AstroSeis/internal/domain/models"
	"AstroSeis/internal/service/cache"
	"AstroSeis/internal/testutil"
	xhttp "AstroSeis/pkg/http"
	"AstroSeis/pkg/metrics"
)

func TestHTTPSourceThroughCache(t *testing.T) {
	from := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 4)
	bodies := []models.Body{models.Mars, models.Jupiter}

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v1/positions/daily", r.URL.Path)
		assert.Equal(t, "2021-01-01", r.URL.Query().Get("from"))
		assert.Equal(t, "mars,jupiter", r.URL.Query().Get("bodies"))
		_ = json.NewEncoder(w).Encode(map[string]any{"samples": testutil.EphemerisSamples(from, to, bodies)})
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL+"/", xhttp.NewClient(xhttp.WithTimeout(time.Second)), metrics.Nop{}, nil)
	cached := NewCachedSource(src, cache.NewTTLCache(8), time.Hour, nil)

	got, err := cached.FetchDaily(context.Background(), from, to, bodies)
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, testutil.Position(from, models.Mars), got[0].Position)

	// same window, bodies in another order
	again, err := cached.FetchDaily(context.Background(), from, to, []models.Body{models.Jupiter, models.Mars})
	require.NoError(t, err)
	assert.Equal(t, got, again)
	assert.EqualValues(t, 1, calls.Load())
}

func TestHTTPSourceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, xhttp.NewClient(xhttp.WithRetries(1, time.Millisecond)), metrics.Nop{}, nil)
	_, err := src.FetchDaily(context.Background(), time.Now(), time.Now(), []models.Body{models.Sun})
	var se *xhttp.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
}
