package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func serve(s *Server, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestServerRoutesAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	teapot := NewAppError("ERR_TEAPOT", "", "short and stout", http.StatusTeapot)
	s := NewServer(nil, []Handler{
		RoutesFunc(func(e *echo.Echo) {
			e.GET("/ping", func(c echo.Context) error { return SuccessResponse(c, "pong") })
			e.GET("/boom", func(c echo.Context) error { panic("kaboom") })
			e.GET("/teapot", func(c echo.Context) error { return AppErrorResponse(c, teapot) })
		}),
		nil,
	}, WithMetrics("/metrics", reg, reg))

	rec := serve(s, http.MethodGet, "/ping")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":"pong"`)

	rec = serve(s, http.MethodGet, "/boom")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = serve(s, http.MethodGet, "/teapot")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERR_TEAPOT")

	rec = serve(s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `http_requests_total{method="GET",route="/ping",status="200"} 1`)
}

func TestServerCORSPreflight(t *testing.T) {
	s := NewServer(nil, nil, WithMetrics("", nil, nil))
	req := httptest.NewRequest(http.MethodOptions, "/api/runs/r1", nil)
	req.Header.Set(echo.HeaderOrigin, "http://example.com")
	req.Header.Set(echo.HeaderAccessControlRequestMethod, http.MethodDelete)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderAccessControlAllowMethods), http.MethodDelete)

	s = NewServer(nil, nil, WithCORS(false), WithMetrics("", nil, nil))
	assert.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/metrics").Code)
}
