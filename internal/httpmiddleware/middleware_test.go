package httpmiddleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"attendx/internal/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_BlocksAfterBurst(t *testing.T) {
	rl := NewRateLimiter("test", 2)
	clock := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }

	r := gin.New()
	r.Use(rl.GinMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for i := 0; i < 2; i++ {
		if w := serve(r, http.MethodGet, "/ping", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, w.Code)
		}
	}
	w := serve(r, http.MethodGet, "/ping", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "30" {
		t.Errorf("Retry-After = %q, want 30", w.Header().Get("Retry-After"))
	}
	if !strings.Contains(w.Body.String(), `"success":false`) {
		t.Errorf("body = %s", w.Body.String())
	}

	clock = clock.Add(31 * time.Second)
	if w := serve(r, http.MethodGet, "/ping", nil); w.Code != http.StatusOK {
		t.Errorf("after refill status = %d, want 200", w.Code)
	}
}

func TestRateLimiter_PerClient(t *testing.T) {
	rl := NewRateLimiter("test", 1)
	r := gin.New()
	r.Use(rl.GinMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	a := http.Header{"X-Forwarded-For": {"10.0.0.1"}}
	b := http.Header{"X-Forwarded-For": {"10.0.0.2"}}
	if w := serve(r, http.MethodGet, "/ping", a); w.Code != http.StatusOK {
		t.Fatalf("client a status = %d", w.Code)
	}
	if w := serve(r, http.MethodGet, "/ping", b); w.Code != http.StatusOK {
		t.Errorf("client b status = %d, want 200", w.Code)
	}
	if w := serve(r, http.MethodGet, "/ping", a); w.Code != http.StatusTooManyRequests {
		t.Errorf("client a again status = %d, want 429", w.Code)
	}
	if rl.Clients() != 2 {
		t.Errorf("Clients() = %d, want 2", rl.Clients())
	}
}

func TestRateLimiter_EvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter("test", 5)
	clock := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }

	rl.allow("a")
	rl.allow("b")
	clock = clock.Add(11 * time.Minute)
	rl.allow("c")
	if rl.Clients() != 1 {
		t.Errorf("Clients() = %d, want 1 after sweep", rl.Clients())
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter("off", 0)
	r := gin.New()
	r.Use(rl.GinMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	for i := 0; i < 10; i++ {
		if w := serve(r, http.MethodGet, "/ping", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, w.Code)
		}
	}
}

type routeRecorder struct {
	routes []string
	codes  []int
}

func (r *routeRecorder) RecordHTTP(route, _ string, status int, _ time.Duration) {
	r.routes = append(r.routes, route)
	r.codes = append(r.codes, status)
}
func (r *routeRecorder) RecordAttendance(string, string) {}
func (r *routeRecorder) RecordAICall(string, string, time.Duration) {}
func (r *routeRecorder) RecordAICost(float64) {}
func (r *routeRecorder) RecordCheckinJob(string) {}

func TestMetrics_UsesRoutePattern(t *testing.T) {
	rec := &routeRecorder{}
	r := gin.New()
	r.Use(Metrics(rec))
	r.GET("/v1/students/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	serve(r, http.MethodGet, "/v1/students/42", nil)
	serve(r, http.MethodGet, "/nope", nil)

	if len(rec.routes) != 2 || rec.routes[0] != "/v1/students/:id" || rec.routes[1] != "unmatched" {
		t.Errorf("routes = %v", rec.routes)
	}
	if rec.codes[0] != http.StatusNoContent || rec.codes[1] != http.StatusNotFound {
		t.Errorf("codes = %v", rec.codes)
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	r := gin.New()
	r.Use(RequestLogger(logger.Setup(&buf, false), "/healthz"))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/fail", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	serve(r, http.MethodGet, "/healthz", nil)
	if buf.Len() != 0 {
		t.Errorf("skipped path was logged: %s", buf.String())
	}
	serve(r, http.MethodGet, "/fail", nil)
	out := buf.String()
	for _, want := range []string{`"level":"ERROR"`, `"path":"/fail"`, `"status":502`, `"method":"GET"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log %s missing %s", out, want)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	for _, production := range []bool{false, true} {
		r := gin.New()
		r.Use(SecurityHeaders(production))
		r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
		w := serve(r, http.MethodGet, "/", nil)
		if w.Header().Get("X-Frame-Options") != "DENY" {
			t.Errorf("X-Frame-Options = %q", w.Header().Get("X-Frame-Options"))
		}
		if hsts := w.Header().Get("Strict-Transport-Security") != ""; hsts != production {
			t.Errorf("production=%v HSTS present = %v", production, hsts)
		}
	}
}
