package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/provider-gateway/health"
	"github.com/nulpointcorp/provider-gateway/metrics"
	"github.com/nulpointcorp/provider-gateway/providers"
)

// serveOps runs the status server on an in-memory listener and returns an
// HTTP client wired to it.
func serveOps(t *testing.T, opts Options) *http.Client {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := New(opts)
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		_ = ln.Close()
	})
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func getJSON(t *testing.T, client *http.Client, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := client.Get("http://ops" + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var decoded map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &decoded); err != nil {
			t.Fatalf("decode %q: %v", body, err)
		}
	}
	return resp, decoded
}

func TestHealth_DefaultOK(t *testing.T) {
	client := serveOps(t, Options{})

	resp, body := getJSON(t, client, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status ok", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
	if resp.Header.Get("X-Response-Time") == "" {
		t.Error("missing X-Response-Time header")
	}
}

func TestHealth_DegradedPoolStillAnswers200(t *testing.T) {
	client := serveOps(t, Options{
		Snapshot: func() health.Snapshot {
			return health.Snapshot{
				Status:        "degraded",
				UptimeSeconds: 42,
				Providers: map[string]providers.HealthStatus{
					"p1": providers.HealthUnhealthy,
				},
			}
		},
	})

	resp, body := getJSON(t, client, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 even when degraded", resp.StatusCode)
	}
	if body["status"] != "degraded" {
		t.Errorf("body status = %v, want degraded", body["status"])
	}
	provs, ok := body["providers"].(map[string]any)
	if !ok || provs["p1"] != string(providers.HealthUnhealthy) {
		t.Errorf("body providers = %v, want p1 UNHEALTHY", body["providers"])
	}
}

func TestReadiness_AllChecksPass(t *testing.T) {
	client := serveOps(t, Options{
		Checks: []Check{
			{Name: "store", Probe: func(context.Context) error { return nil }},
			{Name: "redis", Probe: func(context.Context) error { return nil }},
		},
	})

	resp, body := getJSON(t, client, "/readiness")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	checks, _ := body["checks"].(map[string]any)
	if checks["store"] != "ok" || checks["redis"] != "ok" {
		t.Errorf("checks = %v, want all ok", checks)
	}
}

func TestReadiness_FailingCheckFlips503(t *testing.T) {
	client := serveOps(t, Options{
		Checks: []Check{
			{Name: "store", Probe: func(context.Context) error { return nil }},
			{Name: "redis", Probe: func(context.Context) error { return errors.New("connection refused") }},
		},
	})

	resp, body := getJSON(t, client, "/readiness")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if body["status"] != "unavailable" {
		t.Errorf("body status = %v, want unavailable", body["status"])
	}
	checks, _ := body["checks"].(map[string]any)
	if got, _ := checks["redis"].(string); !strings.Contains(got, "connection refused") {
		t.Errorf("redis check = %v, want the probe error", checks["redis"])
	}
}

func TestMetrics_RouteServedWhenConfigured(t *testing.T) {
	reg := metrics.New()
	reg.SetBuildInfo("test")
	client := serveOps(t, Options{Metrics: reg.Handler()})

	resp, err := client.Get("http://ops/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "gateway_build_info") {
		t.Errorf("exposition missing gateway_build_info:\n%s", body)
	}
}

func TestMetrics_RouteAbsentWhenUnset(t *testing.T) {
	client := serveOps(t, Options{})

	resp, err := client.Get("http://ops/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRequestID_ClientValueEchoed(t *testing.T) {
	client := serveOps(t, Options{})

	req, err := http.NewRequest(http.MethodGet, "http://ops/health", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Request-ID", "fixed-id")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "fixed-id" {
		t.Errorf("X-Request-ID = %q, want fixed-id", got)
	}
}

func TestCORS_PreflightAndOrigins(t *testing.T) {
	client := serveOps(t, Options{CORSOrigins: []string{"https://a.example"}})

	req, err := http.NewRequest(http.MethodOptions, "http://ops/health", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://a.example" {
		t.Errorf("allow-origin = %q, want the configured origin", got)
	}
}

func TestRecovery_PanicAnswers500(t *testing.T) {
	client := serveOps(t, Options{
		Snapshot: func() health.Snapshot { panic("boom") },
	})

	resp, body := getJSON(t, client, "/health")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if body["error"] != "internal server error" {
		t.Errorf("body = %v, want the generic error", body)
	}
}

// handleReadiness can also be exercised without a listener.
func TestReadiness_DirectHandler(t *testing.T) {
	s := New(Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Checks: []Check{{Name: "dep", Probe: func(context.Context) error { return nil }}},
	})

	var ctx fasthttp.RequestCtx
	ctx.Init(&fasthttp.Request{}, nil, nil)
	s.handleReadiness(&ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("status = %d, want 200", ctx.Response.StatusCode())
	}
	var body map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status ok", body)
	}
}
