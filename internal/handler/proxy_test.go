package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"push-proxy-go/internal/client"
	"push-proxy-go/internal/config"
	"push-proxy-go/internal/middleware"
	"push-proxy-go/internal/model"
	"push-proxy-go/internal/rewrite"
	"push-proxy-go/internal/route"
	"push-proxy-go/internal/service"
)

// testConfig points all three upstream hosts at one httptest server.
func testConfig(upstream *httptest.Server) *config.Config {
	host := strings.TrimPrefix(upstream.URL, "http://")
	return &config.Config{
		Proxy: config.ProxyConfig{
			Domain:          "push.example.com",
			SDKPathPrefix:   "/sdks/",
			LocalSWPath:     "/",
			LocalSWFilename: "PushSW.js",
			SWFilename:      "OneSignalSDKWorker.js",
		},
		Upstream: config.UpstreamConfig{
			SDKHost:         host,
			APIHost:         host,
			ImageHost:       host,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
		Rewrite: config.RewriteConfig{
			SDKToken:         "OneSignalSDK",
			SDKReplacement:   "PushSDK",
			Brand:            "OneSignal",
			BrandReplacement: "PushService",
		},
	}
}

func newTestProxyService(cfg *config.Config, logger *slog.Logger) *service.ProxyService {
	c := client.NewUpstreamClient(cfg, logger, nil)
	return service.NewProxyServiceForTest(c, route.NewTable(cfg), rewrite.New(cfg), nil, logger)
}

func newTestProxyHandler(cfg *config.Config) *ProxyHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProxyHandler(newTestProxyService(cfg, logger), logger)
}

func TestProxyHandler_Handle_RewritesScript(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sdks/OneSignalSDK.page.js" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/sdks/OneSignalSDK.page.js")
		}
		w.Header().Set("Content-Type", "text/javascript")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_, _ = w.Write([]byte(`fetch("https://` + r.Host + `/api/v1/apps")`))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(testConfig(upstream))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/sdks/OneSignalSDK.page.js?v=151", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != `fetch("https://push.example.com/api/v1/apps")` {
		t.Errorf("body = %q, want rewritten script", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/javascript" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/javascript")
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "public, max-age=3600" {
		t.Errorf("Cache-Control = %q, want upstream value", cc)
	}
	if label := c.Get(model.RouteContextKey); label != "sdk" {
		t.Errorf("route label = %v, want %q", label, "sdk")
	}
}

func TestProxyHandler_Handle_ServiceWorker(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected upstream request: %s", r.URL)
	}))
	defer upstream.Close()

	h := newTestProxyHandler(testConfig(upstream))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/PushSW.js", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	want := `importScripts("https://push.example.com/sdks/OneSignalSDKWorker.js");`
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if label := c.Get(model.RouteContextKey); label != "service_worker" {
		t.Errorf("route label = %v, want %q", label, "service_worker")
	}
}

func TestProxyHandler_Handle_ImagePassthrough(t *testing.T) {
	gif := []byte("GIF89a\x01\x00\x01\x00OneSignal")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/icon.png" || r.URL.RawQuery != "size=32" {
			t.Errorf("upstream URL = %q, want %q", r.URL.RequestURI(), "/icon.png?size=32")
		}
		w.Header().Set("Content-Type", "image/gif")
		_, _ = w.Write(gif)
	}))
	defer upstream.Close()

	h := newTestProxyHandler(testConfig(upstream))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/images/icon.png?size=32", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if got := rec.Body.String(); got != string(gif) {
		t.Errorf("body = %q, want %q", got, gif)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/gif" {
		t.Errorf("Content-Type = %q, want %q", ct, "image/gif")
	}
}

func TestProxyHandler_Handle_UpstreamStatusRelayed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":["invalid app_id"]}`))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(testConfig(upstream))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/bad/web", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if got := rec.Body.String(); got != `{"errors":["invalid app_id"]}` {
		t.Errorf("body = %q, want upstream body", got)
	}
}

func TestProxyHandler_Handle_POST(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"received":"` + string(body) + `"}`))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(testConfig(upstream))

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/players", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["received"] != "hello" {
		t.Errorf("body.received = %q, want %q", body["received"], "hello")
	}
}

func TestProxyHandler_Handle_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	cfg := testConfig(upstream)
	cfg.Upstream.TimeoutSeconds = 30
	h := newTestProxyHandler(cfg)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/apps", http.NoBody)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "client disconnected" {
		t.Errorf("error = %q, want %q", body["error"], "client disconnected")
	}
}

func TestProxyHandler_mapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "deadline",
			err:        fmt.Errorf("forward to upstream: %w", context.DeadlineExceeded),
			wantStatus: http.StatusGatewayTimeout,
			wantError:  "upstream request timed out",
		},
		{
			name:       "canceled",
			err:        fmt.Errorf("forward to upstream: %w", context.Canceled),
			wantStatus: http.StatusBadGateway,
			wantError:  "client disconnected",
		},
		{
			name:       "dns",
			err:        fmt.Errorf("forward to upstream: %w", &net.DNSError{Err: "no such host", Name: "cdn.onesignal.com"}),
			wantStatus: http.StatusBadGateway,
			wantError:  "upstream host unreachable",
		},
		{
			name: "url",
			err: fmt.Errorf("forward to upstream: %w", &url.Error{
				Op: "Get", URL: "https://onesignal.com/api", Err: errors.New("connection refused"),
			}),
			wantStatus: http.StatusBadGateway,
			wantError:  "upstream connection failed",
		},
		{
			name:       "unreadable body",
			err:        fmt.Errorf("rewrite /sdks/a.js: %w: %w", service.ErrUnreadableBody, rewrite.ErrUnsupportedEncoding),
			wantStatus: http.StatusBadGateway,
			wantError:  "upstream response unreadable",
		},
		{
			name:       "other",
			err:        errors.New("boom"),
			wantStatus: http.StatusBadGateway,
			wantError:  "upstream request failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			h := &ProxyHandler{logger: logger}

			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/sdks/a.js", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.mapError(c, tt.err); err != nil {
				t.Fatalf("mapError() returned error: %v", err)
			}

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["error"] != tt.wantError {
				t.Errorf("error = %q, want %q", body["error"], tt.wantError)
			}
		})
	}
}

func TestProxyHandler_Handle_ProxyHeadersNotDuplicated(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Upstream", "img")
		_, _ = w.Write([]byte("\x89PNG"))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(testConfig(upstream))

	e := echo.New()
	e.Use(middleware.SecurityHeaders())
	e.GET("/*", h.Handle)

	req := httptest.NewRequest(http.MethodGet, "/images/icon.png", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	got := rec.Result().Header
	tests := []struct {
		key  string
		want []string
	}{
		{"X-Frame-Options", []string{"DENY"}},
		{"X-Content-Type-Options", []string{"nosniff"}},
		{"X-Upstream", []string{"img"}},
	}
	for _, tt := range tests {
		vals := got.Values(tt.key)
		if len(vals) != len(tt.want) || vals[0] != tt.want[0] {
			t.Errorf("%s = %q, want %q", tt.key, vals, tt.want)
		}
	}
}
