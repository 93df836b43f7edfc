// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"push-proxy-go/internal/client"
	"push-proxy-go/internal/metrics"
	"push-proxy-go/internal/model"
	"push-proxy-go/internal/rewrite"
	"push-proxy-go/internal/route"
)

// ErrUnreadableBody is returned when a script response cannot be read or decoded for rewriting.
var ErrUnreadableBody = errors.New("upstream response body unreadable")

// scriptContentType is the Content-Type of every script the proxy produces.
const scriptContentType = "application/javascript"

// sniffLen is how many body bytes are inspected when upstream omits Content-Type.
const sniffLen = 3072

// forwardableRequestHeaders are the only request headers forwarded upstream.
// Accept-Encoding is handled separately.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"Content-Type",
	"Origin",
}

// scriptResponseHeaders are the upstream headers kept on rewritten scripts.
// Length, encoding and validators no longer describe the rewritten body.
var scriptResponseHeaders = []string{
	"Cache-Control",
	"Date",
	"Expires",
	"Last-Modified",
	"Access-Control-Allow-Origin",
}

const userAgent = "push-proxy-go/1.0"

// ProxyService routes requests to the push SDK upstreams and rewrites scripts.
type ProxyService struct {
	client   *client.UpstreamClient
	routes   *route.Table
	rewriter *rewrite.Rewriter
	metrics  *metrics.Metrics
	logger   *slog.Logger
	scheme   string
}

// NewProxyService creates a ProxyService that reaches upstreams over HTTPS.
// The metrics parameter is optional; pass nil to disable response metrics.
func NewProxyService(c *client.UpstreamClient, routes *route.Table, rw *rewrite.Rewriter, m *metrics.Metrics, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client:   c,
		routes:   routes,
		rewriter: rw,
		metrics:  m,
		logger:   logger.With("component", "proxy_service"),
		scheme:   "https",
	}
}

// NewProxyServiceForTest creates a ProxyService that reaches upstreams over plain HTTP.
// This is intended only for tests that use httptest servers on localhost.
func NewProxyServiceForTest(c *client.UpstreamClient, routes *route.Table, rw *rewrite.Rewriter, m *metrics.Metrics, logger *slog.Logger) *ProxyService {
	s := NewProxyService(c, routes, rw, m, logger)
	s.scheme = "http"
	return s
}

// RouteLabel returns the bounded route label for a request path.
func (s *ProxyService) RouteLabel(path string) string {
	return s.routes.Classify(path).Kind.String()
}

// Forward answers a ProxyRequest. The local service worker is synthesized;
// everything else is fetched from the upstream chosen by the routing table.
// Script responses are rewritten, all others are relayed unchanged.
// The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	d := s.routes.Classify(pr.Path)
	label := d.Kind.String()

	if d.Kind == route.KindServiceWorker {
		s.logger.Debug("serving local service worker", "path", pr.Path)
		s.recordResponse(label, metrics.ActionStub)
		return s.serviceWorkerResponse(), nil
	}

	upstreamURL := s.buildUpstreamURL(d, pr.RawQuery)
	header := s.filterRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"route", label,
		"upstream_host", d.Host,
	)

	var body io.Reader
	if pr.Body != nil {
		body = pr.Body
	}

	resp, err := s.client.DoStream(pr.Ctx, label, pr.Method, upstreamURL, header, body, pr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	contentType, err := sniffContentType(resp)
	if err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("forward to upstream: %w: %w", ErrUnreadableBody, err)
	}

	if rewrite.IsJavaScript(contentType) && hasBody(pr.Method, resp.StatusCode) {
		out, err := s.rewriteScript(resp)
		if err != nil {
			return nil, fmt.Errorf("rewrite %s: %w", pr.Path, err)
		}
		s.recordResponse(label, metrics.ActionRewrite)
		return out, nil
	}

	// Images and everything else are relayed as-is.
	if rewrite.IsImage(contentType) {
		s.logger.Debug("relaying image", "path", pr.Path, "content_type", contentType)
	}
	resp.Header = stripHopByHop(resp.Header)
	s.recordResponse(label, metrics.ActionPassthrough)
	return resp, nil
}

func (s *ProxyService) serviceWorkerResponse() *model.ProxyResponse {
	script := s.routes.ServiceWorkerScript()
	header := make(http.Header)
	header.Set("Content-Type", scriptContentType)
	header.Set("Content-Length", strconv.Itoa(len(script)))
	return &model.ProxyResponse{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(script)),
	}
}

// rewriteScript reads, decodes and rewrites a script body. It always closes resp.Body.
func (s *ProxyService) rewriteScript(resp *model.ProxyResponse) (*model.ProxyResponse, error) {
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadableBody, err)
	}
	decoded, err := rewrite.Decode(raw, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadableBody, err)
	}

	script := s.rewriter.Rewrite(string(decoded))

	header := make(http.Header)
	for _, key := range scriptResponseHeaders {
		if vals := resp.Header.Values(key); len(vals) > 0 {
			header[http.CanonicalHeaderKey(key)] = vals
		}
	}
	header.Set("Content-Type", scriptContentType)
	header.Set("Content-Length", strconv.Itoa(len(script)))

	s.logger.Debug("rewrote script",
		"bytes_in", len(decoded),
		"bytes_out", len(script),
		"content_encoding", resp.Header.Get("Content-Encoding"),
	)

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(script)),
	}, nil
}

// buildUpstreamURL joins the upstream host with the routed path and the
// original, still-encoded query string.
func (s *ProxyService) buildUpstreamURL(d route.Decision, rawQuery string) string {
	u := s.scheme + "://" + d.Host + d.Path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	if ae := negotiateEncoding(src.Values("Accept-Encoding")); ae != "" {
		dst.Set("Accept-Encoding", ae)
	}
	dst.Set("User-Agent", userAgent)
	return dst
}

func (s *ProxyService) recordResponse(label, action string) {
	if s.metrics != nil {
		s.metrics.ResponsesTotal.WithLabelValues(label, action).Inc()
	}
}

// negotiateEncoding keeps only the Accept-Encoding entries that rewrite.Decode
// can undo, preserving their q-values.
func negotiateEncoding(values []string) string {
	var kept []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			coding, _, _ := strings.Cut(part, ";")
			coding = strings.TrimSpace(coding)
			for _, enc := range rewrite.DecodableEncodings {
				if strings.EqualFold(coding, enc) {
					kept = append(kept, part)
					break
				}
			}
		}
	}
	return strings.Join(kept, ", ")
}

// sniffContentType returns the declared Content-Type, or one detected from
// the first bytes of the body when upstream sent none. Sniffed bytes are
// replayed so the body stays intact.
func sniffContentType(resp *model.ProxyResponse) (string, error) {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		return ct, nil
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(resp.Body, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("sniff body: %w", err)
	}
	head = head[:n]
	resp.Body = &replayBody{
		Reader: io.MultiReader(bytes.NewReader(head), resp.Body),
		Closer: resp.Body,
	}

	return mimetype.Detect(head).String(), nil
}

// replayBody re-attaches already consumed bytes in front of a body.
type replayBody struct {
	io.Reader
	io.Closer
}

// hasBody reports whether a response to method with status carries a body worth rewriting.
func hasBody(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	return status != http.StatusNoContent && status != http.StatusNotModified
}

// stripHopByHop returns h without hop-by-hop headers, including any named in Connection.
func stripHopByHop(h http.Header) http.Header {
	dst := h.Clone()
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, name := range model.HopByHopHeaders {
		dst.Del(name)
	}
	return dst
}
