// Package route classifies inbound paths into upstream targets.
package route

import (
	"strings"

	"push-proxy-go/internal/config"
)

// imagesPrefix marks image requests; it is collapsed to "/" upstream.
const imagesPrefix = "/images/"

// Kind identifies which upstream (if any) serves a request.
type Kind int

const (
	KindAPI Kind = iota
	KindSDK
	KindServiceWorker
	KindImage
)

// String returns a bounded label for logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindSDK:
		return "sdk"
	case KindServiceWorker:
		return "service_worker"
	case KindImage:
		return "image"
	default:
		return "api"
	}
}

// Decision is the routing outcome for one path.
// Host and Path are empty for KindServiceWorker, which is answered locally.
type Decision struct {
	Kind Kind
	Host string
	Path string
}

// Table holds the immutable routing configuration.
type Table struct {
	proxyDomain     string
	sdkPathPrefix   string
	localSWPath     string
	localSWFilename string
	swFilename      string

	sdkHost   string
	apiHost   string
	imageHost string
}

// NewTable builds a Table from the loaded configuration.
func NewTable(cfg *config.Config) *Table {
	return &Table{
		proxyDomain:     cfg.Proxy.Domain,
		sdkPathPrefix:   cfg.Proxy.SDKPathPrefix,
		localSWPath:     cfg.Proxy.LocalSWPath,
		localSWFilename: cfg.Proxy.LocalSWFilename,
		swFilename:      cfg.Proxy.SWFilename,
		sdkHost:         cfg.Upstream.SDKHost,
		apiHost:         cfg.Upstream.APIHost,
		imageHost:       cfg.Upstream.ImageHost,
	}
}

// Classify maps a request path to a Decision. The first matching rule wins:
// SDK prefix, local service worker, image, then API as the fallback.
func (t *Table) Classify(path string) Decision {
	switch {
	case strings.HasPrefix(path, t.sdkPathPrefix):
		return Decision{Kind: KindSDK, Host: t.sdkHost, Path: path}
	case strings.HasPrefix(path, t.localSWPath) && strings.HasSuffix(path, t.localSWFilename):
		return Decision{Kind: KindServiceWorker}
	case strings.HasPrefix(path, imagesPrefix) || strings.Contains(path, t.imageHost):
		return Decision{Kind: KindImage, Host: t.imageHost, Path: strings.Replace(path, imagesPrefix, "/", 1)}
	default:
		return Decision{Kind: KindAPI, Host: t.apiHost, Path: path}
	}
}

// ServiceWorkerScript returns the body served for the local service worker.
// It imports the upstream worker through the proxy's SDK prefix.
func (t *Table) ServiceWorkerScript() string {
	return `importScripts("https://` + t.proxyDomain + t.sdkPathPrefix + t.swFilename + `");`
}
