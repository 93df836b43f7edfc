// Package rewrite hides upstream hosts and brand identifiers in proxied scripts.
package rewrite

import (
	"regexp"
	"strings"

	"push-proxy-go/internal/config"
)

// Rewriter applies the fixed substitution sequence to JavaScript bodies.
// It is immutable after construction and safe for concurrent use.
type Rewriter struct {
	hostPatterns []*regexp.Regexp
	proxyOrigin  string
	tokens       [][2]string
}

// New builds a Rewriter for the configured upstream hosts and brand tokens.
func New(cfg *config.Config) *Rewriter {
	hosts := []string{cfg.Upstream.SDKHost, cfg.Upstream.APIHost, cfg.Upstream.ImageHost}
	patterns := make([]*regexp.Regexp, 0, len(hosts))
	for _, h := range hosts {
		patterns = append(patterns, regexp.MustCompile(`https?://`+regexp.QuoteMeta(h)))
	}

	return &Rewriter{
		hostPatterns: patterns,
		proxyOrigin:  "https://" + cfg.Proxy.Domain,
		// The SDK token contains the brand, so it must be replaced first.
		tokens: [][2]string{
			{cfg.Rewrite.SDKToken, cfg.Rewrite.SDKReplacement},
			{cfg.Rewrite.Brand, cfg.Rewrite.BrandReplacement},
		},
	}
}

// Rewrite points every absolute URL on the SDK, API and image hosts at the
// proxy origin, then renames the SDK token and the brand name.
func (r *Rewriter) Rewrite(body string) string {
	for _, p := range r.hostPatterns {
		body = p.ReplaceAllLiteralString(body, r.proxyOrigin)
	}
	for _, tok := range r.tokens {
		if tok[0] == "" {
			continue
		}
		body = strings.ReplaceAll(body, tok[0], tok[1])
	}
	return body
}

// IsJavaScript reports whether a Content-Type value denotes a script.
func IsJavaScript(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "javascript")
}

// IsImage reports whether a Content-Type value denotes an image.
func IsImage(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "image")
}
