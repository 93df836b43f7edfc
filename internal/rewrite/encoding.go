package rewrite

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// ErrUnsupportedEncoding is returned by Decode for codings it cannot undo.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// DecodableEncodings lists the content codings Decode understands, in the
// order they are offered upstream.
var DecodableEncodings = []string{"gzip", "br"}

// Decode undoes the Content-Encoding of a response body so it can be rewritten.
// Empty and "identity" encodings return body unchanged.
func Decode(body []byte, contentEncoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		defer zr.Close()

		decoded, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("reading gzip content: %w", err)
		}
		return decoded, nil
	case "br":
		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("reading brotli content: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, contentEncoding)
	}
}
