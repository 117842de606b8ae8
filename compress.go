package netguard

import (
	"bytes"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Content-coding tokens for block response bodies.
const (
	EncodingGzip   = "gzip"
	EncodingZstd   = "zstd"
	EncodingBrotli = "br"
)

// encodingPreference is the order encodings are chosen in when the client
// accepts more than one.
var encodingPreference = []string{EncodingBrotli, EncodingZstd, EncodingGzip}

// minCompressSize is the smallest body worth compressing.
const minCompressSize = 256

// negotiateEncoding picks a supported content coding from an
// Accept-Encoding header, or "" for identity.
func negotiateEncoding(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}

	accepted := make(map[string]bool)
	for _, part := range strings.Split(acceptEncoding, ",") {
		token := part
		if i := strings.Index(token, ";"); i >= 0 {
			// Reject explicit q=0.
			if strings.Contains(strings.ReplaceAll(token[i:], " ", ""), "q=0,") ||
				strings.TrimSpace(token[i+1:]) == "q=0" {
				continue
			}
			token = token[:i]
		}
		accepted[strings.ToLower(strings.TrimSpace(token))] = true
	}

	for _, enc := range encodingPreference {
		if accepted[enc] {
			return enc
		}
	}
	return ""
}

// encodeBody compresses body with the given content coding. An empty
// encoding, an unknown encoding, or a body below the size threshold
// returns the input unchanged along with the encoding actually applied.
func encodeBody(body []byte, encoding string) ([]byte, string, error) {
	if encoding == "" || len(body) < minCompressSize {
		return body, "", nil
	}

	var buf bytes.Buffer
	switch encoding {
	case EncodingGzip:
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
	case EncodingZstd:
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, "", err
		}
		if _, err := w.Write(body); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
	case EncodingBrotli:
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
	default:
		return body, "", nil
	}

	return buf.Bytes(), encoding, nil
}
