package transform

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"dito/config"
)

// compressiblePrefixes lists spec §4.G's compressible types, each
// matched as a prefix of the base Content-Type; anything else is left
// uncompressed even if the client would accept it.
var compressiblePrefixes = []string{
	"text/",
	"application/json",
	"application/javascript",
	"application/xml",
	"image/svg+xml",
}

func isCompressible(contentType string) bool {
	base := contentType
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSpace(base)
	for _, prefix := range compressiblePrefixes {
		if strings.HasPrefix(base, prefix) {
			return true
		}
	}
	return false
}

// Encoding names the chosen Content-Encoding, or "" for none.
type Encoding string

const (
	EncodingNone   Encoding = ""
	EncodingBrotli Encoding = "br"
	EncodingGzip   Encoding = "gzip"
)

// Negotiate picks br over gzip per spec §4.G's preference order,
// skipping entirely when the body is already encoded, too small, or
// the content-type is non-compressible.
func Negotiate(cfg config.Compression, acceptEncoding, contentType, contentEncoding string, bodyLen int) Encoding {
	if !cfg.Enabled {
		return EncodingNone
	}
	if contentEncoding != "" && !strings.EqualFold(contentEncoding, "identity") {
		return EncodingNone
	}
	if bodyLen < cfg.MinLength {
		return EncodingNone
	}
	if !isCompressible(contentType) {
		return EncodingNone
	}

	accepts := strings.Split(acceptEncoding, ",")
	acceptsToken := func(token string) bool {
		for _, a := range accepts {
			if strings.EqualFold(strings.TrimSpace(strings.Split(a, ";")[0]), token) {
				return true
			}
		}
		return false
	}

	if cfg.Brotli.On && acceptsToken("br") {
		return EncodingBrotli
	}
	if cfg.Gzip.On && acceptsToken("gzip") {
		return EncodingGzip
	}
	return EncodingNone
}

// Compress encodes body per enc, returning it unchanged for
// EncodingNone.
func Compress(body []byte, enc Encoding, cfg config.Compression) ([]byte, error) {
	switch enc {
	case EncodingBrotli:
		var buf bytes.Buffer
		level := cfg.Brotli.Level
		if level <= 0 {
			level = brotli.DefaultCompression
		}
		w := brotli.NewWriterLevel(&buf, level)
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case EncodingGzip:
		var buf bytes.Buffer
		level := cfg.Gzip.Level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		w, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return body, nil
	}
}

// ApplyEncodingHeader sets Content-Encoding and drops Content-Length
// (the body length changed), when enc is not EncodingNone.
func ApplyEncodingHeader(header http.Header, enc Encoding) {
	if enc == EncodingNone {
		return
	}
	header.Set("Content-Encoding", string(enc))
	header.Del("Content-Length")
}
