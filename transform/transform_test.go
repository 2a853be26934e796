package transform

import (
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"dito/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandHeaderValueAppendsToExistingXFF(t *testing.T) {
	v := Vars{RemoteAddr: "10.0.0.5", ExistingXFF: "1.1.1.1"}
	got := ExpandHeaderValue("$proxy_add_x_forwarded_for", v)
	assert.Equal(t, "1.1.1.1, 10.0.0.5", got)
}

func TestApplyRequestHeadersSetsStandardForwardingHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/x", nil)
	route := &config.HTTPRoute{}
	ApplyRequestHeaders(req, route, Vars{RemoteAddr: "9.9.9.9", Scheme: "https"})

	assert.Equal(t, "9.9.9.9", req.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "9.9.9.9", req.Header.Get("X-Real-IP"))
	assert.Equal(t, "https", req.Header.Get("X-Forwarded-Proto"))
}

func TestApplyRequestHeadersHonorsSetAndRemove(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/x", nil)
	req.Header.Set("X-Drop-Me", "yes")
	route := &config.HTTPRoute{
		SetHeaders:    []config.HeaderKV{{Name: "X-Scheme", Value: "$scheme"}},
		RemoveHeaders: []string{"X-Drop-Me"},
	}
	ApplyRequestHeaders(req, route, Vars{RemoteAddr: "1.2.3.4", Scheme: "http"})

	assert.Equal(t, "http", req.Header.Get("X-Scheme"))
	assert.Empty(t, req.Header.Get("X-Drop-Me"))
}

func TestStripHopByHopRemovesConnectionNamedHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "X-Custom")
	h.Set("X-Custom", "value")
	h.Set("Transfer-Encoding", "chunked")
	StripHopByHop(h)

	assert.Empty(t, h.Get("X-Custom"))
	assert.Empty(t, h.Get("Transfer-Encoding"))
	assert.Empty(t, h.Get("Connection"))
}

func TestRewritePathAppliesFirstEnabledMatchOnly(t *testing.T) {
	rules := []config.URLRewriteRule{
		{Enabled: false, Compiled: regexp.MustCompile(`^/old`), Replacement: "/skip"},
		{Enabled: true, Compiled: regexp.MustCompile(`^/old`), Replacement: "/new"},
		{Enabled: true, Compiled: regexp.MustCompile(`^/old`), Replacement: "/never"},
	}
	assert.Equal(t, "/new/tail", RewritePath("/old/tail", rules))
}

func TestRewritePathLeavesUnmatchedPathUnchanged(t *testing.T) {
	rules := []config.URLRewriteRule{
		{Enabled: true, Compiled: regexp.MustCompile(`^/api`), Replacement: "/v2"},
	}
	assert.Equal(t, "/other", RewritePath("/other", rules))
}

func TestApplyBodyReplaceRunsAllEnabledRulesInSequence(t *testing.T) {
	rules := []config.BodyReplaceRule{
		{Enabled: true, Find: "foo", Replace: "bar"},
		{Enabled: true, Find: "bar", Replace: "baz"},
		{Enabled: false, Find: "baz", Replace: "qux"},
	}
	got := ApplyBodyReplace([]byte("foo"), rules, "text/plain")
	assert.Equal(t, "baz", string(got))
}

func TestApplyBodyReplaceFiltersByContentType(t *testing.T) {
	rules := []config.BodyReplaceRule{
		{Enabled: true, Find: "x", Replace: "y", ContentTypes: []string{"application/json"}},
	}
	got := ApplyBodyReplace([]byte("x"), rules, "text/plain")
	assert.Equal(t, "x", string(got))
}

func TestApplyBodyReplaceUsesRegexWhenConfigured(t *testing.T) {
	rules := []config.BodyReplaceRule{
		{Enabled: true, UseRegex: true, Compiled: regexp.MustCompile(`\d+`), Replace: "#"},
	}
	got := ApplyBodyReplace([]byte("id 123 and 456"), rules, "")
	assert.Equal(t, "id # and #", string(got))
}

func TestReadBoundedSucceedsAtExactLimit(t *testing.T) {
	r := bytesReader("12345")
	data, err := ReadBounded(r, 5)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(data))
}

func TestReadBoundedFailsOneByteOverLimit(t *testing.T) {
	r := bytesReader("123456")
	_, err := ReadBounded(r, 5)
	require.Error(t, err)
}

func TestNegotiatePrefersBrotliOverGzip(t *testing.T) {
	cfg := config.Compression{Enabled: true, MinLength: 0, Gzip: config.GzipCfg{On: true}, Brotli: config.BrotliCfg{On: true}}
	enc := Negotiate(cfg, "gzip, br", "text/plain", "", 100)
	assert.Equal(t, EncodingBrotli, enc)
}

func TestNegotiateSkipsAlreadyEncoded(t *testing.T) {
	cfg := config.Compression{Enabled: true, Gzip: config.GzipCfg{On: true}}
	enc := Negotiate(cfg, "gzip", "text/plain", "gzip", 100)
	assert.Equal(t, EncodingNone, enc)
}

func TestNegotiateSkipsBelowMinLength(t *testing.T) {
	cfg := config.Compression{Enabled: true, MinLength: 1000, Gzip: config.GzipCfg{On: true}}
	enc := Negotiate(cfg, "gzip", "text/plain", "", 10)
	assert.Equal(t, EncodingNone, enc)
}

func TestNegotiateSkipsNonCompressibleContentType(t *testing.T) {
	cfg := config.Compression{Enabled: true, Gzip: config.GzipCfg{On: true}}
	enc := Negotiate(cfg, "gzip", "image/png", "", 10000)
	assert.Equal(t, EncodingNone, enc)
}

func TestCompressGzipRoundTrips(t *testing.T) {
	cfg := config.Compression{Gzip: config.GzipCfg{On: true}}
	out, err := Compress([]byte("hello world"), EncodingGzip, cfg)
	require.NoError(t, err)
	assert.NotEqual(t, "hello world", string(out))
}

type stringReader struct {
	s   string
	pos int
}

func bytesReader(s string) *stringReader { return &stringReader{s: s} }

func (r *stringReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.s) {
		return 0, io.EOF
	}
	n := copy(p, r.s[r.pos:])
	r.pos += n
	return n, nil
}
