// Package config holds the typed, immutable Config snapshot and the
// validator that produces it from a TOML document.
package config

import (
	"net"
	"regexp"
	"sync/atomic"
	"time"
)

// Config is the root snapshot. Once published it is never mutated in
// place; a reconfiguration publishes a brand new *Config.
type Config struct {
	HTTPRules     []HTTPRule      `toml:"http_rules"`
	WSEnabled     bool            `toml:"ws_enabled"`
	WSRules       []WSRule        `toml:"ws_rules"`
	Stream        StreamConfig    `toml:"stream"`
	Access        AccessConfig    `toml:"access"`
	Limits        Limits          `toml:"limits"`
	Compression   Compression     `toml:"compression"`
	Runtime       RuntimeConfig   `toml:"runtime"`
	Observability Observability   `toml:"observability"`
}

// RuntimeConfig mirrors spec §4.M's ambient process settings: log
// level, whether the process watches the config file for hot reload
// (cmd/dito reapplies changes through the Supervisor), and the
// Prometheus metrics listen address.
type RuntimeConfig struct {
	LogLevel   string `toml:"log_level"`
	HotReload  bool   `toml:"hot_reload"`
	MetricsAddr string `toml:"metrics_addr"`
}

// Observability configures the Observer's external sink, independent
// of Access's own Redis blacklist store since the two are allowed to
// point at different Redis deployments.
type Observability struct {
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
}

// Limits mirrors spec §3's `limits` block.
type Limits struct {
	MaxRequestBody   int64 `toml:"max_request_body"`
	MaxResponseBody  int64 `toml:"max_response_body"`
	ConnectTimeoutMs int64 `toml:"connect_timeout_ms"`
	ReadTimeoutMs    int64 `toml:"read_timeout_ms"`
	PoolMaxIdle      int   `toml:"pool_max_idle"`
	PoolIdleTimeoutS int64 `toml:"pool_idle_timeout_sec"`
	EnableHTTP2      bool  `toml:"enable_http2"`
}

func (l Limits) ConnectTimeout() time.Duration {
	return time.Duration(l.ConnectTimeoutMs) * time.Millisecond
}

func (l Limits) ReadTimeout() time.Duration {
	return time.Duration(l.ReadTimeoutMs) * time.Millisecond
}

func (l Limits) PoolIdleTimeout() time.Duration {
	return time.Duration(l.PoolIdleTimeoutS) * time.Second
}

// Compression mirrors spec §3's `compression` block.
type Compression struct {
	Enabled   bool      `toml:"enabled"`
	Gzip      GzipCfg   `toml:"gzip"`
	Brotli    BrotliCfg `toml:"brotli"`
	MinLength int       `toml:"min_length"`
}

type GzipCfg struct {
	On    bool `toml:"on"`
	Level int  `toml:"level"`
}

type BrotliCfg struct {
	On    bool `toml:"on"`
	Level int  `toml:"level"`
}

// TLSConfig holds the cert/key pair for a listener.
type TLSConfig struct {
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
}

// BasicAuth gates a listener behind HTTP Basic credentials.
type BasicAuth struct {
	User    string `toml:"user"`
	Pass    string `toml:"pass"`
	Forward bool   `toml:"forward"`
}

// RateLimitConfig is the per-rule token-bucket configuration.
type RateLimitConfig struct {
	RPS        float64 `toml:"rps"`
	Burst      int     `toml:"burst"`
	BanSeconds int64   `toml:"ban_seconds"`
}

// HTTPRule groups listen addresses, optional TLS/auth/rate-limit, and
// an ordered sequence of routes.
type HTTPRule struct {
	ID          string           `toml:"id"`
	Enabled     bool             `toml:"enabled"`
	ListenAddrs []string         `toml:"listen_addrs"`
	TLS         *TLSConfig       `toml:"tls"`
	BasicAuth   *BasicAuth       `toml:"basic_auth"`
	RateLimit   *RateLimitConfig `toml:"rate_limit"`
	Routes      []HTTPRoute      `toml:"routes"`
}

// UpstreamTarget is one weighted member of a route's upstream list.
type UpstreamTarget struct {
	URL    string `toml:"url"`
	Weight int    `toml:"weight"`
}

// URLRewriteRule rewrites the request path via regex.
type URLRewriteRule struct {
	Regex       string `toml:"regex"`
	Replacement string `toml:"replacement"`
	Enabled     bool   `toml:"enabled"`

	Compiled *regexp.Regexp `toml:"-"`
}

// BodyReplaceRule substitutes literal or regex text in a request or
// response body.
type BodyReplaceRule struct {
	Find         string   `toml:"find"`
	Replace      string   `toml:"replace"`
	UseRegex     bool     `toml:"use_regex"`
	Enabled      bool     `toml:"enabled"`
	ContentTypes []string `toml:"content_types"`

	Compiled *regexp.Regexp `toml:"-"`
}

// HTTPRoute is a single route within an HTTPRule.
type HTTPRoute struct {
	ID                  string            `toml:"id"`
	Enabled             bool              `toml:"enabled"`
	Host                string            `toml:"host"`
	PathPrefix          string            `toml:"path_prefix"`
	Methods             []string          `toml:"methods"`
	RequiredHeaders     map[string]string `toml:"required_headers"`
	ExcludeBasicAuth    bool              `toml:"exclude_basic_auth"`
	FollowRedirects     bool              `toml:"follow_redirects"`
	ProxyPassPath       string            `toml:"proxy_pass_path"`
	StaticDir           string            `toml:"static_dir"`
	SetHeaders          []HeaderKV        `toml:"set_headers"`
	RemoveHeaders       []string          `toml:"remove_headers"`
	URLRewrites         []URLRewriteRule  `toml:"url_rewrites"`
	RequestBodyReplace  []BodyReplaceRule `toml:"request_body_replace"`
	ResponseBodyReplace []BodyReplaceRule `toml:"response_body_replace"`
	Upstreams           []UpstreamTarget  `toml:"upstreams"`
}

// HeaderKV preserves set_headers ordering, which a plain map would lose.
type HeaderKV struct {
	Name  string `toml:"name"`
	Value string `toml:"value"`
}

// WSRoute mirrors HTTPRoute but with a single upstream WS/WSS target.
type WSRoute struct {
	PathPrefix  string `toml:"path_prefix"`
	UpstreamURL string `toml:"upstream_url"`
}

// WSRule mirrors HTTPRule but carries WSRoutes.
type WSRule struct {
	ID          string           `toml:"id"`
	Enabled     bool             `toml:"enabled"`
	ListenAddrs []string         `toml:"listen_addrs"`
	TLS         *TLSConfig       `toml:"tls"`
	BasicAuth   *BasicAuth       `toml:"basic_auth"`
	RateLimit   *RateLimitConfig `toml:"rate_limit"`
	Routes      []WSRoute        `toml:"routes"`

	PingIntervalSec int64 `toml:"ping_interval_sec"`
	PongTimeoutSec  int64 `toml:"pong_timeout_sec"`
}

func (r WSRule) PingInterval() time.Duration {
	if r.PingIntervalSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.PingIntervalSec) * time.Second
}

func (r WSRule) PongTimeout() time.Duration {
	if r.PongTimeoutSec <= 0 {
		return 90 * time.Second
	}
	return time.Duration(r.PongTimeoutSec) * time.Second
}

// StreamUpstream is a named weighted group of TCP/UDP backends.
type StreamUpstream struct {
	HashKey string           `toml:"hash_key"`
	Members []UpstreamTarget `toml:"members"`
}

// StreamServer is one listening TCP or UDP endpoint.
type StreamServer struct {
	Enabled          bool   `toml:"enabled"`
	ListenPort       int    `toml:"listen_port"`
	Protocol         string `toml:"protocol"` // "tcp" or "udp"
	ProxyPass        string `toml:"proxy_pass"`
	ConnectTimeoutMs int64  `toml:"connect_timeout_ms"`
	IdleTimeoutMs    int64  `toml:"idle_timeout_ms"`
}

func (s StreamServer) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutMs) * time.Millisecond
}

func (s StreamServer) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMs) * time.Millisecond
}

// StreamConfig is spec §3's `stream` block.
type StreamConfig struct {
	Enabled   bool                      `toml:"enabled"`
	Upstreams map[string]StreamUpstream `toml:"upstreams"`
	Servers   []StreamServer            `toml:"servers"`
}

// BlacklistEntry is one denied client, with an optional expiry.
type BlacklistEntry struct {
	IP        string `toml:"ip"`
	Reason    string `toml:"reason"`
	ExpiresAt int64  `toml:"expires_at"` // unix seconds, 0 = permanent
	CreatedAt int64  `toml:"created_at"`
}

// Active reports whether the entry is currently enforced.
func (e BlacklistEntry) Active(now time.Time) bool {
	return e.ExpiresAt == 0 || now.Unix() < e.ExpiresAt
}

// AccessConfig is spec §3's `access` block.
type AccessConfig struct {
	HTTPEnabled    bool             `toml:"http_enabled"`
	WSEnabled      bool             `toml:"ws_enabled"`
	StreamEnabled  bool             `toml:"stream_enabled"`
	AllowAllLAN    bool             `toml:"allow_all_lan"`
	AllowAllPublic bool             `toml:"allow_all_public"`
	Whitelist      []string         `toml:"whitelist"`
	Blacklist      []BlacklistEntry `toml:"blacklist"`

	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
}

// ParsedWhitelist compiles the Whitelist strings to net.IPNet once, for
// reuse across requests.
func (a AccessConfig) ParsedWhitelist() []*net.IPNet {
	out := make([]*net.IPNet, 0, len(a.Whitelist))
	for _, w := range a.Whitelist {
		if _, cidr, err := net.ParseCIDR(w); err == nil {
			out = append(out, cidr)
			continue
		}
		if ip := net.ParseIP(w); ip != nil {
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			mask := net.CIDRMask(bits, bits)
			out = append(out, &net.IPNet{IP: ip, Mask: mask})
		}
	}
	return out
}

var current atomic.Pointer[Config]

// Publish atomically replaces the active snapshot.
func Publish(c *Config) { current.Store(c) }

// Current returns the active snapshot, or nil if none has been
// published yet.
func Current() *Config { return current.Load() }
