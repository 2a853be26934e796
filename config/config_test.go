package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFillsMissingIDsDeterministically(t *testing.T) {
	raw := &Config{
		HTTPRules: []HTTPRule{
			{
				Enabled:     true,
				ListenAddrs: []string{"0.0.0.0:8080"},
				Routes: []HTTPRoute{
					{Enabled: true, PathPrefix: "/api", Upstreams: []UpstreamTarget{{URL: "http://u1", Weight: 1}}},
				},
			},
		},
	}
	v := &Validator{}
	cfg1, errs := v.Validate(raw)
	require.Empty(t, errs)
	require.NotEmpty(t, cfg1.HTTPRules[0].ID)
	require.NotEmpty(t, cfg1.HTTPRules[0].Routes[0].ID)

	raw2 := &Config{
		HTTPRules: []HTTPRule{
			{
				Enabled:     true,
				ListenAddrs: []string{"0.0.0.0:8080"},
				Routes: []HTTPRoute{
					{Enabled: true, PathPrefix: "/api", Upstreams: []UpstreamTarget{{URL: "http://u1", Weight: 1}}},
				},
			},
		},
	}
	cfg2, errs2 := v.Validate(raw2)
	require.Empty(t, errs2)
	assert.Equal(t, cfg1.HTTPRules[0].ID, cfg2.HTTPRules[0].ID)
	assert.Equal(t, cfg1.HTTPRules[0].Routes[0].ID, cfg2.HTTPRules[0].Routes[0].ID)
}

func TestValidateRejectsEnabledRuleWithoutListenAddrs(t *testing.T) {
	raw := &Config{
		HTTPRules: []HTTPRule{{Enabled: true, Routes: []HTTPRoute{{Enabled: true, PathPrefix: "/", StaticDir: "/var/www"}}}},
	}
	v := &Validator{}
	_, errs := v.Validate(raw)
	require.NotEmpty(t, errs)
}

func TestValidateRejectsRouteWithoutUpstreamOrStaticDir(t *testing.T) {
	raw := &Config{
		HTTPRules: []HTTPRule{
			{Enabled: true, ListenAddrs: []string{"0.0.0.0:8080"}, Routes: []HTTPRoute{{Enabled: true, PathPrefix: "/api"}}},
		},
	}
	v := &Validator{}
	_, errs := v.Validate(raw)
	require.NotEmpty(t, errs)
}

func TestValidatePathPrefixNormalization(t *testing.T) {
	raw := &Config{
		HTTPRules: []HTTPRule{
			{Enabled: true, ListenAddrs: []string{"0.0.0.0:8080"}, Routes: []HTTPRoute{
				{Enabled: true, PathPrefix: "api", Upstreams: []UpstreamTarget{{URL: "http://u1"}}},
			}},
		},
	}
	v := &Validator{}
	cfg, errs := v.Validate(raw)
	require.Empty(t, errs)
	assert.Equal(t, "/api", cfg.HTTPRules[0].Routes[0].PathPrefix)
}

func TestValidateStreamUpstreamReferenceCheck(t *testing.T) {
	raw := &Config{
		Stream: StreamConfig{
			Upstreams: map[string]StreamUpstream{"a": {Members: []UpstreamTarget{{URL: "10.0.0.1:9000", Weight: 1}}}},
			Servers:   []StreamServer{{Enabled: true, ListenPort: 9100, Protocol: "udp", ProxyPass: "missing"}},
		},
	}
	v := &Validator{}
	_, errs := v.Validate(raw)
	require.NotEmpty(t, errs)
}

func TestIsConfigDifferentIgnoresCompiledRegexIdentity(t *testing.T) {
	raw := &Config{
		HTTPRules: []HTTPRule{
			{Enabled: true, ListenAddrs: []string{"0.0.0.0:8080"}, Routes: []HTTPRoute{
				{Enabled: true, PathPrefix: "/api", Upstreams: []UpstreamTarget{{URL: "http://u1"}},
					URLRewrites: []URLRewriteRule{{Regex: "^/api", Replacement: "/v1", Enabled: true}}},
			}},
		},
	}
	v := &Validator{}
	cfg1, _ := v.Validate(raw)
	cfg2, _ := v.Validate(&Config{HTTPRules: append([]HTTPRule(nil), raw.HTTPRules...)})
	assert.False(t, IsConfigDifferent(cfg1, cfg2))
}
