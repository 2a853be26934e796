package supervisor

import (
	"fmt"

	"dito/config"
)

type httpListenerSpec struct {
	rule           *config.HTTPRule
	limits         config.Limits
	compression    config.Compression
	tls            *config.TLSConfig
	allowAllPublic bool
	allowAllLAN    bool
}

type wsListenerSpec struct {
	rule           *config.WSRule
	tls            *config.TLSConfig
	allowAllPublic bool
	allowAllLAN    bool
}

type tcpListenerSpec struct {
	server         config.StreamServer
	upstream       config.StreamUpstream
	allowAllPublic bool
	allowAllLAN    bool
}

type udpListenerSpec struct {
	server         config.StreamServer
	upstream       config.StreamUpstream
	allowAllPublic bool
	allowAllLAN    bool
}

// buildDesired computes the full listener set cfg describes, keyed by
// (listen_addr, protocol) so Apply can diff it against what is
// currently running.
func (s *Supervisor) buildDesired(cfg *config.Config) map[ListenerKey]any {
	desired := make(map[ListenerKey]any)

	for i := range cfg.HTTPRules {
		rule := &cfg.HTTPRules[i]
		if !rule.Enabled {
			continue
		}
		for _, addr := range rule.ListenAddrs {
			desired[ListenerKey{Addr: addr, Protocol: ProtoHTTP}] = httpListenerSpec{
				rule:           rule,
				limits:         cfg.Limits,
				compression:    cfg.Compression,
				tls:            rule.TLS,
				allowAllPublic: cfg.Access.AllowAllPublic,
				allowAllLAN:    cfg.Access.AllowAllLAN,
			}
		}
	}

	if cfg.WSEnabled {
		for i := range cfg.WSRules {
			rule := &cfg.WSRules[i]
			if !rule.Enabled {
				continue
			}
			for _, addr := range rule.ListenAddrs {
				desired[ListenerKey{Addr: addr, Protocol: ProtoWS}] = wsListenerSpec{
					rule:           rule,
					tls:            rule.TLS,
					allowAllPublic: cfg.Access.AllowAllPublic,
					allowAllLAN:    cfg.Access.AllowAllLAN,
				}
			}
		}
	}

	if cfg.Stream.Enabled {
		for _, srv := range cfg.Stream.Servers {
			if !srv.Enabled {
				continue
			}
			addr := fmt.Sprintf(":%d", srv.ListenPort)
			upstream := cfg.Stream.Upstreams[srv.ProxyPass]
			switch srv.Protocol {
			case "udp":
				desired[ListenerKey{Addr: addr, Protocol: ProtoStream}] = udpListenerSpec{
					server:         srv,
					upstream:       upstream,
					allowAllPublic: cfg.Access.AllowAllPublic,
					allowAllLAN:    cfg.Access.AllowAllLAN,
				}
			default:
				desired[ListenerKey{Addr: addr, Protocol: ProtoStream}] = tcpListenerSpec{
					server:         srv,
					upstream:       upstream,
					allowAllPublic: cfg.Access.AllowAllPublic,
					allowAllLAN:    cfg.Access.AllowAllLAN,
				}
			}
		}
	}

	return desired
}
