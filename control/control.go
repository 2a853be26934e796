// Package control implements spec §6's Runtime Control API: the
// management UI's entry point for reading/writing Config, driving the
// Supervisor, and querying the Observer's logs and metrics. Grounded
// on the teacher's app.go (the single struct wiring config+components
// the UI's handlers called through) and handlers/proxy.go's error
// taxonomy, generalized from one bundled HTTP surface to the typed
// method set the UI embeds directly.
package control

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"dito/access"
	"dito/config"
	"dito/observe"
	"dito/supervisor"
)

// Server is the single point the embedding UI talks to. It owns the
// on-disk config path, the validated in-memory snapshot, and the
// Supervisor/Observer/Access components that snapshot drives.
type Server struct {
	Logger      *slog.Logger
	Supervisor  *supervisor.Supervisor
	Recorder    *observe.Recorder
	AccessStore access.Store

	cfgPath string

	mu      sync.Mutex
	running bool
}

// NewServer builds a Server bound to the given config file path. A
// snapshot must be published (through SaveConfig or config.Publish)
// before Start; Start with nothing published starts no listeners.
func NewServer(cfgPath string, logger *slog.Logger, sup *supervisor.Supervisor, rec *observe.Recorder, store access.Store) *Server {
	return &Server{Logger: logger, Supervisor: sup, Recorder: rec, AccessStore: store, cfgPath: cfgPath}
}

// GetConfig returns a mutable copy of the currently published
// snapshot, safe for a caller to edit before calling SaveConfig
// without racing concurrent readers of the live pointer.
func (s *Server) GetConfig() *config.Config {
	return cloneConfig(config.Current())
}

// SaveConfig validates cfg, persists it to the on-disk document,
// publishes the new snapshot, and (if the supervisor is running)
// applies it with a minimum-diff reconciliation.
func (s *Server) SaveConfig(cfg *config.Config) (*config.Config, error) {
	v := &config.Validator{}
	validated, errs := v.Validate(cfg)
	if len(errs) > 0 {
		msgs := make([]error, len(errs))
		for i, e := range errs {
			msgs[i] = e
		}
		return nil, fmt.Errorf("configuration validation failed: %v", msgs)
	}

	data, err := toml.Marshal(validated)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(s.cfgPath, data, 0o644); err != nil {
		return nil, err
	}

	config.Publish(validated)
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		s.Supervisor.Apply(validated)
	}
	return validated, nil
}

// ListenerStatusView is one listener's reported state, matching
// spec §6's status() shape.
type ListenerStatusView struct {
	Addr      string
	Protocol  string
	Up        bool
	LastError string
}

// Status is the Runtime Control API's status() response.
type Status struct {
	Running   bool
	Listeners []ListenerStatusView
}

// Start begins serving the current config.
func (s *Server) Start() Status {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	cfg := config.Current()
	if cfg != nil {
		s.Supervisor.Start(cfg)
	}
	return s.StatusSnapshot()
}

// Stop tears down every running listener.
func (s *Server) Stop() Status {
	s.Supervisor.Stop()
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return s.StatusSnapshot()
}

// StatusSnapshot implements status().
func (s *Server) StatusSnapshot() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	listed := s.Supervisor.Status()
	out := Status{Running: running, Listeners: make([]ListenerStatusView, 0, len(listed))}
	for _, l := range listed {
		out.Listeners = append(out.Listeners, ListenerStatusView{Addr: l.Addr, Protocol: string(l.Protocol), Up: l.Up, LastError: l.LastError})
	}
	return out
}

// SetListenRuleEnabled toggles one HTTP or WS rule's enabled flag by
// id and reapplies, without touching any other rule's running state.
func (s *Server) SetListenRuleEnabled(ruleID string, enabled bool) (*config.Config, error) {
	cfg := cloneConfig(config.Current())
	if cfg == nil {
		return nil, fmt.Errorf("no config published yet")
	}
	found := false
	for i := range cfg.HTTPRules {
		if cfg.HTTPRules[i].ID == ruleID {
			cfg.HTTPRules[i].Enabled = enabled
			found = true
		}
	}
	for i := range cfg.WSRules {
		if cfg.WSRules[i].ID == ruleID {
			cfg.WSRules[i].Enabled = enabled
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("unknown rule id %q", ruleID)
	}
	return s.SaveConfig(cfg)
}

// SetRouteEnabled toggles one HTTP route's enabled flag within ruleID.
func (s *Server) SetRouteEnabled(ruleID, routeID string, enabled bool) (*config.Config, error) {
	cfg := cloneConfig(config.Current())
	if cfg == nil {
		return nil, fmt.Errorf("no config published yet")
	}
	for i := range cfg.HTTPRules {
		if cfg.HTTPRules[i].ID != ruleID {
			continue
		}
		for j := range cfg.HTTPRules[i].Routes {
			if cfg.HTTPRules[i].Routes[j].ID == routeID {
				cfg.HTTPRules[i].Routes[j].Enabled = enabled
				return s.SaveConfig(cfg)
			}
		}
		return nil, fmt.Errorf("unknown route id %q in rule %q", routeID, ruleID)
	}
	return nil, fmt.Errorf("unknown rule id %q", ruleID)
}

// GetListenAddrs lists every address an enabled rule/server binds.
func (s *Server) GetListenAddrs() []string {
	cfg := config.Current()
	if cfg == nil {
		return nil
	}
	var out []string
	for _, r := range cfg.HTTPRules {
		if r.Enabled {
			out = append(out, r.ListenAddrs...)
		}
	}
	if cfg.WSEnabled {
		for _, r := range cfg.WSRules {
			if r.Enabled {
				out = append(out, r.ListenAddrs...)
			}
		}
	}
	if cfg.Stream.Enabled {
		for _, srv := range cfg.Stream.Servers {
			if srv.Enabled {
				out = append(out, fmt.Sprintf(":%d", srv.ListenPort))
			}
		}
	}
	return out
}

// QueryRequestLogs implements query_request_logs.
func (s *Server) QueryRequestLogs(filter observe.RecentFilter, page, pageSize int) []observe.Record {
	if s.Recorder == nil {
		return nil
	}
	return s.Recorder.RecentRecords(filter, page, pageSize)
}

// GetLogs implements get_logs: the unfiltered recent-records ring.
func (s *Server) GetLogs() []observe.Record {
	if s.Recorder == nil {
		return nil
	}
	return s.Recorder.RecentRecords(observe.RecentFilter{}, 0, 0)
}

// ClearLogs implements clear_logs.
func (s *Server) ClearLogs() {
	if s.Recorder != nil {
		s.Recorder.ClearRecent()
	}
}

// QueryHistoricalMetrics implements query_historical_metrics.
func (s *Server) QueryHistoricalMetrics(listener string) observe.Snapshot {
	if s.Recorder == nil {
		return observe.Snapshot{}
	}
	return s.Recorder.Snapshot(listener)
}

// GetMetrics implements get_metrics: a snapshot per currently running
// listener address, read from the Recorder table of the HTTP rule that
// listens there (the Recorder keys its tables by rule id). Listeners
// with no HTTP rule get an empty snapshot.
func (s *Server) GetMetrics() map[string]observe.Snapshot {
	out := make(map[string]observe.Snapshot)
	if s.Recorder == nil {
		return out
	}
	ruleByAddr := make(map[string]string)
	if cfg := config.Current(); cfg != nil {
		for _, rule := range cfg.HTTPRules {
			for _, addr := range rule.ListenAddrs {
				ruleByAddr[addr] = rule.ID
			}
		}
	}
	for _, l := range s.Supervisor.Status() {
		out[l.Addr] = s.Recorder.Snapshot(ruleByAddr[l.Addr])
	}
	return out
}

// BlacklistAdd implements blacklist_add. durationSec of 0 means
// permanent.
func (s *Server) BlacklistAdd(ip, reason string, durationSec int64) (*config.Config, error) {
	now := time.Now().Unix()
	entry := config.BlacklistEntry{IP: ip, Reason: reason, CreatedAt: now}
	if durationSec > 0 {
		entry.ExpiresAt = now + durationSec
	}
	if s.AccessStore != nil {
		if err := s.AccessStore.Save(entry); err != nil {
			return nil, err
		}
	}
	cfg := cloneConfig(config.Current())
	if cfg == nil {
		return nil, fmt.Errorf("no config published yet")
	}
	replaced := false
	for i := range cfg.Access.Blacklist {
		if cfg.Access.Blacklist[i].IP == ip {
			cfg.Access.Blacklist[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		cfg.Access.Blacklist = append(cfg.Access.Blacklist, entry)
	}
	return s.applyAccessOnly(cfg)
}

// BlacklistRemove implements blacklist_remove.
func (s *Server) BlacklistRemove(ip string) (*config.Config, error) {
	if s.AccessStore != nil {
		if err := s.AccessStore.Delete(ip); err != nil {
			return nil, err
		}
	}
	cfg := cloneConfig(config.Current())
	if cfg == nil {
		return nil, fmt.Errorf("no config published yet")
	}
	out := cfg.Access.Blacklist[:0]
	for _, e := range cfg.Access.Blacklist {
		if e.IP != ip {
			out = append(out, e)
		}
	}
	cfg.Access.Blacklist = out
	return s.applyAccessOnly(cfg)
}

// BlacklistList implements blacklist_list.
func (s *Server) BlacklistList() []config.BlacklistEntry {
	cfg := config.Current()
	if cfg == nil {
		return nil
	}
	return cfg.Access.Blacklist
}

// BlacklistCacheRefresh implements blacklist_cache_refresh: reloads
// the blacklist from the external store into the published config.
func (s *Server) BlacklistCacheRefresh() (*config.Config, error) {
	if s.AccessStore == nil {
		return config.Current(), nil
	}
	entries, err := s.AccessStore.Load()
	if err != nil {
		return nil, err
	}
	cfg := cloneConfig(config.Current())
	if cfg == nil {
		return nil, fmt.Errorf("no config published yet")
	}
	cfg.Access.Blacklist = entries
	return s.applyAccessOnly(cfg)
}

// applyAccessOnly persists a config mutation confined to the access
// block: it republishes and reapplies (rebuilding Access Control)
// without writing the on-disk document, since blacklist edits made
// through the control API are store-backed, not file-backed.
func (s *Server) applyAccessOnly(cfg *config.Config) (*config.Config, error) {
	config.Publish(cfg)
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		s.Supervisor.Apply(cfg)
	}
	return cfg, nil
}

// cloneConfig returns a shallow copy safe to mutate the top-level
// slices of without racing the published pointer. Mirrors the
// pattern config.stripCompiled uses internally.
func cloneConfig(c *config.Config) *config.Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.HTTPRules = append([]config.HTTPRule(nil), c.HTTPRules...)
	for i := range clone.HTTPRules {
		clone.HTTPRules[i].Routes = append([]config.HTTPRoute(nil), c.HTTPRules[i].Routes...)
	}
	clone.WSRules = append([]config.WSRule(nil), c.WSRules...)
	clone.Access.Blacklist = append([]config.BlacklistEntry(nil), c.Access.Blacklist...)
	return &clone
}
