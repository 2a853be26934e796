package config

import (
	"log/slog"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchConfig watches path for writes and invokes onChange with the
// newly validated Config whenever the document changes and differs
// from the currently published snapshot. Grounded on the teacher's
// polling WatchConfig, upgraded to github.com/fsnotify/fsnotify (a
// dependency already carried by mercator-hq-jupiter and wudi-gateway)
// in place of a 2-second ModTime poll loop.
func WatchConfig(path string, onChange func(*Config), logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	var debounce *time.Timer
	reload := func() {
		newCfg, err := LoadConfiguration(path)
		if err != nil {
			logger.Error("error loading configuration", slog.Any("error", err))
			return
		}
		old := Current()
		if old != nil && !IsConfigDifferent(old, newCfg) {
			return
		}
		onChange(newCfg)
		logger.Info("configuration reloaded successfully")
	}

	for event := range watcher.Events {
		if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			continue
		}
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.AfterFunc(200*time.Millisecond, reload)
	}
	return nil
}

// IsConfigDifferent reports whether two snapshots differ in any field
// that matters to a running component. Grounded on the teacher's
// reflect.DeepEqual comparison, kept as-is: the Config tree contains
// no unexported or function-valued fields except compiled regexes,
// which are deterministic functions of the enabled/pattern fields
// already being compared.
func IsConfigDifferent(a, b *Config) bool {
	return !reflect.DeepEqual(stripCompiled(a), stripCompiled(b))
}

// stripCompiled returns a shallow copy with compiled-regex pointers
// cleared, so comparison depends only on the declared pattern text
// (the field actually read from the wire document) and not on the
// regexp.Regexp internal state of two independently compiled copies.
func stripCompiled(c *Config) *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.HTTPRules = make([]HTTPRule, len(c.HTTPRules))
	for i, rule := range c.HTTPRules {
		rule.Routes = make([]HTTPRoute, len(c.HTTPRules[i].Routes))
		for j, route := range c.HTTPRules[i].Routes {
			route.URLRewrites = append([]URLRewriteRule(nil), route.URLRewrites...)
			for k := range route.URLRewrites {
				route.URLRewrites[k].Compiled = nil
			}
			route.RequestBodyReplace = append([]BodyReplaceRule(nil), route.RequestBodyReplace...)
			for k := range route.RequestBodyReplace {
				route.RequestBodyReplace[k].Compiled = nil
			}
			route.ResponseBodyReplace = append([]BodyReplaceRule(nil), route.ResponseBodyReplace...)
			for k := range route.ResponseBodyReplace {
				route.ResponseBodyReplace[k].Compiled = nil
			}
			rule.Routes[j] = route
		}
		clone.HTTPRules[i] = rule
	}
	return &clone
}
