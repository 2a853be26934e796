package transform

import (
	"dito/config"
)

// RewritePath applies the first enabled, matching url_rewrite rule to
// path, per spec §4.G's literal wording ("first enabled match
// applies" — DESIGN.md records the reading that diverges from
// original_source's all-rules-in-sequence behavior). Returns path
// unchanged if no rule matches.
func RewritePath(path string, rules []config.URLRewriteRule) string {
	for _, rule := range rules {
		if !rule.Enabled || rule.Compiled == nil {
			continue
		}
		if rule.Compiled.MatchString(path) {
			return rule.Compiled.ReplaceAllString(path, rule.Replacement)
		}
	}
	return path
}
