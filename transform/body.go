package transform

import (
	"bytes"
	"io"
	"strings"

	"dito/config"
	"dito/direrr"
)

// ReadBounded reads r fully into a buffer capped at limit bytes,
// returning direrr.PayloadTooLarge the instant one more byte than
// limit would be read (spec §8: "Exactly max_request_body bytes
// succeed; one more yields PayloadTooLarge"). limit <= 0 means no
// buffering is requested; callers should stream instead of calling
// this.
func ReadBounded(r io.Reader, limit int64) ([]byte, error) {
	limited := io.LimitReader(r, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, &direrr.PayloadTooLarge{Limit: limit}
	}
	return data, nil
}

// ApplyBodyReplace runs every enabled rule whose ContentTypes matches
// (or which names none) against body in sequence, per DESIGN.md's
// reading that body_replace rules are cumulative rather than
// first-match — spec.md does not qualify body substitution with
// "first enabled match" the way it does url_rewrite.
func ApplyBodyReplace(body []byte, rules []config.BodyReplaceRule, contentType string) []byte {
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if !contentTypeMatches(rule.ContentTypes, contentType) {
			continue
		}
		if rule.UseRegex {
			if rule.Compiled == nil {
				continue
			}
			body = rule.Compiled.ReplaceAll(body, []byte(rule.Replace))
		} else {
			body = bytes.ReplaceAll(body, []byte(rule.Find), []byte(rule.Replace))
		}
	}
	return body
}

func contentTypeMatches(configured []string, actual string) bool {
	if len(configured) == 0 {
		return true
	}
	base := actual
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSpace(base)
	for _, ct := range configured {
		if strings.EqualFold(strings.TrimSpace(ct), base) {
			return true
		}
	}
	return false
}
