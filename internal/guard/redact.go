package guard

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MaxPayloadBytes is the ceiling above which logged payloads are truncated.
const MaxPayloadBytes = 8192

// truncKeep is how many bytes of prefix and suffix survive truncation.
const truncKeep = 2048

// secretPattern pairs a redaction label with a compiled secret-shape regex.
type secretPattern struct {
	label   string
	pattern *regexp.Regexp
}

// secretPatterns covers API-key-shaped tokens, bearer tokens, and
// password-like assignments. Applied before any payload is persisted or
// logged; matched spans are replaced wholesale with the redaction marker.
var secretPatterns = []secretPattern{
	{"api_key", regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`)},
	{"api_key", regexp.MustCompile(`\bghp_[A-Za-z0-9]{36}\b`)},
	{"api_key", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
	{"bearer_token", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{8,}`)},
	{"credential", regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key|access[_-]?token)\b\s*[:=]\s*\S+`)},
}

// sensitiveFieldRE matches JSON object keys whose values must be redacted.
var sensitiveFieldRE = regexp.MustCompile(`(?i)^(password|passwd|secret|token|api[_-]?key|authorization|credential)s?$`)

// Redact replaces secret-shaped substrings with fixed [REDACTED:<type>]
// markers. JSON payloads additionally get a structural pass that blanks the
// values of password-like fields regardless of their shape.
func Redact(payload string) string {
	if payload == "" {
		return payload
	}
	if gjson.Valid(payload) {
		payload = redactJSONFields(payload)
	}
	for _, sp := range secretPatterns {
		payload = sp.pattern.ReplaceAllString(payload, "[REDACTED:"+sp.label+"]")
	}
	return payload
}

// redactJSONFields walks a JSON document and rewrites the values of
// sensitive keys. Paths are collected first, then rewritten with sjson so
// the walk never observes its own edits.
func redactJSONFields(payload string) string {
	var paths []string
	collectSensitivePaths(gjson.Parse(payload), "", &paths)
	for _, p := range paths {
		if updated, err := sjson.Set(payload, p, "[REDACTED:field]"); err == nil {
			payload = updated
		}
	}
	return payload
}

func collectSensitivePaths(value gjson.Result, prefix string, paths *[]string) {
	value.ForEach(func(key, child gjson.Result) bool {
		path := escapePathKey(key.String())
		if prefix != "" {
			path = prefix + "." + path
		}
		if key.Type == gjson.String && sensitiveFieldRE.MatchString(key.String()) {
			*paths = append(*paths, path)
			return true
		}
		if child.IsObject() || child.IsArray() {
			collectSensitivePaths(child, path, paths)
		}
		return true
	})
}

// escapePathKey escapes sjson path metacharacters in object keys.
func escapePathKey(key string) string {
	key = strings.ReplaceAll(key, `\`, `\\`)
	key = strings.ReplaceAll(key, `.`, `\.`)
	key = strings.ReplaceAll(key, `*`, `\*`)
	key = strings.ReplaceAll(key, `?`, `\?`)
	return key
}

// Truncate bounds payload to MaxPayloadBytes, preserving a prefix and suffix
// around a marker that records how much was omitted and the original size.
func Truncate(payload string) string {
	if len(payload) <= MaxPayloadBytes {
		return payload
	}
	omitted := len(payload) - 2*truncKeep
	marker := fmt.Sprintf("\n…[truncated %d bytes of %d total]…\n", omitted, len(payload))
	return payload[:truncKeep] + marker + payload[len(payload)-truncKeep:]
}

// Sanitize applies redaction then truncation — the order matters, since a
// secret split by the truncation marker would evade the shape patterns.
func Sanitize(payload string) string {
	return Truncate(Redact(payload))
}
