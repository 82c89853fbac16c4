// Package redact strips credential-shaped data from text and structured values
// before anything is persisted. All functions are safe on malformed input and
// idempotent: redacting an already redacted value returns it unchanged.
package redact

import (
	"bytes"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
)

// Placeholder replaces every redacted segment.
const Placeholder = "[REDACTED]"

var (
	authHeaderPattern = regexp.MustCompile(
		`(?i)\b((?:proxy-)?authorization["']?\s*[:=]\s*["']?)((?:bearer|basic|token|digest)\s+)?([^\s,;"']+)`,
	)
	cookieHeaderPattern = regexp.MustCompile(`(?i)\b((?:set-)?cookie["']?\s*:\s*["']?)([^\r\n"']+)`)
	// Unquoted values run to the end of the line or the next &,; separator, so a
	// passphrase with spaces or a "Bearer <token>" value is masked whole.
	assignmentPattern = regexp.MustCompile(
		`(?i)([a-z0-9_\-]*(?:api[_-]?key|token|secret|password|passwd|access[_-]?key)[a-z0-9_\-]*["']?\s*[:=]\s*)` +
			`((?:bearer|basic|token|digest)\s+)?("[^"]*"|'[^']*'|[^\r\n&,;"']*[^\s&,;"'])`,
	)
	bearerPattern = regexp.MustCompile(`(?i)\b(bearer\s+)([a-z0-9\-._~+/]+=*)`)
)

// sensitiveKeys are matched case-insensitively as substrings of map keys.
var sensitiveKeys = []string{
	"api_key",
	"apikey",
	"api-key",
	"token",
	"secret",
	"password",
	"passwd",
	"authorization",
	"cookie",
}

// String returns s with header values, bearer tokens and secret-looking
// assignments replaced by Placeholder.
func String(s string) string {
	if s == "" {
		return s
	}
	out := authHeaderPattern.ReplaceAllString(s, "${1}${2}"+Placeholder)
	out = cookieHeaderPattern.ReplaceAllString(out, "${1}"+Placeholder)
	out = bearerPattern.ReplaceAllString(out, "${1}"+Placeholder)
	out = assignmentPattern.ReplaceAllStringFunc(out, redactAssignment)
	return out
}

func redactAssignment(match string) string {
	sub := assignmentPattern.FindStringSubmatch(match)
	if len(sub) != 4 {
		return match
	}
	prefix, value := sub[1]+sub[2], sub[3]
	switch {
	case strings.HasPrefix(value, `"`):
		return prefix + `"` + Placeholder + `"`
	case strings.HasPrefix(value, `'`):
		return prefix + `'` + Placeholder + `'`
	default:
		return prefix + Placeholder
	}
}

// IsSensitiveKey reports whether a map key or header name names a credential.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// Value returns a redacted deep copy of v. Values stored under sensitive keys are
// replaced wholesale; remaining string leaves go through String.
func Value(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if IsSensitiveKey(k) && val != nil {
				out[k] = Placeholder
				continue
			}
			out[k] = Value(val)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, val := range t {
			if IsSensitiveKey(k) {
				out[k] = Placeholder
				continue
			}
			out[k] = String(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Value(val)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, val := range t {
			out[i] = String(val)
		}
		return out
	default:
		return v
	}
}

// JSON redacts a JSON document. Input that does not parse is redacted as text and
// returned encoded as a JSON string so the result is always valid JSON.
func JSON(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil || dec.More() {
		return encodeString(String(string(trimmed)))
	}

	out, err := json.Marshal(Value(doc))
	if err != nil {
		return encodeString(String(string(trimmed)))
	}
	return out
}

func encodeString(s string) []byte {
	out, err := json.Marshal(s)
	if err != nil {
		return []byte(`"` + Placeholder + `"`)
	}
	return out
}

// Headers flattens h into a single-valued map with credential headers masked.
func Headers(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, values := range h {
		if IsSensitiveKey(k) || strings.EqualFold(k, "Set-Cookie") {
			out[k] = Placeholder
			continue
		}
		out[k] = String(strings.Join(values, ", "))
	}
	return out
}
