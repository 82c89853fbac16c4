// Package idempotency derives stable deduplication keys for job submissions.
//
// Two submissions describing the same logical request, however they are
// formatted, produce the same key:
//
//	Key(t, "HTTP://Example.com:80/x/", opts, v) == Key(t, "http://example.com/x", opts, v)
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// KeyLength is the number of hex characters kept from the digest.
const KeyLength = 32

const fieldSeparator = "|"

var (
	// ErrEmptyTenant is returned when no tenant is supplied.
	ErrEmptyTenant = errors.New("tenant_id is required")
	// ErrEmptyResource is returned when the resource descriptor is blank.
	ErrEmptyResource = errors.New("resource is required")
)

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Request is the logical identity of a submission.
type Request struct {
	TenantID      string
	Resource      string
	Options       map[string]any
	RecipeVersion string
}

// Key returns the truncated SHA-256 digest identifying req.
func Key(req Request) (string, error) {
	tenant := strings.TrimSpace(req.TenantID)
	if tenant == "" {
		return "", ErrEmptyTenant
	}

	resource, err := CanonicalResource(req.Resource)
	if err != nil {
		return "", err
	}

	options, err := CanonicalOptions(req.Options)
	if err != nil {
		return "", err
	}

	material := strings.Join([]string{
		tenant,
		resource,
		options,
		strings.TrimSpace(req.RecipeVersion),
	}, fieldSeparator)

	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])[:KeyLength], nil
}

// CanonicalResource normalizes a resource descriptor. URLs with a scheme and host
// are normalized; anything else is returned trimmed.
func CanonicalResource(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrEmptyResource
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return trimmed, nil
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := canonicalHost(u.Hostname())

	port := u.Port()
	if port == defaultPorts[u.Scheme] {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host = host + ":" + port
	}
	u.Host = host

	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	u.ForceQuery = false

	return u.String(), nil
}

// canonicalHost lowercases host and converts internationalized names to their
// ASCII form. Names idna rejects (underscores, for example) keep the lowercase form.
func canonicalHost(host string) string {
	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	if lower == "" || strings.Contains(lower, ":") {
		return lower
	}
	ascii, err := idna.Lookup.ToASCII(lower)
	if err != nil {
		return lower
	}
	return ascii
}

// CanonicalOptions encodes opts as compact JSON with sorted keys. Object
// members whose value is null are dropped at any depth; array elements, null or
// not, and empty objects are kept. Empty or nil options encode as "{}".
func CanonicalOptions(opts map[string]any) (string, error) {
	// encoding/json sorts map keys, which gives the stable ordering.
	b, err := json.Marshal(stripNulls(opts))
	if err != nil {
		return "", fmt.Errorf("encode options: %w", err)
	}
	return string(b), nil
}

func stripNulls(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if val != nil {
				out[k] = stripNulls(val)
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = stripNulls(item)
		}
		return out
	default:
		return v
	}
}
