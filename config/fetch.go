package config

import (
	"strings"
	"time"
)

// FetchConfig configures the SSRF-safe outbound client used by the fetch
// handler and by webhook delivery.
type FetchConfig struct {
	ConnectTimeout time.Duration `env:"FETCH_CONNECT_TIMEOUT" envDefault:"5s"`
	ReadTimeout    time.Duration `env:"FETCH_READ_TIMEOUT"    envDefault:"30s"`
	MaxBytes       int64         `env:"FETCH_MAX_BYTES"       envDefault:"10485760"`
	MaxRedirects   int           `env:"FETCH_MAX_REDIRECTS"   envDefault:"5"`
	UserAgent      string        `env:"FETCH_USER_AGENT"      envDefault:"mmk-jobqueue/1.0"`

	// AllowedPrefixes exempts CIDRs from the private address block list.
	// Leave empty in production.
	AllowedPrefixes []string `env:"FETCH_ALLOWED_PREFIXES"`
}

// Sanitize applies guardrails to fetch configuration values.
func (f *FetchConfig) Sanitize() {
	if f.ConnectTimeout < 100*time.Millisecond {
		f.ConnectTimeout = 100 * time.Millisecond
	}
	if f.ReadTimeout < time.Second {
		f.ReadTimeout = time.Second
	}
	if f.MaxBytes < 1024 {
		f.MaxBytes = 1024
	}
	if f.MaxRedirects < 0 {
		f.MaxRedirects = 0
	}
	if f.MaxRedirects > 20 {
		f.MaxRedirects = 20
	}
	f.UserAgent = strings.TrimSpace(f.UserAgent)

	prefixes := f.AllowedPrefixes[:0]
	for _, p := range f.AllowedPrefixes {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	f.AllowedPrefixes = prefixes
}
