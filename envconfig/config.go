// Package envconfig reads the LLAVA_* environment variables. Every setting
// is a function so values always reflect the current environment, which
// keeps tests that mutate variables honest.
package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/chenwanqq/llava-go/logutil"
)

// Var reads one environment variable, trimming whitespace and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// Host returns the scheme and host the API server binds to.
// Configured via LLAVA_HOST; default http://127.0.0.1:11434.
func Host() *url.URL {
	defaultPort := "11434"

	s := Var("LLAVA_HOST")
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// AllowedOrigins returns the origins permitted to call the API server,
// configured via LLAVA_ORIGINS (comma separated) plus localhost defaults.
func AllowedOrigins() (origins []string) {
	if s := Var("LLAVA_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}

	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}

	return origins
}

// Bool reads a boolean variable, false when unset or unparsable.
func Bool(key string) func() bool {
	return func() bool {
		if s := Var(key); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return false
	}
}

// Uint reads an unsigned integer variable with a default.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

var (
	// Debug enables debug logging via LLAVA_DEBUG.
	Debug = Bool("LLAVA_DEBUG")

	// Trace enables trace logging via LLAVA_TRACE.
	Trace = Bool("LLAVA_TRACE")

	// MultiUserCache optimizes slot eviction for multiple users
	// via LLAVA_MULTIUSER_CACHE.
	MultiUserCache = Bool("LLAVA_MULTIUSER_CACHE")

	numParallel = Uint("LLAVA_NUM_PARALLEL", 1)
)

// Parallel is the number of concurrent generation sessions.
func Parallel() int {
	return int(numParallel())
}

// KVCacheType selects the cache storage precision (f16, bf16, f32) via
// LLAVA_KV_CACHE_TYPE. Empty means the model default.
func KVCacheType() string {
	return Var("LLAVA_KV_CACHE_TYPE")
}

// LogLevel maps the debug variables to a slog level.
func LogLevel() slog.Level {
	switch {
	case Trace():
		return logutil.LevelTrace
	case Debug():
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// EnvVar describes one configuration knob for diagnostics output.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"LLAVA_HOST":            {"LLAVA_HOST", Host().String(), "Host and scheme for the API server"},
		"LLAVA_ORIGINS":         {"LLAVA_ORIGINS", AllowedOrigins(), "Additional allowed request origins"},
		"LLAVA_DEBUG":           {"LLAVA_DEBUG", Debug(), "Enable debug logging"},
		"LLAVA_TRACE":           {"LLAVA_TRACE", Trace(), "Enable trace logging"},
		"LLAVA_NUM_PARALLEL":    {"LLAVA_NUM_PARALLEL", Parallel(), "Concurrent generation sessions"},
		"LLAVA_KV_CACHE_TYPE":   {"LLAVA_KV_CACHE_TYPE", KVCacheType(), "KV cache precision (f16, bf16, f32)"},
		"LLAVA_MULTIUSER_CACHE": {"LLAVA_MULTIUSER_CACHE", MultiUserCache(), "Optimize cache slot eviction for multiple users"},
	}
}
