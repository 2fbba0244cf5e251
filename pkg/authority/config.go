package authority

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Config contains the configuration for the authority service. The env
// struct tag contains the environment variable name and the default value
// if missing (after = or ?=), following pkg/atlas/config.go's convention. All
// string arrays are comma-separated.
type Config struct {
	// The addresses to listen on (comma-separated).
	Addr []string `env:"DGRAM_AUTHORITY_ADDR?=:8081"`

	// Whether to trust Cloudflare headers like CF-Connecting-IP.
	Cloudflare bool `env:"DGRAM_AUTHORITY_CLOUDFLARE"`

	// Comma-separated list of case-insensitive hostnames to accept via Host.
	// If empty, all hostnames are allowed.
	Host []string `env:"DGRAM_AUTHORITY_HOST"`

	// The minimum log level.
	LogLevel zerolog.Level `env:"DGRAM_AUTHORITY_LOG_LEVEL=info"`

	// The protocol ID issued tokens are bound to (spec §3).
	ProtocolID uint64 `env:"DGRAM_AUTHORITY_PROTOCOL_ID=0"`

	// Hex-encoded 32-byte key shared with the servers that will open the
	// tokens this authority issues (spec §4.4's private_key).
	PrivateKeyHex string `env:"DGRAM_AUTHORITY_PRIVATE_KEY"`

	// How long issued tokens remain valid for connecting, and the session
	// idle timeout encoded into them (spec §3's expire_timestamp/
	// timeout_seconds).
	TokenExpirySeconds  uint32 `env:"DGRAM_AUTHORITY_TOKEN_EXPIRY=30"`
	TokenTimeoutSeconds uint32 `env:"DGRAM_AUTHORITY_TOKEN_TIMEOUT=10"`

	// Reject issuance requests advertising a client_version below this
	// semver (empty disables the check).
	MinimumClientVersion string `env:"DGRAM_AUTHORITY_MINIMUM_CLIENT_VERSION"`

	// Path to an IP2Location BIN database used to bucket issuance metrics
	// by region. Optional.
	IP2Location string `env:"DGRAM_AUTHORITY_IP2LOCATION"`

	// Path to a sqlite3 database used for the issuance audit log. Optional;
	// if empty, no audit log is kept.
	DB string `env:"DGRAM_AUTHORITY_DB"`

	// If set, requests to /metrics with this value as the secret query
	// parameter get internal (not just public) metrics.
	MetricsSecret string `env:"DGRAM_AUTHORITY_METRICS_SECRET"`

	// For sd-notify.
	NotifySocket string `env:"NOTIFY_SOCKET"`
}

// UnmarshalEnv unmarshals an array of environment variables into c, setting
// default values as appropriate, following pkg/atlas/config.go's reflection
// loop over `env` struct tags.
func (c *Config) UnmarshalEnv(es []string) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "DGRAM_AUTHORITY_") || strings.HasPrefix(e, "NOTIFY_SOCKET=") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		key, val, _ := strings.Cut(env, "=")
		key = strings.TrimSuffix(key, "?")
		if v, exists := em[key]; exists {
			val = v
			delete(em, key)
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case uint32:
			if val == "" {
				cvf.SetUint(0)
			} else if v, err := strconv.ParseUint(val, 10, 32); err == nil {
				cvf.SetUint(v)
			} else {
				return fmt.Errorf("env %s: parse %q: %w", key, val, err)
			}
		case uint64:
			if val == "" {
				cvf.SetUint(0)
			} else if v, err := strconv.ParseUint(val, 10, 64); err == nil {
				cvf.SetUint(v)
			} else {
				return fmt.Errorf("env %s: parse %q: %w", key, val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s: parse %q: %w", key, val, err)
			}
		case []string:
			if val == "" {
				cvf.Set(reflect.ValueOf([]string{}))
			} else {
				cvf.Set(reflect.ValueOf(strings.Split(val, ",")))
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s: parse %q: %w", key, val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}
