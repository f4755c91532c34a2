package outboundiq

import (
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the default prefix of the environment variables read by LoadEnv.
const EnvPrefix = "OUTBOUNDIQ_"

// envConfig mirrors the environment variables. Pointers distinguish unset from zero.
type envConfig struct {
	APIKey                string  `koanf:"api_key"`
	BufferSize            *int    `koanf:"buffer_size"`
	FlushInterval         *int    `koanf:"flush_interval"` // seconds
	Timeout               *int    `koanf:"timeout"`        // seconds
	RetryAttempts         *int    `koanf:"retry_attempts"`
	MaxPayloadSize        *int    `koanf:"max_payload_size"`
	MaxConcurrentRequests *int    `koanf:"max_concurrent_requests"`
	Transport             *string `koanf:"transport"`
	BaseURL               *string `koanf:"base_url"`
	Endpoint              *string `koanf:"endpoint"`
	TempDir               *string `koanf:"temp_dir"`
	Enabled               *bool   `koanf:"enabled"`
	Compress              *bool   `koanf:"compress"`
}

// LoadEnv reads the API key and options from environment variables named after the
// configuration keys, e.g. OUTBOUNDIQ_API_KEY, OUTBOUNDIQ_BUFFER_SIZE and
// OUTBOUNDIQ_TRANSPORT. Durations are whole seconds. An empty prefix means EnvPrefix.
// Malformed values return an error wrapping ErrConfiguration.
func LoadEnv(prefix string) (string, []Option, error) {
	if prefix == "" {
		prefix = EnvPrefix
	}

	k := koanf.New(".")
	if err := k.Load(env.Provider(prefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, prefix))
	}), nil); err != nil {
		return "", nil, configError(err)
	}

	var ec envConfig
	if err := k.Unmarshal("", &ec); err != nil {
		return "", nil, configError(err)
	}

	var opts []Option
	if ec.BufferSize != nil {
		opts = append(opts, WithBufferSize(*ec.BufferSize))
	}
	if ec.FlushInterval != nil {
		opts = append(opts, WithFlushInterval(time.Duration(*ec.FlushInterval)*time.Second))
	}
	if ec.Timeout != nil {
		opts = append(opts, WithTimeout(time.Duration(*ec.Timeout)*time.Second))
	}
	if ec.RetryAttempts != nil {
		opts = append(opts, WithRetryAttempts(*ec.RetryAttempts))
	}
	if ec.MaxPayloadSize != nil {
		opts = append(opts, WithMaxPayloadSize(*ec.MaxPayloadSize))
	}
	if ec.MaxConcurrentRequests != nil {
		opts = append(opts, WithMaxConcurrentRequests(*ec.MaxConcurrentRequests))
	}
	if ec.Transport != nil {
		kind, err := ParseTransportKind(*ec.Transport)
		if err != nil {
			return "", nil, configError(err)
		}
		opts = append(opts, WithTransport(kind))
	}
	if ec.BaseURL != nil {
		opts = append(opts, WithBaseURL(*ec.BaseURL))
	}
	if ec.Endpoint != nil {
		opts = append(opts, WithEndpoint(*ec.Endpoint))
	}
	if ec.TempDir != nil {
		opts = append(opts, WithTempDir(*ec.TempDir))
	}
	if ec.Enabled != nil {
		opts = append(opts, WithEnabled(*ec.Enabled))
	}
	if ec.Compress != nil {
		opts = append(opts, WithCompression(*ec.Compress))
	}
	return ec.APIKey, opts, nil
}

// NewFromEnv creates a Client configured from OUTBOUNDIQ_* environment variables. opts are
// applied after the environment and take precedence.
func NewFromEnv(opts ...Option) (*Client, error) {
	apiKey, envOpts, err := LoadEnv(EnvPrefix)
	if err != nil {
		return nil, err
	}
	return New(apiKey, append(envOpts, opts...)...)
}
