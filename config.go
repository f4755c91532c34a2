package outboundiq

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Version is the SDK version reported in the User-Agent header.
const Version = "1.0.0"

const (
	// DefaultBaseURL is the base URL of the OutboundIQ API.
	DefaultBaseURL = "https://api.outboundiq.dev"

	metricPath = "/api/metric"

	minAPIKeyLength = 32

	defaultBufferSize            = 100
	defaultFlushInterval         = 60 * time.Second
	defaultTimeout               = 5 * time.Second
	defaultRetryAttempts         = 3
	defaultMaxPayloadSize        = 64 * 1024
	defaultMaxConcurrentRequests = 10

	minMaxPayloadSize        = 1024
	maxMaxPayloadSize        = 10 * 1024 * 1024
	minMaxConcurrentRequests = 1
	maxMaxConcurrentRequests = 50

	minBufferSize    = 1
	minFlushInterval = time.Second
	minTimeout       = time.Second
	minRetryAttempts = 0
)

// Configuration keys accepted by Config.Set.
const (
	KeyBufferSize            = "buffer_size"
	KeyFlushInterval         = "flush_interval"
	KeyTimeout               = "timeout"
	KeyRetryAttempts         = "retry_attempts"
	KeyEnabled               = "enabled"
	KeyTransport             = "transport"
	KeyCompress              = "compress"
	KeyMaxPayloadSize        = "max_payload_size"
	KeyMaxConcurrentRequests = "max_concurrent_requests"
	KeyVersion               = "version"
	KeyAPIKey                = "api_key"
)

// protectedKeys cannot be changed after construction.
var protectedKeys = map[string]struct{}{
	KeyVersion:               {},
	KeyMaxPayloadSize:        {},
	KeyMaxConcurrentRequests: {},
	KeyAPIKey:                {},
}

// Options holds caller overrides for a Client. Start from DefaultOptions and modify it with
// Option functions; validation happens when the Client is created.
type Options struct {
	BufferSize            int
	FlushInterval         time.Duration
	Timeout               time.Duration
	RetryAttempts         int
	MaxPayloadSize        int
	MaxConcurrentRequests int
	Transport             string
	BaseURL               string
	// Endpoint is the metric ingestion URL. Empty means BaseURL + "/api/metric".
	Endpoint string
	// TempDir receives oversized payloads of the detached transport. Empty means os.TempDir().
	TempDir  string
	Enabled  bool
	Compress bool

	Logger     zerolog.Logger
	Dispatcher Dispatcher
	Launcher   Launcher
	FlushSink  FlushSink

	// Now overrides the clock used by the flush policy.
	Now func() time.Time
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		BufferSize:            defaultBufferSize,
		FlushInterval:         defaultFlushInterval,
		Timeout:               defaultTimeout,
		RetryAttempts:         defaultRetryAttempts,
		MaxPayloadSize:        defaultMaxPayloadSize,
		MaxConcurrentRequests: defaultMaxConcurrentRequests,
		Transport:             TransportDetached.String(),
		BaseURL:               DefaultBaseURL,
		Enabled:               true,
		Logger:                log.Logger.With().Str("component", "outboundiq").Logger(),
	}
}

// Option is a functional option for a Client.
type Option func(*Options)

// WithBufferSize sets the number of buffered calls that triggers a flush.
func WithBufferSize(n int) Option {
	return func(o *Options) { o.BufferSize = n }
}

// WithFlushInterval sets the maximum time between flushes.
func WithFlushInterval(d time.Duration) Option {
	return func(o *Options) { o.FlushInterval = d }
}

// WithTimeout sets the delivery timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithRetryAttempts sets the number of transport-level retries.
func WithRetryAttempts(n int) Option {
	return func(o *Options) { o.RetryAttempts = n }
}

// WithMaxPayloadSize sets the largest payload, in bytes, that is sent inline.
func WithMaxPayloadSize(n int) Option {
	return func(o *Options) { o.MaxPayloadSize = n }
}

// WithMaxConcurrentRequests bounds the number of detached transfers in flight.
func WithMaxConcurrentRequests(n int) Option {
	return func(o *Options) { o.MaxConcurrentRequests = n }
}

// WithTransport selects the delivery transport.
func WithTransport(kind TransportKind) Option {
	return func(o *Options) { o.Transport = kind.String() }
}

// WithBaseURL sets the API base URL.
func WithBaseURL(u string) Option {
	return func(o *Options) { o.BaseURL = u }
}

// WithEndpoint sets the metric ingestion URL.
func WithEndpoint(u string) Option {
	return func(o *Options) { o.Endpoint = u }
}

// WithTempDir sets the directory used for oversized detached payloads.
func WithTempDir(dir string) Option {
	return func(o *Options) { o.TempDir = dir }
}

// WithEnabled enables or disables the client.
func WithEnabled(enabled bool) Option {
	return func(o *Options) { o.Enabled = enabled }
}

// WithCompression gzips request bodies sent by the blocking transport.
func WithCompression(enabled bool) Option {
	return func(o *Options) { o.Compress = enabled }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithDispatcher registers the dispatcher used by the queue transport.
func WithDispatcher(d Dispatcher) Option {
	return func(o *Options) { o.Dispatcher = d }
}

// WithLauncher replaces the launcher used by the detached transport.
func WithLauncher(l Launcher) Option {
	return func(o *Options) { o.Launcher = l }
}

// WithFlushSink registers an observer of flush attempts.
func WithFlushSink(s FlushSink) Option {
	return func(o *Options) { o.FlushSink = s }
}

// WithClock overrides the clock used by the flush policy.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// ConfigSnapshot is an immutable copy of a Config, handed to transports and dispatchers.
type ConfigSnapshot struct {
	APIKey                string
	Version               string
	Endpoint              string
	BaseURL               string
	TempDir               string
	Transport             TransportKind
	BufferSize            int
	FlushInterval         time.Duration
	Timeout               time.Duration
	RetryAttempts         int
	MaxPayloadSize        int
	MaxConcurrentRequests int
	Enabled               bool
	Compress              bool
}

// UserAgent returns the User-Agent header value.
func (s ConfigSnapshot) UserAgent() string {
	return "OutboundIQ-Go/" + s.Version
}

// Config is the delivery policy of a Client: buffering thresholds, delivery settings and
// flush bookkeeping. It is safe for concurrent use.
type Config struct {
	mu sync.RWMutex

	// Fixed at construction
	apiKey                string
	version               string
	maxPayloadSize        int
	maxConcurrentRequests int
	baseURL               string
	endpoint              string
	tempDir               string
	now                   func() time.Time

	bufferSize    int
	flushInterval time.Duration
	timeout       time.Duration
	retryAttempts int
	transport     TransportKind
	enabled       bool
	compress      bool

	lastFlush time.Time
}

// NewConfig validates the options and creates a Config. Out-of-range payload and concurrency
// bounds, a malformed API key, an unknown transport and invalid URLs return an error wrapping
// ErrConfiguration. Other numeric options are clamped to their minimum.
func NewConfig(apiKey string, o Options) (*Config, error) {
	if err := validateAPIKey(apiKey); err != nil {
		return nil, err
	}
	if o.MaxPayloadSize < minMaxPayloadSize || o.MaxPayloadSize > maxMaxPayloadSize {
		return nil, configError(fmt.Errorf("max payload size must be between %d and %d bytes",
			minMaxPayloadSize, maxMaxPayloadSize))
	}
	if o.MaxConcurrentRequests < minMaxConcurrentRequests ||
		o.MaxConcurrentRequests > maxMaxConcurrentRequests {
		return nil, configError(fmt.Errorf("max concurrent requests must be between %d and %d",
			minMaxConcurrentRequests, maxMaxConcurrentRequests))
	}
	kind, err := ParseTransportKind(o.Transport)
	if err != nil {
		return nil, configError(err)
	}

	baseURL := o.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if err := validateURL(baseURL); err != nil {
		return nil, configError(fmt.Errorf("base URL: %w", err))
	}
	endpoint := strings.TrimSpace(o.Endpoint)
	if endpoint == "" {
		endpoint = baseURL + metricPath
	}
	if err := validateURL(endpoint); err != nil {
		return nil, configError(fmt.Errorf("endpoint: %w", err))
	}

	tempDir := o.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	now := o.Now
	if now == nil {
		now = time.Now
	}

	return &Config{
		apiKey:                apiKey,
		version:               Version,
		maxPayloadSize:        o.MaxPayloadSize,
		maxConcurrentRequests: o.MaxConcurrentRequests,
		baseURL:               baseURL,
		endpoint:              endpoint,
		tempDir:               tempDir,
		now:                   now,
		bufferSize:            max(minBufferSize, o.BufferSize),
		flushInterval:         max(minFlushInterval, o.FlushInterval),
		timeout:               max(minTimeout, o.Timeout),
		retryAttempts:         max(minRetryAttempts, o.RetryAttempts),
		transport:             kind,
		enabled:               o.Enabled && apiKey != "",
		compress:              o.Compress,
		lastFlush:             now(),
	}, nil
}

// validateAPIKey checks the shape of a non-empty API key.
func validateAPIKey(key string) error {
	if key == "" {
		return nil
	}
	if strings.TrimSpace(key) == "" || len(key) < minAPIKeyLength {
		return configError(ErrInvalidAPIKey)
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// ShouldFlush reports whether a buffer holding n calls should be flushed now: either the
// buffer size threshold is reached or the flush interval has elapsed since the last flush.
func (c *Config) ShouldFlush(n int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return n >= c.bufferSize || c.now().Sub(c.lastFlush) >= c.flushInterval
}

// MarkFlushed records that a flush attempt completed.
func (c *Config) MarkFlushed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFlush = c.now()
}

// LastFlush returns the time of the last completed flush attempt, or of construction.
func (c *Config) LastFlush() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastFlush
}

// Snapshot returns an immutable copy of the current configuration.
func (c *Config) Snapshot() ConfigSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConfigSnapshot{
		APIKey:                c.apiKey,
		Version:               c.version,
		Endpoint:              c.endpoint,
		BaseURL:               c.baseURL,
		TempDir:               c.tempDir,
		Transport:             c.transport,
		BufferSize:            c.bufferSize,
		FlushInterval:         c.flushInterval,
		Timeout:               c.timeout,
		RetryAttempts:         c.retryAttempts,
		MaxPayloadSize:        c.maxPayloadSize,
		MaxConcurrentRequests: c.maxConcurrentRequests,
		Enabled:               c.enabled,
		Compress:              c.compress,
	}
}

// APIKey returns the API key.
func (c *Config) APIKey() string { return c.apiKey }

// Version returns the SDK version.
func (c *Config) Version() string { return c.version }

// Endpoint returns the metric ingestion URL.
func (c *Config) Endpoint() string { return c.endpoint }

// BaseURL returns the API base URL.
func (c *Config) BaseURL() string { return c.baseURL }

// TempDir returns the directory used for oversized detached payloads.
func (c *Config) TempDir() string { return c.tempDir }

// MaxPayloadSize returns the largest payload, in bytes, that is sent inline.
func (c *Config) MaxPayloadSize() int { return c.maxPayloadSize }

// MaxConcurrentRequests returns the bound on detached transfers in flight.
func (c *Config) MaxConcurrentRequests() int { return c.maxConcurrentRequests }

// BufferSize returns the buffer size threshold.
func (c *Config) BufferSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bufferSize
}

// FlushInterval returns the flush interval threshold.
func (c *Config) FlushInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flushInterval
}

// Timeout returns the delivery timeout.
func (c *Config) Timeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeout
}

// RetryAttempts returns the number of transport-level retries.
func (c *Config) RetryAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retryAttempts
}

// Transport returns the selected transport.
func (c *Config) Transport() TransportKind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport
}

// Enabled reports whether tracking is enabled.
func (c *Config) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// Compress reports whether blocking request bodies are gzipped.
func (c *Config) Compress() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.compress
}

// SetBufferSize sets the buffer size threshold, clamped to at least 1.
func (c *Config) SetBufferSize(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bufferSize = max(minBufferSize, n)
}

// SetFlushInterval sets the flush interval, clamped to at least one second.
func (c *Config) SetFlushInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushInterval = max(minFlushInterval, d)
}

// SetTimeout sets the delivery timeout, clamped to at least one second.
func (c *Config) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = max(minTimeout, d)
}

// SetRetryAttempts sets the retry count, clamped to at least 0.
func (c *Config) SetRetryAttempts(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryAttempts = max(minRetryAttempts, n)
}

// SetEnabled enables or disables tracking. A Config without an API key stays disabled.
func (c *Config) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled && c.apiKey != ""
}

// SetTransport selects the transport used from the next flush on.
func (c *Config) SetTransport(kind TransportKind) error {
	if !kind.valid() {
		return configError(fmt.Errorf("unknown transport %d", kind))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = kind
	return nil
}

// compareAndSetTransport selects next only while old is still the selected transport, so a
// concurrent Set is not overwritten. It reports whether the swap happened.
func (c *Config) compareAndSetTransport(old, next TransportKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != old {
		return false
	}
	c.transport = next
	return true
}

// SetCompress toggles gzip compression of blocking request bodies.
func (c *Config) SetCompress(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compress = enabled
}

// Set updates a single configuration value by key. Protected and unknown keys, and values of
// the wrong type, return an error wrapping ErrConfiguration. Durations accept a time.Duration
// or a whole number of seconds.
func (c *Config) Set(key string, value any) error {
	if _, protected := protectedKeys[key]; protected {
		return configError(fmt.Errorf("cannot modify protected property: %s", key))
	}

	switch key {
	case KeyBufferSize:
		n, ok := toInt(value)
		if !ok {
			return typeError(key, value)
		}
		c.SetBufferSize(n)
	case KeyFlushInterval:
		d, ok := toDuration(value)
		if !ok {
			return typeError(key, value)
		}
		c.SetFlushInterval(d)
	case KeyTimeout:
		d, ok := toDuration(value)
		if !ok {
			return typeError(key, value)
		}
		c.SetTimeout(d)
	case KeyRetryAttempts:
		n, ok := toInt(value)
		if !ok {
			return typeError(key, value)
		}
		c.SetRetryAttempts(n)
	case KeyEnabled:
		b, ok := value.(bool)
		if !ok {
			return typeError(key, value)
		}
		c.SetEnabled(b)
	case KeyCompress:
		b, ok := value.(bool)
		if !ok {
			return typeError(key, value)
		}
		c.SetCompress(b)
	case KeyTransport:
		switch v := value.(type) {
		case TransportKind:
			return c.SetTransport(v)
		case string:
			kind, err := ParseTransportKind(v)
			if err != nil {
				return configError(err)
			}
			return c.SetTransport(kind)
		default:
			return typeError(key, value)
		}
	default:
		return configError(fmt.Errorf("unknown configuration key: %s", key))
	}
	return nil
}

func typeError(key string, value any) error {
	return configError(fmt.Errorf("invalid value type %T for %s", value, key))
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int8:
		return int(v), true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		if v < math.MinInt || v > math.MaxInt {
			return 0, false
		}
		return int(v), true
	case uint:
		if v > math.MaxInt {
			return 0, false
		}
		return int(v), true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		if uint64(v) > math.MaxInt {
			return 0, false
		}
		return int(v), true
	case uint64:
		if v > math.MaxInt {
			return 0, false
		}
		return int(v), true
	case float64:
		// float64(math.MaxInt) rounds up, so the upper bound is exclusive
		if v != math.Trunc(v) || v < math.MinInt || v >= math.MaxInt {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}

// maxDurationSeconds is the largest whole number of seconds a time.Duration holds.
const maxDurationSeconds = int64(math.MaxInt64 / time.Second)

func toDuration(value any) (time.Duration, bool) {
	if d, ok := value.(time.Duration); ok {
		return d, true
	}
	n, ok := toInt(value)
	if !ok || int64(n) > maxDurationSeconds || int64(n) < -maxDurationSeconds {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}
