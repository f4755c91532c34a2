package outboundiq

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/base64x"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// Client buffers captured outbound calls and delivers them in batches to the OutboundIQ
// collector. Track and Flush never return delivery errors: telemetry is best-effort and must
// not interfere with the host application.
//
// Buffered calls are only sent when a threshold is reached, so the host must call Close
// before exiting to deliver the remainder.
type Client struct {
	cfg    *Config
	opts   Options
	logger zerolog.Logger

	// mu serializes append-and-maybe-flush; flushes never overlap.
	mu        sync.Mutex
	buffer    []APICall
	transport Transport

	// disabled is set once in New for clients without an API key.
	disabled bool

	// queries sends the read API requests.
	queries *BlockingTransport

	stats     clientStats
	closeOnce sync.Once
}

type clientStats struct {
	tracked   atomic.Uint64
	rejected  atomic.Uint64
	flushes   atomic.Uint64
	delivered atomic.Uint64
	delegated atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// Stats is a point-in-time copy of the client counters.
type Stats struct {
	// Tracked is the number of calls accepted into the buffer.
	Tracked uint64
	// Rejected is the number of calls refused for missing fields or an excluded URL.
	Rejected uint64
	// Flushes is the number of flush attempts on a non-empty buffer.
	Flushes uint64
	// Delivered, Delegated and Failed count flush attempts by outcome.
	Delivered uint64
	Delegated uint64
	Failed    uint64
	// DroppedRecords is the number of calls lost in failed flushes.
	DroppedRecords uint64
}

// New creates a Client. An empty apiKey, or WithEnabled(false), yields a disabled client whose
// operations are no-ops. Invalid options return an error wrapping ErrConfiguration; no network
// activity happens before construction succeeds.
func New(apiKey string, opts ...Option) (*Client, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := NewConfig(apiKey, o)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		opts:    o,
		logger:  o.Logger,
		queries: NewBlockingTransport(o.Logger),
	}
	if apiKey == "" {
		c.disabled = true
		c.logger.Info().Msg("no API key provided, client disabled")
		return c, nil
	}

	c.transport, err = newTransport(cfg.Transport(), cfg.Snapshot(), o)
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("transport", cfg.Transport().String()).
		Str("endpoint", cfg.Endpoint()).
		Int("buffer_size", cfg.BufferSize()).
		Dur("flush_interval", cfg.FlushInterval()).
		Bool("enabled", cfg.Enabled()).
		Msg("client initialized")
	return c, nil
}

// Config returns the delivery policy of the client. Changes made through it apply from the
// next tracked call or flush on.
func (c *Client) Config() *Config {
	return c.cfg
}

// Enabled reports whether the client accepts calls.
func (c *Client) Enabled() bool {
	return c.cfg.Enabled()
}

// Enable turns tracking on. A client without an API key stays disabled.
func (c *Client) Enable() {
	c.cfg.SetEnabled(true)
}

// Disable turns tracking off. Already buffered calls are still delivered by Flush and Close.
func (c *Client) Disable() {
	c.cfg.SetEnabled(false)
}

// Len returns the number of buffered calls.
func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Stats returns a copy of the client counters.
func (c *Client) Stats() Stats {
	return Stats{
		Tracked:        c.stats.tracked.Load(),
		Rejected:       c.stats.rejected.Load(),
		Flushes:        c.stats.flushes.Load(),
		Delivered:      c.stats.delivered.Load(),
		Delegated:      c.stats.delegated.Load(),
		Failed:         c.stats.failed.Load(),
		DroppedRecords: c.stats.dropped.Load(),
	}
}

// TrackAPICall builds an APICall from its parts and tracks it.
func (c *Client) TrackAPICall(
	url, method string,
	durationMs float64,
	statusCode int,
	opts ...CallOption,
) {
	if !c.Enabled() {
		return
	}
	c.Track(NewAPICall(url, method, durationMs, statusCode, opts...))
}

// Track adds the call to the buffer and flushes inline when the buffer size or flush interval
// threshold is reached. An inline flush blocks for at most the configured timeout. Calls lacking a URL or method, and calls to the collector itself or to
// a loopback host, are dropped.
func (c *Client) Track(call APICall) {
	if !c.Enabled() {
		return
	}
	if err := call.Validate(); err != nil {
		c.stats.rejected.Inc()
		c.logger.Debug().Err(err).Str("url", call.URL).Msg("call dropped")
		return
	}
	if c.excluded(call.URL) {
		c.stats.rejected.Inc()
		c.logger.Debug().Str("url", call.URL).Msg("call to excluded URL dropped")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = append(c.buffer, call)
	c.stats.tracked.Inc()
	if c.cfg.ShouldFlush(len(c.buffer)) {
		c.flushLocked(context.Background())
	}
}

// excluded reports whether calls to rawURL must not be tracked: the collector endpoint itself
// and loopback hosts.
func (c *Client) excluded(rawURL string) bool {
	if rawURL == c.cfg.Endpoint() || strings.HasPrefix(rawURL, c.cfg.BaseURL()+"/") {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Flush delivers all buffered calls. It never returns an error; see FlushContext.
func (c *Client) Flush() {
	c.FlushContext(context.Background())
}

// FlushContext delivers all buffered calls with the active transport. The buffer is cleared
// whatever the outcome: a failed batch is dropped, not retried. Blocking delivery, including
// its retries, and dispatching are bounded by ctx and by the configured timeout.
func (c *Client) FlushContext(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked(ctx)
}

// flushLocked performs one flush attempt. The caller must hold c.mu.
func (c *Client) flushLocked(ctx context.Context) {
	if len(c.buffer) == 0 || c.transport == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	records := c.buffer
	start := time.Now()
	report := FlushReport{Records: len(records), Outcome: OutcomeFailed}

	defer func() {
		if r := recover(); r != nil {
			report.Outcome = OutcomeFailed
			report.Err = fmt.Sprintf("panic: %v", r)
			c.logger.Error().Interface("panic", r).Msg("recovered from panic during flush")
		}
		c.cfg.MarkFlushed()
		// The records may still be referenced by a dispatcher, so start a new backing array
		c.buffer = nil
		report.Duration = time.Since(start)
		c.record(report)
	}()

	transport := c.activeTransport()
	report.Transport = transport.Kind()

	batch, err := newBatch(records)
	if err != nil {
		report.Err = err.Error()
		c.logger.Warn().Err(err).Int("records", len(records)).
			Msg("batch serialization failed, batch dropped")
		return
	}
	report.PayloadBytes = base64x.StdEncoding.EncodedLen(len(batch.JSON))

	outcome, err := transport.Deliver(ctx, batch, c.cfg.Snapshot())
	report.Outcome = outcome
	if err != nil {
		report.Outcome = OutcomeFailed
		report.Err = err.Error()
	}
}

// activeTransport returns the transport matching the configured kind, rebuilding it when the
// configuration changed since the last flush. If the new transport cannot be built the
// previous one stays active and the configuration is reverted to its kind.
func (c *Client) activeTransport() Transport {
	kind := c.cfg.Transport()
	if c.transport.Kind() == kind {
		return c.transport
	}
	t, err := newTransport(kind, c.cfg.Snapshot(), c.opts)
	if err != nil {
		c.logger.Warn().Err(err).
			Str("from", c.transport.Kind().String()).
			Str("to", kind.String()).
			Msg("transport switch failed, keeping current transport")
		_ = c.cfg.compareAndSetTransport(kind, c.transport.Kind())
		return c.transport
	}
	c.logger.Info().Str("from", c.transport.Kind().String()).Str("to", kind.String()).
		Msg("transport switched")
	c.transport = t
	return t
}

// record updates the counters and notifies the flush sink.
func (c *Client) record(report FlushReport) {
	c.stats.flushes.Inc()
	switch report.Outcome {
	case OutcomeDelivered:
		c.stats.delivered.Inc()
	case OutcomeDelegated:
		c.stats.delegated.Inc()
	default:
		c.stats.failed.Inc()
		c.stats.dropped.Add(uint64(report.Records))
	}

	if c.opts.FlushSink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("recovered from panic in flush sink")
		}
	}()
	c.opts.FlushSink.ObserveFlush(report)
}

// Close delivers the remaining buffered calls, bounded by the configured timeout. It is the
// shutdown hook of the client and must be called before the host process exits. Close is
// idempotent and always returns nil; the error return satisfies io.Closer.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout())
		defer cancel()
		c.FlushContext(ctx)
		c.logger.Debug().Msg("client closed")
	})
	return nil
}
