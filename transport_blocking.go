package outboundiq

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

const (
	// defaultRetryBackoff is the wait before the first retry; it doubles on every retry.
	defaultRetryBackoff = time.Second

	// maxErrorBodySize bounds how much of a failed response body is kept for logging.
	maxErrorBodySize = 1024
)

// StatusError is returned when the collector answers with a non-2xx status code.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector responded with status %d", e.StatusCode)
	}
	return fmt.Sprintf("collector responded with status %d: %s", e.StatusCode, e.Body)
}

// BlockingTransport sends each batch with one blocking HTTPS POST before returning. Failed
// attempts are retried at the transport level up to the configured retry count.
type BlockingTransport struct {
	logger       zerolog.Logger
	retryBackoff time.Duration

	mu       sync.Mutex
	client   *http.Client
	timeouts DeliveryTimeouts
}

// NewBlockingTransport creates a BlockingTransport.
func NewBlockingTransport(logger zerolog.Logger) *BlockingTransport {
	return &BlockingTransport{
		logger:       logger,
		retryBackoff: defaultRetryBackoff,
	}
}

// Kind returns TransportBlocking.
func (*BlockingTransport) Kind() TransportKind { return TransportBlocking }

func (*BlockingTransport) sealed() {}

// Deliver sends the encoded batch to the collector.
func (t *BlockingTransport) Deliver(
	ctx context.Context,
	batch Batch,
	cfg ConfigSnapshot,
) (Outcome, error) {
	if err := t.Send(ctx, batch.Encoded(), cfg); err != nil {
		logDeliveryError(t.logger, batch, err)
		return OutcomeFailed, err
	}
	t.logger.Debug().Int("records", batch.Len()).Msg("batch delivered")
	return OutcomeDelivered, nil
}

// Send posts an already encoded payload to the collector. Queue workers use it to deliver
// batches handed to a Dispatcher.
func (t *BlockingTransport) Send(ctx context.Context, payload []byte, cfg ConfigSnapshot) error {
	req := deliveryRequest{
		endpoint:      cfg.Endpoint,
		header:        deliveryHeader(cfg),
		body:          payload,
		timeout:       cfg.Timeout,
		retryAttempts: cfg.RetryAttempts,
	}
	if cfg.Compress {
		compressed, err := gzipPayload(payload)
		if err != nil {
			return fmt.Errorf("compressing payload: %w", err)
		}
		req.body = compressed
		req.header.Set("Content-Encoding", "gzip")
	}
	return t.send(ctx, req)
}

// deliveryRequest is one POST to the collector, including its retry budget.
type deliveryRequest struct {
	endpoint      string
	header        http.Header
	body          []byte
	timeout       time.Duration
	retryAttempts int
}

// send performs the request, retrying transient failures with exponential backoff.
func (t *BlockingTransport) send(ctx context.Context, r deliveryRequest) error {
	timeouts := deliveryTimeouts(r.timeout)
	if err := timeouts.Validate(); err != nil {
		return err
	}
	client := t.httpClient(timeouts)
	backoff := t.retryBackoff
	maxAttempts := r.retryAttempts + 1

	for attempt := 1; ; attempt++ {
		status, err := t.post(ctx, client, r.endpoint, r.header, r.body)
		if err == nil {
			return nil
		}
		if attempt >= maxAttempts || !retryable(ctx, status, err) {
			return err
		}
		t.logger.Debug().Err(err).Int("attempt", attempt).Dur("backoff", backoff).
			Msg("delivery attempt failed, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		}
		backoff *= 2
	}
}

// backoffBudget returns the total time spent waiting between retries.
func (t *BlockingTransport) backoffBudget(retryAttempts int) time.Duration {
	var total time.Duration
	backoff := t.retryBackoff
	for i := 0; i < retryAttempts; i++ {
		total += backoff
		backoff *= 2
	}
	return total
}

// post performs one POST and returns the status code, which is zero on network errors.
func (*BlockingTransport) post(
	ctx context.Context,
	client *http.Client,
	endpoint string,
	header http.Header,
	body []byte,
) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Drain to maximize connection reuse
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
}

// httpClient returns a client for the given timeouts, reusing the previous one when the
// timeouts did not change.
func (t *BlockingTransport) httpClient(timeouts DeliveryTimeouts) *http.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil && t.timeouts == timeouts {
		return t.client
	}
	t.client = newDeliveryClient(timeouts)
	t.timeouts = timeouts
	return t.client
}

// newDeliveryClient creates an HTTP client with certificate verification enabled and a dial
// timeout shorter than the total timeout.
func newDeliveryClient(timeouts DeliveryTimeouts) *http.Client {
	// Built from scratch: hosts may replace http.DefaultTransport, e.g. with WrapTransport
	dialer := &net.Dialer{Timeout: timeouts.Dial, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeouts.TLSHandshake,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &http.Client{Transport: tr, Timeout: timeouts.Total}
}

// deliveryHeader returns the headers sent with every delivery.
func deliveryHeader(cfg ConfigSnapshot) http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+cfg.APIKey)
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", cfg.UserAgent())
	return h
}

// retryable reports whether a failed attempt may be retried. Mirrors the transient failures
// curl retries on: network errors, timeouts, 408, 429 and 5xx gateway errors.
func retryable(ctx context.Context, status int, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if status == 0 {
		return err != nil
	}
	switch status {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func gzipPayload(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
