package outboundiq

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"os"
	"time"
)

const (
	captureRequestType = "net/http"

	// maxCapturedBodySize bounds how much of a request or response body is recorded.
	maxCapturedBodySize = 16 * 1024
)

// Error types recorded for failed calls.
const (
	ErrorTypeTimeout    = "timeout"
	ErrorTypeDNS        = "dns_error"
	ErrorTypeConnection = "connection_error"
	ErrorTypeHTTP       = "http_error"
	ErrorTypeUnknown    = "unknown_error"
)

// WrapTransport returns an http.RoundTripper that tracks every call made through base. A nil
// base means http.DefaultTransport. A call is tracked once its response body is read to the
// end or closed, or as soon as the round trip fails.
func (c *Client) WrapTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &captureTransport{base: base, client: c}
}

type captureTransport struct {
	base   http.RoundTripper
	client *Client
}

// RoundTrip implements http.RoundTripper.
func (t *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rawURL := req.URL.String()
	if !t.client.Enabled() || t.client.excluded(rawURL) {
		return t.base.RoundTrip(req)
	}

	start := time.Now()
	times := &traceTimes{}
	traced := req.WithContext(httptrace.WithClientTrace(req.Context(), traceRequest(times)))

	opts := []CallOption{
		WithRequestType(captureRequestType),
		WithRequestHeaders(HeadersFromHTTP(req.Header)),
		WithRequestBody(requestBody(req)),
		WithUserContext(UserContextFrom(req.Context())),
	}

	resp, err := t.base.RoundTrip(traced)
	if err != nil {
		ts := times.snapshot(start)
		ts.dataDone = time.Now()
		opts = append(opts, WithCallError(err.Error(), classifyError(err)))
		t.track(rawURL, req.Method, ts, 0, opts)
		return nil, err
	}

	opts = append(opts, WithResponseHeaders(HeadersFromHTTP(resp.Header)))
	if resp.StatusCode >= http.StatusBadRequest {
		opts = append(opts, WithCallError(resp.Status, ErrorTypeHTTP))
	}

	captured := &limitedBuffer{limit: maxCapturedBodySize}
	status := resp.StatusCode
	resp.Body = &timedReadCloser{
		rc: &teeReadCloser{rc: resp.Body, w: captured},
		doneFn: func() {
			ts := times.snapshot(start)
			ts.dataDone = time.Now()
			t.track(rawURL, req.Method, ts, status, append(opts, WithResponseBody(captured.Bytes())))
		},
	}
	return resp, nil
}

func (t *captureTransport) track(
	rawURL, method string,
	ts requestTimestamps,
	status int,
	opts []CallOption,
) {
	dns, connect := ts.connectMs()
	duration := ts.durationMs()
	t.client.logger.Debug().
		Str("url", rawURL).
		Int("status", status).
		Float64("duration_ms", duration).
		Float64("dns_ms", dns).
		Float64("connect_ms", connect).
		Msg("call captured")
	t.client.Track(NewAPICall(rawURL, method, duration, status, opts...))
}

// requestBody returns up to maxCapturedBodySize bytes of the request body without consuming
// it, or nil when the body cannot be replayed.
func requestBody(req *http.Request) []byte {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil
	}
	defer func() {
		_ = body.Close()
	}()
	data, err := io.ReadAll(io.LimitReader(body, maxCapturedBodySize))
	if err != nil {
		return nil
	}
	return data
}

// classifyError maps a round trip error to an error type.
func classifyError(err error) string {
	var dnsErr *net.DNSError
	var netErr net.Error
	var opErr *net.OpError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ErrorTypeTimeout
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout {
			return ErrorTypeTimeout
		}
		return ErrorTypeDNS
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrorTypeTimeout
	case errors.As(err, &opErr):
		return ErrorTypeConnection
	default:
		return ErrorTypeUnknown
	}
}

// teeReadCloser writes everything read from rc to w.
type teeReadCloser struct {
	rc io.ReadCloser
	w  io.Writer
}

func (t *teeReadCloser) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 {
		_, _ = t.w.Write(p[:n])
	}
	return n, err
}

func (t *teeReadCloser) Close() error {
	return t.rc.Close()
}

// limitedBuffer keeps the first limit bytes written to it and discards the rest.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		b.buf.Write(p[:min(len(p), room)])
	}
	return len(p), nil
}

// Bytes returns the kept bytes, or nil if nothing was written.
func (b *limitedBuffer) Bytes() []byte {
	if b.buf.Len() == 0 {
		return nil
	}
	return bytes.Clone(b.buf.Bytes())
}

type userContextKey struct{}

// ContextWithUser attaches user context to ctx. Calls captured by WrapTransport for requests
// carrying ctx record it, e.g. {"user_id": 42, "user_type": "customer"}.
func ContextWithUser(ctx context.Context, userContext map[string]any) context.Context {
	return context.WithValue(ctx, userContextKey{}, userContext)
}

// UserContextFrom returns the user context attached with ContextWithUser, or nil.
func UserContextFrom(ctx context.Context) map[string]any {
	uc, _ := ctx.Value(userContextKey{}).(map[string]any)
	return uc
}

