package outboundiq

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/base64x"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "oiq_test_0123456789abcdef0123456789abcdef"

//
// Mocks
//

// collectedRequest is one request received by a collector.
type collectedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// collector is a test collector endpoint that records every request.
type collector struct {
	*httptest.Server

	mu       sync.Mutex
	requests []collectedRequest
	statuses []int // consumed one per request; the last one repeats
}

// newCollector starts a collector answering with the given status codes in turn. Without
// statuses it answers 200.
func newCollector(t *testing.T, statuses ...int) *collector {
	t.Helper()
	c := &collector{statuses: statuses}
	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.requests = append(c.requests, collectedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
			Body:   body,
		})
		status := http.StatusOK
		if len(c.statuses) > 0 {
			status = c.statuses[0]
			if len(c.statuses) > 1 {
				c.statuses = c.statuses[1:]
			}
		}
		c.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(c.Close)
	return c
}

// Endpoint returns the metric ingestion URL of the collector.
func (c *collector) Endpoint() string {
	return c.URL + metricPath
}

func (c *collector) Requests() []collectedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]collectedRequest(nil), c.requests...)
}

func (c *collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// recordingLauncher records invocations instead of running them. The content of payload
// files is captured at launch time.
type recordingLauncher struct {
	mu          sync.Mutex
	invocations []Invocation
	fileData    [][]byte
	err         error
}

func (l *recordingLauncher) Launch(inv Invocation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	var data []byte
	if inv.PayloadFile != "" {
		data, _ = os.ReadFile(inv.PayloadFile)
	}
	l.invocations = append(l.invocations, inv)
	l.fileData = append(l.fileData, data)
	return nil
}

func (l *recordingLauncher) Invocations() []Invocation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Invocation(nil), l.invocations...)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubFlushSink struct {
	mu      sync.Mutex
	reports []FlushReport
}

func (s *stubFlushSink) ObserveFlush(r FlushReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
}

func (s *stubFlushSink) Reports() []FlushReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FlushReport(nil), s.reports...)
}

//
// Helper functions
//

// newTestClient creates an enabled client delivering with the blocking transport and no
// retries. opts are applied last.
func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	defaults := []Option{
		WithLogger(zerolog.Nop()),
		WithTransport(TransportBlocking),
		WithRetryAttempts(0),
	}
	c, err := New(testAPIKey, append(defaults, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// testSnapshot returns the configuration snapshot for the given options.
func testSnapshot(t *testing.T, opts ...Option) ConfigSnapshot {
	t.Helper()
	o := DefaultOptions()
	o.Logger = zerolog.Nop()
	for _, opt := range opts {
		opt(&o)
	}
	cfg, err := NewConfig(testAPIKey, o)
	require.NoError(t, err)
	return cfg.Snapshot()
}

// decodePayload reverses the transmitted encoding of a batch, gunzipping first when the
// request was compressed, and returns the decoded records.
func decodePayload(t *testing.T, req collectedRequest) []map[string]any {
	t.Helper()
	body := req.Body
	if req.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		require.NoError(t, err)
		body, err = io.ReadAll(zr)
		require.NoError(t, err)
	}
	raw, err := base64x.StdEncoding.DecodeString(string(body))
	require.NoError(t, err)
	var records []map[string]any
	require.NoError(t, sonic.Unmarshal(raw, &records))
	return records
}

// bufferedCalls returns a copy of the buffer of c.
func bufferedCalls(c *Client) []APICall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]APICall(nil), c.buffer...)
}

func testCall(path string) APICall {
	return NewAPICall("https://api.example.com"+path, http.MethodGet, 12.5, http.StatusOK)
}
