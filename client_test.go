package outboundiq

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientThresholdScenario(t *testing.T) {
	server := newCollector(t)
	c := newTestClient(t, WithEndpoint(server.Endpoint()), WithBufferSize(2))

	c.Track(testCall("/1"))
	assert.Equal(t, 1, c.Len())
	assert.Zero(t, server.Count())

	c.Track(testCall("/2"))
	assert.Equal(t, 0, c.Len())
	require.Equal(t, 1, server.Count())
	assert.Len(t, decodePayload(t, server.Requests()[0]), 2)

	c.Track(testCall("/3"))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, server.Count())

	stats := c.Stats()
	assert.Equal(t, uint64(3), stats.Tracked)
	assert.Equal(t, uint64(1), stats.Flushes)
	assert.Equal(t, uint64(1), stats.Delivered)
}

func TestClientTimeThreshold(t *testing.T) {
	server := newCollector(t)
	clock := newFakeClock()
	c := newTestClient(t,
		WithEndpoint(server.Endpoint()),
		WithFlushInterval(time.Minute),
		WithClock(clock.Now),
	)

	c.Track(testCall("/1"))
	assert.Equal(t, 1, c.Len())

	clock.Advance(time.Minute)
	c.Track(testCall("/2"))
	assert.Equal(t, 0, c.Len())
	require.Equal(t, 1, server.Count())
	assert.Len(t, decodePayload(t, server.Requests()[0]), 2)
	assert.Equal(t, clock.Now(), c.Config().LastFlush())

	c.Track(testCall("/3"))
	assert.Equal(t, 1, c.Len(), "the interval restarts after a flush")
}

func TestClientAllOrNothing(t *testing.T) {
	server := newCollector(t)
	clock := newFakeClock()
	sink := &stubFlushSink{}
	c := newTestClient(t,
		WithEndpoint(server.Endpoint()),
		WithBufferSize(3),
		WithClock(clock.Now),
		WithFlushSink(sink),
	)

	clock.Advance(time.Second)
	c.Track(testCall("/1"))
	c.Track(NewAPICall("https://api.example.com/2", http.MethodGet, math.NaN(), 200))
	c.Track(testCall("/3"))

	assert.Zero(t, server.Count(), "no record of a poisoned batch is delivered")
	assert.Zero(t, c.Len())
	assert.Equal(t, clock.Now(), c.Config().LastFlush(), "a failed serialization still marks the flush")

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(3), stats.DroppedRecords)

	reports := sink.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, OutcomeFailed, reports[0].Outcome)
	assert.Equal(t, 3, reports[0].Records)
	assert.NotEmpty(t, reports[0].Err)
}

func TestClientRejectsInvalidRecords(t *testing.T) {
	server := newCollector(t)
	c := newTestClient(t, WithEndpoint(server.Endpoint()), WithBufferSize(1))

	c.Track(NewAPICall("", http.MethodGet, 1, 200))
	c.TrackAPICall("https://api.example.com", "", 1, 200)

	assert.Zero(t, c.Len())
	assert.Zero(t, server.Count())
	assert.Equal(t, uint64(2), c.Stats().Rejected)
	assert.Zero(t, c.Stats().Flushes)
}

func TestClientExcludesURLs(t *testing.T) {
	c := newTestClient(t, WithBaseURL("https://collector.example.com"))

	for _, u := range []string{
		"https://collector.example.com/api/metric",
		"https://collector.example.com/v1/recommend/payments",
		"http://localhost:8080/health",
		"http://127.0.0.1/",
		"http://[::1]:9000/",
	} {
		c.TrackAPICall(u, http.MethodGet, 1, 200)
	}
	assert.Zero(t, c.Len())
	assert.Equal(t, uint64(5), c.Stats().Rejected)

	c.TrackAPICall("https://collector.example.com.evil.io/", http.MethodGet, 1, 200)
	assert.Equal(t, 1, c.Len())
}

func TestClientNeverThrows(t *testing.T) {
	testCases := []struct {
		name     string
		endpoint string
	}{
		{name: "invalid host", endpoint: "http://collector.invalid/api/metric"},
		{name: "refused connection", endpoint: "http://127.0.0.1:1/api/metric"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, WithEndpoint(tc.endpoint), WithTimeout(time.Second))
			c.Track(testCall("/1"))
			c.Track(testCall("/2"))

			require.NotPanics(t, c.Flush)
			assert.Zero(t, c.Len())
			assert.Equal(t, uint64(1), c.Stats().Failed)
		})
	}
}

func TestClientFlushEmptyBuffer(t *testing.T) {
	clock := newFakeClock()
	sink := &stubFlushSink{}
	c := newTestClient(t, WithClock(clock.Now), WithFlushSink(sink))
	last := c.Config().LastFlush()

	clock.Advance(time.Second)
	c.Flush()

	assert.Equal(t, last, c.Config().LastFlush(), "an empty flush does not mark the policy")
	assert.Empty(t, sink.Reports())
	assert.Zero(t, c.Stats().Flushes)
}

func TestClientClose(t *testing.T) {
	server := newCollector(t)
	c := newTestClient(t, WithEndpoint(server.Endpoint()))

	c.Track(testCall("/1"))
	c.Track(testCall("/2"))
	require.NoError(t, c.Close())
	assert.Zero(t, c.Len())
	require.Equal(t, 1, server.Count())

	require.NoError(t, c.Close())
	assert.Equal(t, 1, server.Count(), "close is idempotent")
}

func TestClientCloseIsBoundedByTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := newTestClient(t, WithEndpoint(server.URL), WithTimeout(time.Second), WithRetryAttempts(3))
	c.Track(testCall("/1"))

	start := time.Now()
	require.NoError(t, c.Close())
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Zero(t, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Failed)
}

func TestClientInlineFlushIsBoundedByTimeout(t *testing.T) {
	testCases := []struct {
		name  string
		track func(t *testing.T, c *Client)
	}{
		{
			name:  "threshold flush in Track",
			track: func(_ *testing.T, c *Client) { c.Track(testCall("/1")) },
		},
		{
			name: "explicit Flush",
			track: func(t *testing.T, c *Client) {
				require.NoError(t, c.Config().Set(KeyBufferSize, 10))
				c.Track(testCall("/1"))
				c.Flush()
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := newCollector(t, http.StatusServiceUnavailable)
			c := newTestClient(t,
				WithEndpoint(server.Endpoint()),
				WithTimeout(time.Second),
				WithRetryAttempts(3),
				WithBufferSize(1),
			)

			start := time.Now()
			tc.track(t, c)
			elapsed := time.Since(start)

			assert.Less(t, elapsed, 2*time.Second, "retries and backoff share the timeout")
			assert.GreaterOrEqual(t, server.Count(), 1)
			assert.Less(t, server.Count(), 4)
			assert.Zero(t, c.Len())
			assert.Equal(t, uint64(1), c.Stats().Failed)
		})
	}
}

func TestClientWithWrappedDefaultTransport(t *testing.T) {
	server := newCollector(t)
	c := newTestClient(t, WithBaseURL(server.URL))

	orig := http.DefaultTransport
	http.DefaultTransport = c.WrapTransport(orig)
	t.Cleanup(func() { http.DefaultTransport = orig })

	c.Track(testCall("/1"))
	require.NotPanics(t, c.Flush)
	assert.Equal(t, 1, server.Count())
	assert.Equal(t, uint64(1), c.Stats().Delivered)

	got, err := c.Recommend(context.Background(), "payments")
	require.NoError(t, err)
	assert.Equal(t, "ok", got["status"])
}

func TestClientDisabled(t *testing.T) {
	testCases := []struct {
		name   string
		apiKey string
		opts   []Option
	}{
		{name: "no API key", apiKey: ""},
		{name: "explicitly disabled", apiKey: testAPIKey, opts: []Option{WithEnabled(false)}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := newCollector(t)
			opts := append([]Option{
				WithTransport(TransportBlocking),
				WithEndpoint(server.Endpoint()),
				WithBufferSize(1),
			}, tc.opts...)
			c, err := New(tc.apiKey, opts...)
			require.NoError(t, err)

			assert.False(t, c.Enabled())
			c.Track(testCall("/1"))
			c.Flush()
			assert.Zero(t, c.Len())
			assert.Zero(t, server.Count())

			_, err = c.Recommend(context.Background(), "payments")
			assert.ErrorIs(t, err, ErrDisabled)
			assert.NoError(t, c.Close())
		})
	}
}

func TestClientEnableDisable(t *testing.T) {
	c := newTestClient(t, WithEnabled(false))
	c.Enable()
	assert.True(t, c.Enabled())
	c.Track(testCall("/1"))
	assert.Equal(t, 1, c.Len())

	c.Disable()
	c.Track(testCall("/2"))
	assert.Equal(t, 1, c.Len())
}

func TestNewClientConfigurationErrors(t *testing.T) {
	testCases := []struct {
		name   string
		apiKey string
		opts   []Option
	}{
		{name: "short API key", apiKey: "short"},
		{name: "payload size", apiKey: testAPIKey, opts: []Option{WithMaxPayloadSize(100)}},
		{name: "concurrency", apiKey: testAPIKey, opts: []Option{WithMaxConcurrentRequests(100)}},
		{
			name:   "unwritable temp dir",
			apiKey: testAPIKey,
			opts: []Option{
				WithTransport(TransportDetached),
				WithTempDir("/nonexistent/outboundiq"),
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := New(tc.apiKey, tc.opts...)
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.Nil(t, c)
		})
	}
}

func TestClientTransportSwitch(t *testing.T) {
	server := newCollector(t)
	var dispatched int
	c := newTestClient(t,
		WithEndpoint(server.Endpoint()),
		WithDispatcher(func(context.Context, Batch, ConfigSnapshot) error {
			dispatched++
			return nil
		}),
	)

	c.Track(testCall("/1"))
	c.Flush()
	assert.Equal(t, 1, server.Count())

	require.NoError(t, c.Config().Set(KeyTransport, "queue"))
	c.Track(testCall("/2"))
	c.Flush()
	assert.Equal(t, 1, dispatched)
	assert.Equal(t, 1, server.Count())
	assert.Equal(t, uint64(1), c.Stats().Delegated)
}

func TestClientTransportSwitchFailureKeepsTransport(t *testing.T) {
	server := newCollector(t)
	c := newTestClient(t,
		WithEndpoint(server.Endpoint()),
		WithTempDir(filepath.Join(t.TempDir(), "missing")),
	)

	require.NoError(t, c.Config().Set(KeyTransport, TransportDetached))
	c.Track(testCall("/1"))
	c.Flush()
	assert.Equal(t, 1, server.Count(), "the blocking transport stays active")
	assert.Equal(t, TransportBlocking, c.Config().Transport(), "the active transport is reported")

	c.Track(testCall("/2"))
	c.Flush()
	assert.Equal(t, 2, server.Count())
}

func TestClientDetachedWithLauncher(t *testing.T) {
	launcher := &recordingLauncher{}
	sink := &stubFlushSink{}
	c := newTestClient(t,
		WithTransport(TransportDetached),
		WithLauncher(launcher),
		WithTempDir(t.TempDir()),
		WithFlushSink(sink),
	)

	c.Track(testCall("/1"))
	c.Flush()

	require.Len(t, launcher.Invocations(), 1)
	reports := sink.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, TransportDetached, reports[0].Transport)
	assert.Equal(t, OutcomeDelegated, reports[0].Outcome)
	assert.Equal(t, len(launcher.Invocations()[0].Payload), reports[0].PayloadBytes)
}

type panickingSink struct{}

func (panickingSink) ObserveFlush(FlushReport) { panic("sink exploded") }

func TestClientRecoversPanics(t *testing.T) {
	c := newTestClient(t,
		WithTransport(TransportQueue),
		WithDispatcher(func(context.Context, Batch, ConfigSnapshot) error { return nil }),
		WithFlushSink(panickingSink{}),
	)

	c.Track(testCall("/1"))
	require.NotPanics(t, c.Flush)
	assert.Zero(t, c.Len())
}

func TestClientDispatchedRecordsAreNotReused(t *testing.T) {
	var batches []Batch
	c := newTestClient(t,
		WithTransport(TransportQueue),
		WithBufferSize(2),
		WithDispatcher(func(_ context.Context, b Batch, _ ConfigSnapshot) error {
			batches = append(batches, b)
			return nil
		}),
	)

	for _, path := range []string{"/1", "/2", "/3", "/4"} {
		c.Track(testCall(path))
	}
	require.Len(t, batches, 2)
	assert.Equal(t, "https://api.example.com/1", batches[0].Records[0].URL)
	assert.Equal(t, "https://api.example.com/3", batches[1].Records[0].URL)
}

func TestClientConcurrentTracking(t *testing.T) {
	var (
		mu        sync.Mutex
		delivered int
	)
	c := newTestClient(t,
		WithTransport(TransportQueue),
		WithBufferSize(7),
		WithDispatcher(func(_ context.Context, b Batch, _ ConfigSnapshot) error {
			mu.Lock()
			defer mu.Unlock()
			delivered += b.Len()
			return nil
		}),
	)

	const goroutines, perGoroutine = 20, 50
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				c.Track(testCall("/concurrent"))
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, goroutines*perGoroutine, delivered+c.Len())
	assert.Equal(t, uint64(goroutines*perGoroutine), c.Stats().Tracked)
}
