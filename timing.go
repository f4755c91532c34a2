package outboundiq

import (
	"errors"
	"io"
	"net/http/httptrace"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// traceTimes stores the timestamps of a captured request as they are reported by httptrace.
// Callbacks may run on other goroutines, so every field is atomic.
type traceTimes struct {
	start     atomic.Time
	dnsStart  atomic.Time
	dnsDone   atomic.Time
	connStart atomic.Time
	connDone  atomic.Time
	firstByte atomic.Time
}

// requestTimestamps is a consistent copy of traceTimes.
type requestTimestamps struct {
	start     time.Time
	dnsStart  time.Time
	dnsDone   time.Time
	connStart time.Time
	connDone  time.Time
	firstByte time.Time
	dataDone  time.Time
}

// snapshot copies the recorded timestamps. fallbackStart is used when no connection was
// requested, e.g. when the transport failed before GetConn.
func (t *traceTimes) snapshot(fallbackStart time.Time) requestTimestamps {
	ts := requestTimestamps{
		start:     t.start.Load(),
		dnsStart:  t.dnsStart.Load(),
		dnsDone:   t.dnsDone.Load(),
		connStart: t.connStart.Load(),
		connDone:  t.connDone.Load(),
		firstByte: t.firstByte.Load(),
	}
	if ts.start.IsZero() {
		ts.start = fallbackStart
	}
	return ts
}

// traceRequest returns a ClientTrace that records into times.
func traceRequest(times *traceTimes) *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		// The earliest guaranteed callback is usually GetConn, so we set the start time there
		GetConn:              func(string) { times.start.Store(time.Now()) },
		DNSStart:             func(httptrace.DNSStartInfo) { times.dnsStart.Store(time.Now()) },
		DNSDone:              func(httptrace.DNSDoneInfo) { times.dnsDone.Store(time.Now()) },
		ConnectStart:         func(_, _ string) { times.connStart.Store(time.Now()) },
		ConnectDone:          func(_, _ string, _ error) { times.connDone.Store(time.Now()) },
		GotFirstResponseByte: func() { times.firstByte.Store(time.Now()) },
	}
}

// durationMs returns the total duration of the request in milliseconds, from start until the
// body was consumed, or until the first byte when the body was never read.
func (ts requestTimestamps) durationMs() float64 {
	end := ts.dataDone
	if end.IsZero() {
		end = ts.firstByte
	}
	if end.IsZero() || ts.start.IsZero() || end.Before(ts.start) {
		return 0
	}
	return float64(end.Sub(ts.start).Microseconds()) / 1e3
}

// connectMs returns the DNS lookup and TCP connect durations in milliseconds, zero when the
// phase did not happen, e.g. on a reused connection.
func (ts requestTimestamps) connectMs() (dns, connect float64) {
	if !ts.dnsStart.IsZero() && !ts.dnsDone.IsZero() {
		dns = float64(ts.dnsDone.Sub(ts.dnsStart).Microseconds()) / 1e3
	}
	if !ts.connStart.IsZero() && !ts.connDone.IsZero() {
		connect = float64(ts.connDone.Sub(ts.connStart).Microseconds()) / 1e3
	}
	return dns, connect
}

// timedReadCloser wraps an underlying io.ReadCloser and records when the caller
// finishes reading (EOF) or explicitly closes the stream.
type timedReadCloser struct {
	rc     io.ReadCloser
	doneFn func() // called exactly once when stream is finished
	once   sync.Once
}

// Read reads from the underlying reader and records when the stream is finished.
func (t *timedReadCloser) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if errors.Is(err, io.EOF) {
		t.once.Do(t.doneFn)
	}
	return n, err
}

// Close closes the underlying reader and records the time when the stream is finished.
func (t *timedReadCloser) Close() error {
	t.once.Do(t.doneFn)
	return t.rc.Close()
}
