package outboundiq

import "time"

// FlushSink is a pluggable observer of flush attempts. The Client invokes it synchronously
// after every attempt on a non-empty buffer, so implementations must be fast.
type FlushSink interface {
	ObserveFlush(FlushReport)
}

// FlushReport describes one flush attempt.
type FlushReport struct {
	Transport    TransportKind
	Records      int
	PayloadBytes int
	Outcome      Outcome
	Err          string
	Duration     time.Duration
}
