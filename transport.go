package outboundiq

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// TransportKind identifies one of the delivery transports.
type TransportKind uint8

const (
	// TransportDetached hands each batch to an unsupervised background transfer and returns
	// without waiting for it. Suited to long-running processes.
	TransportDetached TransportKind = iota
	// TransportBlocking sends each batch over a blocking HTTPS request before returning.
	// Suited to short-lived environments where nothing may outlive the request.
	TransportBlocking
	// TransportQueue hands each batch to a host-supplied Dispatcher, e.g. a job queue, and
	// falls back to TransportBlocking when none is registered.
	TransportQueue
)

// String returns the canonical name of the transport.
func (k TransportKind) String() string {
	switch k {
	case TransportDetached:
		return "detached"
	case TransportBlocking:
		return "blocking"
	case TransportQueue:
		return "queue"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

func (k TransportKind) valid() bool {
	return k <= TransportQueue
}

// ParseTransportKind parses a transport name. Aliases used by other OutboundIQ SDKs are
// accepted: "async" and "file" for detached, "sync" for blocking.
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "detached", "async", "file":
		return TransportDetached, nil
	case "blocking", "sync":
		return TransportBlocking, nil
	case "queue":
		return TransportQueue, nil
	default:
		return 0, fmt.Errorf("unknown transport %q", s)
	}
}

// Outcome is the result of one delivery attempt.
type Outcome uint8

const (
	// OutcomeFailed means the batch was dropped.
	OutcomeFailed Outcome = iota
	// OutcomeDelivered means the collector accepted the batch.
	OutcomeDelivered
	// OutcomeDelegated means the batch was handed to a detached transfer or a dispatcher,
	// whose result is not observed.
	OutcomeDelegated
)

// String returns the name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeFailed:
		return "failed"
	case OutcomeDelivered:
		return "delivered"
	case OutcomeDelegated:
		return "delegated"
	default:
		return fmt.Sprintf("unknown(%d)", o)
	}
}

// Transport delivers encoded batches. The set of transports is closed: DetachedTransport,
// BlockingTransport and QueueTransport.
type Transport interface {
	// Deliver sends the batch. A non-nil error is always paired with OutcomeFailed.
	Deliver(ctx context.Context, batch Batch, cfg ConfigSnapshot) (Outcome, error)

	// Kind returns the kind of the transport.
	Kind() TransportKind

	sealed()
}

// newTransport creates the transport selected by kind.
func newTransport(kind TransportKind, cfg ConfigSnapshot, o Options) (Transport, error) {
	logger := o.Logger.With().Str("transport", kind.String()).Logger()
	switch kind {
	case TransportDetached:
		launcher := o.Launcher
		if launcher == nil {
			pl, err := NewProcessLauncher(cfg.MaxConcurrentRequests, cfg.TempDir, logger)
			if err != nil {
				return nil, configError(err)
			}
			launcher = pl
		}
		return NewDetachedTransport(cfg.TempDir, launcher, logger)
	case TransportBlocking:
		return NewBlockingTransport(logger), nil
	case TransportQueue:
		return NewQueueTransport(o.Dispatcher, logger), nil
	default:
		return nil, configError(fmt.Errorf("unknown transport %d", kind))
	}
}

// logDeliveryError logs a failed delivery with the fields shared by all transports.
func logDeliveryError(logger zerolog.Logger, batch Batch, err error) {
	logger.Warn().Err(err).Int("records", batch.Len()).Msg("delivery failed, batch dropped")
}
