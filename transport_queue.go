package outboundiq

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Dispatcher hands a batch to a host-supplied asynchronous mechanism, e.g. a job queue. It
// receives the serialized batch and a snapshot of the configuration at flush time. The worker
// that later processes the job can deliver it with BlockingTransport.Send.
type Dispatcher func(ctx context.Context, batch Batch, cfg ConfigSnapshot) error

// QueueTransport delegates delivery to a Dispatcher. Without a dispatcher it behaves exactly
// like BlockingTransport, so batches are not lost because the host forgot to register one.
type QueueTransport struct {
	dispatcher Dispatcher
	fallback   *BlockingTransport
	logger     zerolog.Logger
}

// NewQueueTransport creates a QueueTransport. The dispatcher may be nil.
func NewQueueTransport(dispatcher Dispatcher, logger zerolog.Logger) *QueueTransport {
	return &QueueTransport{
		dispatcher: dispatcher,
		fallback:   NewBlockingTransport(logger),
		logger:     logger,
	}
}

// Kind returns TransportQueue.
func (*QueueTransport) Kind() TransportKind { return TransportQueue }

func (*QueueTransport) sealed() {}

// HasDispatcher reports whether a dispatcher is registered.
func (t *QueueTransport) HasDispatcher() bool {
	return t.dispatcher != nil
}

// Deliver dispatches the batch, or sends it synchronously when no dispatcher is registered.
// A panicking dispatcher is recovered and reported as a failed delivery.
func (t *QueueTransport) Deliver(
	ctx context.Context,
	batch Batch,
	cfg ConfigSnapshot,
) (outcome Outcome, err error) {
	if t.dispatcher == nil {
		t.logger.Warn().Msg("queue transport has no dispatcher, sending synchronously")
		return t.fallback.Deliver(ctx, batch, cfg)
	}

	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomeFailed
			err = fmt.Errorf("dispatcher panicked: %v", r)
			logDeliveryError(t.logger, batch, err)
		}
	}()

	if err := t.dispatcher(ctx, batch, cfg); err != nil {
		err = fmt.Errorf("dispatching batch: %w", err)
		logDeliveryError(t.logger, batch, err)
		return OutcomeFailed, err
	}
	t.logger.Debug().Int("records", batch.Len()).Msg("batch dispatched")
	return OutcomeDelegated, nil
}
