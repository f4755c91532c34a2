package outboundiq

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// tempFilePattern names the files holding oversized payloads.
const tempFilePattern = "oiq_*.b64"

// Invocation describes one detached transfer of an encoded batch.
type Invocation struct {
	Endpoint      string
	Header        http.Header
	Timeout       time.Duration
	RetryAttempts int

	// Payload is the inline body. Nil when PayloadFile is set.
	Payload []byte
	// PayloadFile holds the body of oversized batches. The transfer owns the file and removes
	// it once done.
	PayloadFile string
}

// CurlArgs renders the invocation as curl arguments.
func (inv Invocation) CurlArgs() []string {
	args := []string{"-X", http.MethodPost, "--ipv4", "--silent"}

	names := make([]string, 0, len(inv.Header))
	for name := range inv.Header {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		for _, value := range inv.Header[name] {
			args = append(args, "-H", name+": "+value)
		}
	}

	seconds := int(math.Ceil(inv.Timeout.Seconds()))
	args = append(args,
		"--max-time", strconv.Itoa(max(1, seconds)),
		"--retry", strconv.Itoa(inv.RetryAttempts),
	)
	if inv.PayloadFile != "" {
		args = append(args, "--data-binary", "@"+inv.PayloadFile)
	} else {
		args = append(args, "--data-binary", string(inv.Payload))
	}
	return append(args, inv.Endpoint)
}

// DetachedTransport hands every batch to a Launcher that performs the transfer in the
// background. Deliver returns as soon as the transfer is launched; its result is never
// observed.
type DetachedTransport struct {
	launcher Launcher
	logger   zerolog.Logger
}

// NewDetachedTransport creates a DetachedTransport. tempDir must be a writable directory.
func NewDetachedTransport(
	tempDir string,
	launcher Launcher,
	logger zerolog.Logger,
) (*DetachedTransport, error) {
	if launcher == nil {
		return nil, configError(errors.New("detached transport requires a launcher"))
	}
	if err := checkWritableDir(tempDir); err != nil {
		return nil, configError(fmt.Errorf("temporary directory %s is not writable: %w", tempDir, err))
	}
	return &DetachedTransport{launcher: launcher, logger: logger}, nil
}

// Kind returns TransportDetached.
func (*DetachedTransport) Kind() TransportKind { return TransportDetached }

func (*DetachedTransport) sealed() {}

// Deliver launches the transfer of the batch. Encoded payloads larger than the configured max
// payload size are written to a temporary file instead of being passed inline.
func (t *DetachedTransport) Deliver(
	_ context.Context,
	batch Batch,
	cfg ConfigSnapshot,
) (Outcome, error) {
	inv := Invocation{
		Endpoint:      cfg.Endpoint,
		Header:        deliveryHeader(cfg),
		Timeout:       cfg.Timeout,
		RetryAttempts: cfg.RetryAttempts,
	}

	encoded := batch.Encoded()
	if len(encoded) > cfg.MaxPayloadSize {
		path, err := writePayloadFile(cfg.TempDir, encoded)
		if err != nil {
			err = fmt.Errorf("writing payload file: %w", err)
			logDeliveryError(t.logger, batch, err)
			return OutcomeFailed, err
		}
		inv.PayloadFile = path
	} else {
		inv.Payload = encoded
	}

	if err := t.launcher.Launch(inv); err != nil {
		if inv.PayloadFile != "" {
			_ = os.Remove(inv.PayloadFile)
		}
		err = fmt.Errorf("launching transfer: %w", err)
		logDeliveryError(t.logger, batch, err)
		return OutcomeFailed, err
	}

	t.logger.Debug().
		Int("records", batch.Len()).
		Int("payload_bytes", len(encoded)).
		Bool("payload_file", inv.PayloadFile != "").
		Msg("transfer launched")
	return OutcomeDelegated, nil
}

// writePayloadFile writes data to a uniquely named file in dir and returns its path.
func writePayloadFile(dir string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return "", err
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}
