package outboundiq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	// maxInlineArg bounds inline payloads passed as a process argument; larger ones are
	// spilled to a file. Linux limits a single argument to 128 KiB.
	maxInlineArg = 96 * 1024

	// removeAfterTransfer runs curl, given as $0, and then removes the payload file, so the
	// cleanup happens even when the launching process exits first.
	removeAfterTransfer = `"$0" "$@" >/dev/null 2>&1; rm -f "$OIQ_PAYLOAD_FILE"`
)

// ErrLauncherBusy is returned when the maximum number of transfers is already in flight.
var ErrLauncherBusy = errors.New("outboundiq: too many transfers in flight")

// Launcher starts a detached transfer and returns without waiting for it. Implementations
// must never report the transfer's outcome back to the caller.
type Launcher interface {
	Launch(inv Invocation) error
}

// ProcessLauncher runs each transfer as a separate curl process in its own process group.
// The process keeps running if the launching process exits.
type ProcessLauncher struct {
	curlPath  string
	shellPath string
	spillDir  string
	sem       *semaphore.Weighted
	logger    zerolog.Logger
}

// NewProcessLauncher creates a ProcessLauncher allowing at most maxInFlight running
// transfers. spillDir receives inline payloads too large for a process argument. Returns
// ErrDetachedUnsupported on platforms without detached process support.
func NewProcessLauncher(
	maxInFlight int,
	spillDir string,
	logger zerolog.Logger,
) (*ProcessLauncher, error) {
	if !detachSupported {
		return nil, ErrDetachedUnsupported
	}
	if maxInFlight < 1 {
		return nil, fmt.Errorf("max in-flight transfers must be positive, got %d", maxInFlight)
	}
	curlPath, err := exec.LookPath("curl")
	if err != nil {
		return nil, fmt.Errorf("detached transport requires curl: %w", err)
	}
	shellPath, err := exec.LookPath("sh")
	if err != nil {
		return nil, fmt.Errorf("detached transport requires sh: %w", err)
	}
	return &ProcessLauncher{
		curlPath:  curlPath,
		shellPath: shellPath,
		spillDir:  spillDir,
		sem:       semaphore.NewWeighted(int64(maxInFlight)),
		logger:    logger,
	}, nil
}

// Launch starts the transfer process. A reaper goroutine collects the exit status so no
// zombie is left behind; nothing waits on it.
func (l *ProcessLauncher) Launch(inv Invocation) error {
	if !l.sem.TryAcquire(1) {
		return ErrLauncherBusy
	}

	if inv.PayloadFile == "" && len(inv.Payload) > maxInlineArg {
		path, err := writePayloadFile(l.spillDir, inv.Payload)
		if err != nil {
			l.sem.Release(1)
			return err
		}
		inv.Payload = nil
		inv.PayloadFile = path
	}

	cmd := l.command(inv)
	detach(cmd)
	if err := cmd.Start(); err != nil {
		l.sem.Release(1)
		return err
	}

	go func() {
		defer l.sem.Release(1)
		if err := cmd.Wait(); err != nil {
			l.logger.Debug().Err(err).Msg("detached transfer exited with error")
		}
	}()
	return nil
}

// command builds the process for inv. Transfers with a payload file run through sh so the
// file is removed once curl is done.
func (l *ProcessLauncher) command(inv Invocation) *exec.Cmd {
	args := inv.CurlArgs()
	if inv.PayloadFile == "" {
		return exec.Command(l.curlPath, args...)
	}
	shellArgs := append([]string{"-c", removeAfterTransfer, l.curlPath}, args...)
	cmd := exec.Command(l.shellPath, shellArgs...)
	cmd.Env = append(os.Environ(), "OIQ_PAYLOAD_FILE="+inv.PayloadFile)
	return cmd
}

// GoroutineLauncher performs each transfer in a background goroutine of the current process,
// for platforms where spawning a process is undesirable. Transfers still running when the
// process exits are lost.
type GoroutineLauncher struct {
	sender *BlockingTransport
	sem    *semaphore.Weighted
	logger zerolog.Logger
}

// NewGoroutineLauncher creates a GoroutineLauncher allowing at most maxInFlight running
// transfers.
func NewGoroutineLauncher(maxInFlight int, logger zerolog.Logger) *GoroutineLauncher {
	return &GoroutineLauncher{
		sender: NewBlockingTransport(logger),
		sem:    semaphore.NewWeighted(int64(max(1, maxInFlight))),
		logger: logger,
	}
}

// Launch starts the transfer in a new goroutine.
func (l *GoroutineLauncher) Launch(inv Invocation) error {
	if !l.sem.TryAcquire(1) {
		return ErrLauncherBusy
	}
	go func() {
		defer l.sem.Release(1)
		if err := l.transfer(inv); err != nil {
			l.logger.Debug().Err(err).Msg("detached transfer failed")
		}
	}()
	return nil
}

func (l *GoroutineLauncher) transfer(inv Invocation) error {
	body := inv.Payload
	if inv.PayloadFile != "" {
		defer func() {
			_ = os.Remove(inv.PayloadFile)
		}()
		data, err := os.ReadFile(inv.PayloadFile)
		if err != nil {
			return err
		}
		body = data
	}
	// Every attempt gets the full timeout, like curl's --max-time
	budget := inv.Timeout*time.Duration(inv.RetryAttempts+1) + l.sender.backoffBudget(inv.RetryAttempts)
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	return l.sender.send(ctx, deliveryRequest{
		endpoint:      inv.Endpoint,
		header:        inv.Header,
		body:          body,
		timeout:       inv.Timeout,
		retryAttempts: inv.RetryAttempts,
	})
}
