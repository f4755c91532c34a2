// Command outboundiq checks an OutboundIQ setup from the command line. It reads the API key
// and options from OUTBOUNDIQ_* environment variables, requests the given URLs through a
// tracking HTTP client, and flushes the captured calls to the collector.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/jkbrsn/outboundiq"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		transport string
		endpoint  string
		method    string
		recommend string
		timeout   time.Duration
		verbose   bool
	)
	flagSet := pflag.NewFlagSet("outboundiq", pflag.ContinueOnError)
	flagSet.StringVar(&transport, "transport", "blocking", "delivery transport: detached, blocking or queue")
	flagSet.StringVar(&endpoint, "endpoint", "", "metric ingestion URL (default: base URL + /api/metric)")
	flagSet.StringVarP(&method, "method", "X", http.MethodGet, "HTTP method used for the requests")
	flagSet.StringVar(&recommend, "recommend", "", "print the recommendation for a service and exit")
	flagSet.DurationVar(&timeout, "timeout", 10*time.Second, "timeout of each request")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log debug output")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: outboundiq [flags] URL...\n\n")
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).Level(level)

	kind, err := outboundiq.ParseTransportKind(transport)
	if err != nil {
		return err
	}
	opts := []outboundiq.Option{
		outboundiq.WithTransport(kind),
		outboundiq.WithLogger(logger),
		outboundiq.WithFlushSink(reportSink{logger: logger}),
	}
	if endpoint != "" {
		opts = append(opts, outboundiq.WithEndpoint(endpoint))
	}

	client, err := outboundiq.NewFromEnv(opts...)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if !client.Enabled() {
		return errors.New("client is disabled, set OUTBOUNDIQ_API_KEY")
	}

	if recommend != "" {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		resp, err := client.Recommend(ctx, recommend)
		if err != nil {
			return err
		}
		out, err := sonic.ConfigStd.MarshalIndent(resp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if flagSet.NArg() == 0 {
		flagSet.Usage()
		return errors.New("no URL given")
	}

	httpClient := &http.Client{
		Transport: client.WrapTransport(nil),
		Timeout:   timeout,
	}
	for _, target := range flagSet.Args() {
		if err := request(httpClient, logger, method, target); err != nil {
			logger.Warn().Err(err).Str("url", target).Msg("request failed")
			continue
		}
	}
	client.Flush()

	stats := client.Stats()
	logger.Info().
		Uint64("tracked", stats.Tracked).
		Uint64("rejected", stats.Rejected).
		Uint64("flushes", stats.Flushes).
		Uint64("failed", stats.Failed).
		Msg("done")
	return nil
}

func request(httpClient *http.Client, logger zerolog.Logger, method, target string) error {
	req, err := http.NewRequest(method, target, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return err
	}
	logger.Debug().Str("url", target).Int("status", resp.StatusCode).Int64("bytes", n).Msg("response read")
	return nil
}

// reportSink logs every flush attempt.
type reportSink struct {
	logger zerolog.Logger
}

func (s reportSink) ObserveFlush(r outboundiq.FlushReport) {
	event := s.logger.Info()
	if r.Outcome == outboundiq.OutcomeFailed {
		event = s.logger.Warn().Str("error", r.Err)
	}
	event.
		Str("transport", r.Transport.String()).
		Str("outcome", r.Outcome.String()).
		Int("records", r.Records).
		Int("payload_bytes", r.PayloadBytes).
		Dur("duration", r.Duration).
		Msg("flush")
}
