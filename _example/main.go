package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/jkbrsn/outboundiq"
)

func main() {
	// Create the client; without an API key it is disabled and every call below is a no-op
	client, err := outboundiq.New(
		os.Getenv("OUTBOUNDIQ_API_KEY"),
		outboundiq.WithTransport(outboundiq.TransportDetached),
		outboundiq.WithBufferSize(10),
		outboundiq.WithFlushInterval(30*time.Second),
	)
	if err != nil {
		fmt.Printf("Error creating client: %v\n", err)
		return
	}
	// Close delivers whatever is still buffered, so it must run before the process exits
	defer client.Close()

	// Calls made through this HTTP client are captured automatically
	httpClient := &http.Client{
		Transport: client.WrapTransport(http.DefaultTransport),
		Timeout:   10 * time.Second,
	}

	ctx := outboundiq.ContextWithUser(context.Background(), map[string]any{
		"user_id":   42,
		"user_type": "customer",
	})
	for _, target := range []string{
		"https://httpbin.org/get",
		"https://httpbin.org/status/503",
	} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			fmt.Printf("Error creating request: %v\n", err)
			continue
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			fmt.Printf("Error requesting %s: %v\n", target, err)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		fmt.Printf("%s: %s\n", target, resp.Status)
	}

	// Calls made by other means can be reported by hand
	client.TrackAPICall(
		"https://api.paystack.co/transaction/initialize",
		http.MethodPost,
		182.4,
		http.StatusOK,
		outboundiq.WithRequestType("manual"),
		outboundiq.WithUserContext(map[string]any{"user_id": 42}),
	)

	// Ask which provider currently performs best for a service
	if client.Enabled() {
		rec, err := client.Recommend(context.Background(), "payment-processing")
		if err != nil {
			fmt.Printf("Error getting recommendation: %v\n", err)
		} else {
			fmt.Printf("Recommendation: %v\n", rec)
		}
	}

	stats := client.Stats()
	fmt.Printf("Tracked %d calls, %d buffered\n", stats.Tracked, client.Len())
}
