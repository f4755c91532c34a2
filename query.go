package outboundiq

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/bytedance/sonic"
	"github.com/rs/xid"
)

// maxQueryResponseSize bounds the response bodies decoded by the read APIs.
const maxQueryResponseSize = 1 << 20

// QueryOption is a functional option for the read APIs.
type QueryOption func(*queryOptions)

type queryOptions struct {
	requestID   string
	userContext map[string]any
}

// WithRequestID sets the X-Request-Id header sent with a recommendation request, for
// correlation with the caller's own traces. A random ID is generated when unset.
func WithRequestID(id string) QueryOption {
	return func(o *queryOptions) { o.requestID = id }
}

// WithQueryUserContext sends the user context along with the request, e.g. user_id and
// user_type.
func WithQueryUserContext(uc map[string]any) QueryOption {
	return func(o *queryOptions) { o.userContext = uc }
}

// Recommend asks the API for the best provider or endpoint to use for a service, based on the
// usage data tracked so far and on provider health.
//
// The decoded response is returned for any status code; the API always answers with a JSON
// object, which for 401 and 404 describes the error. Only network and decoding failures
// return an error.
func (c *Client) Recommend(
	ctx context.Context,
	service string,
	opts ...QueryOption,
) (map[string]any, error) {
	o := applyQueryOptions(opts)
	if o.requestID == "" {
		o.requestID = xid.New().String()
	}
	return c.query(ctx, "/v1/recommend/"+url.PathEscape(service), o)
}

// ProviderStatus returns the status and aggregate metrics of a provider, e.g. "paystack".
func (c *Client) ProviderStatus(
	ctx context.Context,
	providerSlug string,
	opts ...QueryOption,
) (map[string]any, error) {
	return c.query(ctx, "/v1/provider/"+url.PathEscape(providerSlug)+"/status",
		applyQueryOptions(opts))
}

// EndpointStatus returns the status and metrics of a single provider endpoint.
func (c *Client) EndpointStatus(
	ctx context.Context,
	endpointSlug string,
	opts ...QueryOption,
) (map[string]any, error) {
	return c.query(ctx, "/v1/endpoint/"+url.PathEscape(endpointSlug)+"/status",
		applyQueryOptions(opts))
}

func applyQueryOptions(opts []QueryOption) queryOptions {
	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (c *Client) query(ctx context.Context, path string, o queryOptions) (map[string]any, error) {
	if c.disabled || !c.Enabled() {
		return nil, ErrDisabled
	}
	cfg := c.cfg.Snapshot()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", cfg.UserAgent())
	if o.requestID != "" {
		req.Header.Set("X-Request-Id", o.requestID)
	}
	if len(o.userContext) > 0 {
		uc, err := sonic.ConfigStd.MarshalToString(o.userContext)
		if err != nil {
			return nil, fmt.Errorf("encoding user context: %w", err)
		}
		req.Header.Set("X-User-Context", uc)
	}

	resp, err := c.queries.httpClient(deliveryTimeouts(cfg.Timeout)).Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("query failed")
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxQueryResponseSize))
	if err != nil {
		return nil, err
	}
	var decoded map[string]any
	if err := sonic.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decoding response with status %d: %w", resp.StatusCode, err)
	}
	return decoded, nil
}
