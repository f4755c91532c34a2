package outboundiq

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/xid"
)

const defaultRequestType = "unknown"

// CallOption is a functional option for NewAPICall.
type CallOption func(*APICall)

// HeaderField is a single header line. Repeated headers are represented as repeated fields.
type HeaderField struct {
	Name  string
	Value string
}

// Headers is an ordered list of header fields.
type Headers []HeaderField

// HeadersFromHTTP converts an http.Header into Headers. Names are sorted so that the result
// is deterministic, values keep their original order.
func HeadersFromHTTP(h http.Header) Headers {
	if len(h) == 0 {
		return nil
	}
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make(Headers, 0, len(h))
	for _, name := range names {
		for _, value := range h[name] {
			out = append(out, HeaderField{Name: name, Value: value})
		}
	}
	return out
}

// Values returns all values recorded for name, compared case-insensitively.
func (h Headers) Values(name string) []string {
	var values []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return values
}

// MarshalJSON encodes the headers as a JSON object in first-seen order. A name that occurs
// more than once maps to an array holding all of its values.
func (h Headers) MarshalJSON() ([]byte, error) {
	order := make([]string, 0, len(h))
	grouped := make(map[string][]string, len(h))
	for _, f := range h {
		if _, seen := grouped[f.Name]; !seen {
			order = append(order, f.Name)
		}
		grouped[f.Name] = append(grouped[f.Name], f.Value)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := sonic.ConfigStd.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		var value []byte
		if values := grouped[name]; len(values) == 1 {
			value, err = sonic.ConfigStd.Marshal(values[0])
		} else {
			value, err = sonic.ConfigStd.Marshal(values)
		}
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ErrorInfo describes a failed outbound call.
type ErrorInfo struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// APICall is one captured outbound call. It is created once when the call completes and is
// not modified afterwards.
type APICall struct {
	URL        string
	Method     string
	Duration   float64 // milliseconds
	StatusCode int

	RequestHeaders  Headers
	RequestBody     []byte // nil when absent
	ResponseHeaders Headers
	ResponseBody    []byte // nil when absent

	// RequestType classifies the mechanism that captured the call, e.g. "net/http".
	RequestType string
	Error       *ErrorInfo
	UserContext map[string]any

	TransactionID string
	Timestamp     time.Time
}

// NewAPICall creates an APICall with a fresh transaction ID and the current timestamp.
func NewAPICall(
	url, method string,
	durationMs float64,
	statusCode int,
	opts ...CallOption,
) APICall {
	call := APICall{
		URL:           url,
		Method:        method,
		Duration:      durationMs,
		StatusCode:    statusCode,
		RequestType:   defaultRequestType,
		TransactionID: xid.New().String(),
		Timestamp:     time.Now(),
	}
	for _, opt := range opts {
		opt(&call)
	}
	return call
}

// Validate checks that the required fields are set.
func (c APICall) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.Join(ErrInvalidRecord, errors.New("URL is empty"))
	}
	if strings.TrimSpace(c.Method) == "" {
		return errors.Join(ErrInvalidRecord, errors.New("method is empty"))
	}
	return nil
}

// apiCallWire is the transmitted form of an APICall.
type apiCallWire struct {
	TransactionID   string         `json:"transaction_id"`
	URL             string         `json:"url"`
	Method          string         `json:"method"`
	Duration        float64        `json:"duration"`
	StatusCode      int            `json:"status_code"`
	RequestHeaders  Headers        `json:"request_headers"`
	RequestBody     *string        `json:"request_body"`
	ResponseHeaders Headers        `json:"response_headers"`
	ResponseBody    *string        `json:"response_body"`
	Timestamp       float64        `json:"timestamp"`
	RequestType     string         `json:"request_type"`
	Error           *ErrorInfo     `json:"error,omitempty"`
	UserContext     map[string]any `json:"user_context,omitempty"`
}

// MarshalJSON encodes the call in its transmitted form.
func (c APICall) MarshalJSON() ([]byte, error) {
	if math.IsNaN(c.Duration) || math.IsInf(c.Duration, 0) {
		return nil, fmt.Errorf("duration is not a finite number: %v", c.Duration)
	}

	requestType := c.RequestType
	if requestType == "" {
		requestType = defaultRequestType
	}

	return sonic.ConfigStd.Marshal(apiCallWire{
		TransactionID:   c.TransactionID,
		URL:             c.URL,
		Method:          c.Method,
		Duration:        c.Duration,
		StatusCode:      c.StatusCode,
		RequestHeaders:  c.RequestHeaders,
		RequestBody:     bodyString(c.RequestBody),
		ResponseHeaders: c.ResponseHeaders,
		ResponseBody:    bodyString(c.ResponseBody),
		Timestamp:       unixSeconds(c.Timestamp),
		RequestType:     requestType,
		Error:           c.Error,
		UserContext:     c.UserContext,
	})
}

func bodyString(b []byte) *string {
	if b == nil {
		return nil
	}
	s := string(b)
	return &s
}

// unixSeconds returns t as seconds since epoch with microsecond precision.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// WithRequestHeaders sets the request headers of the call.
func WithRequestHeaders(h Headers) CallOption {
	return func(c *APICall) { c.RequestHeaders = h }
}

// WithRequestBody sets the request body of the call.
func WithRequestBody(b []byte) CallOption {
	return func(c *APICall) { c.RequestBody = b }
}

// WithResponseHeaders sets the response headers of the call.
func WithResponseHeaders(h Headers) CallOption {
	return func(c *APICall) { c.ResponseHeaders = h }
}

// WithResponseBody sets the response body of the call.
func WithResponseBody(b []byte) CallOption {
	return func(c *APICall) { c.ResponseBody = b }
}

// WithRequestType tags the call with the mechanism that captured it.
func WithRequestType(t string) CallOption {
	return func(c *APICall) { c.RequestType = t }
}

// WithCallError attaches error information. Nothing is attached when both arguments are empty.
func WithCallError(message, errType string) CallOption {
	return func(c *APICall) {
		if message == "" && errType == "" {
			c.Error = nil
			return
		}
		c.Error = &ErrorInfo{Message: message, Type: errType}
	}
}

// WithUserContext attaches user context, e.g. user_id and user_type.
func WithUserContext(ctx map[string]any) CallOption {
	return func(c *APICall) { c.UserContext = ctx }
}

// WithTimestamp overrides the capture timestamp.
func WithTimestamp(t time.Time) CallOption {
	return func(c *APICall) { c.Timestamp = t }
}
