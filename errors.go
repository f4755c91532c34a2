package outboundiq

import "errors"

var (
	// ErrConfiguration is wrapped by every error that stops a Client or Config from being
	// constructed, and by errors returned from Config.Set.
	ErrConfiguration = errors.New("outboundiq: invalid configuration")

	// ErrInvalidAPIKey indicates the API key does not have the expected shape.
	ErrInvalidAPIKey = errors.New("outboundiq: invalid API key format")

	// ErrDetachedUnsupported indicates the platform cannot spawn detached transfer processes.
	ErrDetachedUnsupported = errors.New("outboundiq: detached transport unsupported on this platform")

	// ErrInvalidRecord indicates an APICall lacks a required field.
	ErrInvalidRecord = errors.New("outboundiq: invalid API call record")

	// ErrDisabled is returned by read APIs on a disabled client.
	ErrDisabled = errors.New("outboundiq: client is disabled")
)

// configError joins ErrConfiguration with a more specific cause.
func configError(causes ...error) error {
	return errors.Join(append([]error{ErrConfiguration}, causes...)...)
}
