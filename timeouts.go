package outboundiq

import (
	"errors"
	"time"
)

const (
	// maxDialTimeout caps the connect timeout of delivery requests.
	maxDialTimeout = 5 * time.Second
)

// DeliveryTimeouts configures the timeouts of one delivery request.
type DeliveryTimeouts struct {
	// Total is the overall timeout of one attempt, including connection establishment and
	// reading the response. Maps to http.Client.Timeout.
	Total time.Duration

	// Dial is the maximum duration waiting for a network dial to complete. Always shorter
	// than Total. Applied to net.Dialer.Timeout.
	Dial time.Duration

	// TLSHandshake is the maximum duration waiting for a TLS handshake to complete.
	// Maps to http.Transport.TLSHandshakeTimeout.
	TLSHandshake time.Duration
}

// deliveryTimeouts derives the request timeouts from the configured delivery timeout.
func deliveryTimeouts(total time.Duration) DeliveryTimeouts {
	dial := min(maxDialTimeout, total/2)
	return DeliveryTimeouts{
		Total:        total,
		Dial:         dial,
		TLSHandshake: dial,
	}
}

// Validate checks that the DeliveryTimeouts configuration is valid.
func (t DeliveryTimeouts) Validate() error {
	if t.Total <= 0 {
		return errors.New("DeliveryTimeouts.Total must be positive")
	}
	if t.Dial <= 0 || t.Dial >= t.Total {
		return errors.New("DeliveryTimeouts.Dial must be positive and shorter than Total")
	}
	if t.TLSHandshake < 0 {
		return errors.New("DeliveryTimeouts.TLSHandshake cannot be negative")
	}
	return nil
}
