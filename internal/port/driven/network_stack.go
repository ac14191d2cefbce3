package driven

import "context"

// NetworkStack is the health view of the shared network stack used by the
// accelerated fetcher.
type NetworkStack interface {
	// Ping returns nil while the stack accepts new requests.
	Ping(ctx context.Context) error
}
