package driven

import (
	"context"

	"github.com/alorle/image-fetcher/internal/fetch"
)

// ImageFetcher defines the interface for downloading an image into memory.
// This is a driven port implemented by concrete backends (e.g., plain HTTP
// client, accelerated network stack).
type ImageFetcher interface {
	// Fetch downloads the content at rawURL and suspends the caller until the
	// attempt completes. Every failure, including a malformed URL or a
	// canceled ctx, is folded into an unsuccessful Result: Fetch never returns
	// an error and never panics on bad input.
	// Implementations must be safe for concurrent use.
	Fetch(ctx context.Context, rawURL string, opts fetch.Options) fetch.Result

	// Name returns the display label attached to every Result the backend produces.
	Name() string
}
