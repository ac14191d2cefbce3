// Package fetch holds the value types shared by every image fetcher backend.
package fetch

import (
	"bytes"
	"encoding/binary"
	"hash/fnv"
	"time"
)

// Options carries per-call behaviour overrides.
type Options struct {
	// BypassCache disables cache lookup and storage for this call only.
	BypassCache bool
}

// Result is the outcome of one fetch call. It is an immutable value object.
type Result struct {
	successful  bool
	content     []byte
	latency     time.Duration
	wasCached   bool
	fetcherName string
}

// Succeeded builds the result of a fetch that retrieved the full body.
// The content slice is copied.
func Succeeded(content []byte, latency time.Duration, wasCached bool, fetcherName string) Result {
	return Result{
		successful:  true,
		content:     bytes.Clone(nonNil(content)),
		latency:     latency,
		wasCached:   wasCached,
		fetcherName: fetcherName,
	}
}

// Failed builds the result of a fetch that did not retrieve the body.
// Content is empty and latency is zero; wasCached is whatever the backend reported.
func Failed(wasCached bool, fetcherName string) Result {
	return Result{
		successful:  false,
		content:     []byte{},
		wasCached:   wasCached,
		fetcherName: fetcherName,
	}
}

func (r Result) Successful() bool       { return r.successful }
func (r Result) Latency() time.Duration { return r.latency }
func (r Result) WasCached() bool        { return r.wasCached }
func (r Result) FetcherName() string    { return r.fetcherName }
func (r Result) Size() int              { return len(r.content) }

// Content returns a copy of the fetched bytes.
func (r Result) Content() []byte {
	return bytes.Clone(nonNil(r.content))
}

// Equal reports whether two results have the same outcome, content bytes,
// latency and cache flag. The fetcher name is attribution only and is ignored,
// so results of the same shape from different backends compare equal.
func (r Result) Equal(other Result) bool {
	return r.successful == other.successful &&
		r.latency == other.latency &&
		r.wasCached == other.wasCached &&
		bytes.Equal(r.content, other.content)
}

// Hash returns a hash consistent with Equal.
func (r Result) Hash() uint64 {
	h := fnv.New64a()
	var flags [2]byte
	if r.successful {
		flags[0] = 1
	}
	if r.wasCached {
		flags[1] = 1
	}
	_, _ = h.Write(flags[:])
	var lat [8]byte
	binary.BigEndian.PutUint64(lat[:], uint64(r.latency))
	_, _ = h.Write(lat[:])
	_, _ = h.Write(r.content)
	return h.Sum64()
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
