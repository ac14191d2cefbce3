package fetch

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is the persisted summary of one fetch call. Content bytes are not kept.
type Record struct {
	id          string
	url         string
	timestamp   time.Time
	fetcherName string
	successful  bool
	latency     time.Duration
	wasCached   bool
	size        int
	bypassCache bool
}

// NewRecord creates a record for a completed fetch call with validation.
func NewRecord(rawURL string, timestamp time.Time, opts Options, result Result) (Record, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return Record{}, ErrEmptyRecordURL
	}
	if timestamp.IsZero() {
		return Record{}, ErrInvalidTimestamp
	}

	return Record{
		id:          uuid.NewString(),
		url:         rawURL,
		timestamp:   timestamp,
		fetcherName: result.FetcherName(),
		successful:  result.Successful(),
		latency:     result.Latency(),
		wasCached:   result.WasCached(),
		size:        result.Size(),
		bypassCache: opts.BypassCache,
	}, nil
}

// ReconstructRecord rebuilds a Record from persisted state.
// Intended for repository adapters only, it bypasses validation.
func ReconstructRecord(
	id string,
	rawURL string,
	timestamp time.Time,
	fetcherName string,
	successful bool,
	latency time.Duration,
	wasCached bool,
	size int,
	bypassCache bool,
) Record {
	return Record{
		id:          id,
		url:         rawURL,
		timestamp:   timestamp,
		fetcherName: fetcherName,
		successful:  successful,
		latency:     latency,
		wasCached:   wasCached,
		size:        size,
		bypassCache: bypassCache,
	}
}

func (r Record) ID() string             { return r.id }
func (r Record) URL() string            { return r.url }
func (r Record) Timestamp() time.Time   { return r.timestamp }
func (r Record) FetcherName() string    { return r.fetcherName }
func (r Record) Successful() bool       { return r.successful }
func (r Record) Latency() time.Duration { return r.latency }
func (r Record) WasCached() bool        { return r.wasCached }
func (r Record) Size() int              { return r.size }
func (r Record) BypassCache() bool      { return r.bypassCache }
