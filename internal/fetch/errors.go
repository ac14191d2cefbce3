package fetch

import "errors"

var (
	ErrEmptyURL         = errors.New("fetch url cannot be empty")
	ErrInvalidURL       = errors.New("fetch url must be an absolute http or https url")
	ErrUnexpectedStatus = errors.New("unexpected http status")
	ErrNoFetchData      = errors.New("no fetch data available")
	ErrEmptyRecordURL   = errors.New("fetch record url cannot be empty")
	ErrInvalidTimestamp = errors.New("fetch record timestamp must not be zero")
	ErrUnknownBackend   = errors.New("unknown fetcher backend")
)

// ErrorKind groups fetch failures for logs and metrics labels.
// Callers of a fetcher never see it: every kind folds into a failed Result.
type ErrorKind string

const (
	KindTransport      ErrorKind = "transport"
	KindMalformedInput ErrorKind = "malformed_input"
)

// Classify maps an error raised inside a backend to its ErrorKind.
func Classify(err error) ErrorKind {
	if errors.Is(err, ErrEmptyURL) || errors.Is(err, ErrInvalidURL) {
		return KindMalformedInput
	}
	return KindTransport
}
