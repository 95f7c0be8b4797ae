package harvester

import "errors"

// Configuration errors. They are returned before any request is sent and
// are never worth retrying.
var (
	ErrNameOrURLMissing     = errors.New("harvester: a source name or a base URL is required")
	ErrWrongDateCombination = errors.New("harvester: from date is after until date")
	ErrIdentifiersOrDates   = errors.New("harvester: identifiers cannot be combined with from/until dates")
	ErrSourceNotFound       = errors.New("harvester: source not found")
	ErrNoIdentifiers        = errors.New("harvester: no identifiers given")
	ErrNoSourceStore        = errors.New("harvester: named sources need a source store")
	ErrUnknownEncoding      = errors.New("harvester: unknown character encoding")
	ErrUnknownGranularity   = errors.New("harvester: unknown datestamp granularity")
)

// IsConfigError reports whether err is a caller-input problem rather than
// a harvest failure.
func IsConfigError(err error) bool {
	for _, target := range []error{
		ErrNameOrURLMissing,
		ErrWrongDateCombination,
		ErrIdentifiersOrDates,
		ErrSourceNotFound,
		ErrNoIdentifiers,
		ErrNoSourceStore,
		ErrUnknownEncoding,
		ErrUnknownGranularity,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
