package trend

import "errors"

var (
	// ErrMalformedObservation marks a raw item that could not be normalized.
	ErrMalformedObservation = errors.New("malformed observation")
	// ErrSourceFetchFailed marks a source whose fetch failed for this crawl.
	ErrSourceFetchFailed = errors.New("source fetch failed")
	// ErrDuplicateBatch is returned when a crawl time was already recorded.
	ErrDuplicateBatch = errors.New("duplicate crawl batch")
	// ErrStorageTransient wraps lock contention and other retryable storage errors.
	ErrStorageTransient = errors.New("transient storage error")
	// ErrStorageFatal wraps non-retryable storage errors. It aborts a run.
	ErrStorageFatal = errors.New("fatal storage error")
	// ErrAlreadyPushed is returned when a push record already exists for the key.
	ErrAlreadyPushed = errors.New("already pushed")
	// ErrDeliveryFailed marks a delivery batch that the channel did not accept.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrDeliveryRejected marks a channel response that retrying cannot fix.
	ErrDeliveryRejected = errors.New("delivery rejected")
	// ErrBatchFinished is returned for writes against a finished crawl batch.
	ErrBatchFinished = errors.New("crawl batch finished")
	// ErrUnknownSource is returned when no fetcher is registered for a source.
	ErrUnknownSource = errors.New("unknown source")
	// ErrDedupModeChanged is returned when the configured fingerprint mode
	// differs from the one recorded alongside existing push history.
	ErrDedupModeChanged = errors.New("dedup mode changed")
)
