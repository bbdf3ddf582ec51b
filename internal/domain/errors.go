package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a feed-transport error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g. "dial", "read", "subscribe")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// StorageError classifies a persistence backend failure. Transient failures
// (connection resets, timeouts, serialization conflicts) are retriable; the
// storage sink retries the held batch with backoff. Non-retriable failures
// push the sink into logging-only degraded mode.
type StorageError struct {
	Op        string // Operation that failed (e.g. "append", "schema", "index")
	Err       error
	Retriable bool
}

func (e *StorageError) Error() string {
	return "storage " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) IsRetriable() bool {
	return e.Retriable
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a retriable storage error
func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err, Retriable: true}
}

// NewFatalStorageError creates a non-retriable storage error
func NewFatalStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrDuplicateOrderID is returned by a book Add whose order id is already
	// resting. The book is left unchanged.
	ErrDuplicateOrderID = errors.New("duplicate order id")

	// ErrUnknownOrder marks a cancel/modify/trade referencing an id the book
	// does not hold. Tolerated: logged and counted, never propagated.
	ErrUnknownOrder = errors.New("unknown order id")

	// ErrOversizedTrade marks a trade whose quantity exceeds the resting
	// order's. Feed quantities are not assumed consistent; tolerated like an
	// unknown-order reference.
	ErrOversizedTrade = errors.New("trade exceeds resting quantity")

	// ErrQueueClosed is returned when pushing to a fan-out queue after shutdown
	ErrQueueClosed = errors.New("queue closed")

	// ErrNoSnapshot is returned when no snapshot has been published yet for an instrument
	ErrNoSnapshot = errors.New("no snapshot published")

	// ErrDegraded marks a sink that exhausted its retries and now only logs
	ErrDegraded = errors.New("sink degraded to logging-only mode")

	// ErrConfigNotFound is returned when the configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
