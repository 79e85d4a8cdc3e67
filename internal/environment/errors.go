package environment

import "errors"

// Domain errors. Service methods wrap one of these so callers can classify
// failures with errors.Is.
var (
	// ErrUnknownEnvironmentType means the requested type is not in the catalog.
	ErrUnknownEnvironmentType = errors.New("unknown environment type")
	// ErrValidation means the request is malformed.
	ErrValidation = errors.New("invalid request")
	// ErrNotFound means no matching active environment is owned by the caller.
	ErrNotFound = errors.New("environment not found")
	// ErrRuntime means a container engine operation failed.
	ErrRuntime = errors.New("container runtime error")
	// ErrPersistence means a store operation failed.
	ErrPersistence = errors.New("persistence error")
	// ErrStatusConflict is returned by Repository.UpdateStatus when the row
	// is not in the expected status.
	ErrStatusConflict = errors.New("environment status changed concurrently")
)

// IsClientError reports whether err is caused by the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnknownEnvironmentType) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound)
}
