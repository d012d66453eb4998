package entity

import "errors"

// Error taxonomy shared by every layer. Lower layers wrap these with
// fmt.Errorf("...: %w", ...) and the HTTP handler maps them to status codes.
var (
	// ErrUnsupportedFormat is returned for containers the service does not recognise. Permanent.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrCorruptRaster is returned for recognised containers with invalid internals. Permanent.
	ErrCorruptRaster = errors.New("corrupt raster")
	// ErrBackendUnavailable is returned for transient storage I/O failures. Retryable by the caller.
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrNotFound           = errors.New("not found")
	// ErrTileOutOfBounds is returned for zoom levels outside the served range or malformed tile addresses.
	ErrTileOutOfBounds = errors.New("tile out of bounds")
	// ErrDuplicateKey is returned by the registry when (backend, storage key) already exists.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrKeyConflict is returned by a storage backend asked to overwrite an existing object.
	ErrKeyConflict = errors.New("key conflict")
	// ErrCacheComputeFailure marks errors delivered to every waiter of a failed tile render.
	ErrCacheComputeFailure = errors.New("cache compute failure")

	ErrForbidden    = errors.New("forbidden")
	ErrTooLarge     = errors.New("payload too large")
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidRequest is returned when the caller's body could not be read to the end.
	ErrInvalidRequest = errors.New("invalid request")
)

// Kind returns the taxonomy name of err, used as the "error" field of API
// responses. Unclassified errors report "Internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnsupportedFormat):
		return "UnsupportedFormat"
	case errors.Is(err, ErrCorruptRaster):
		return "CorruptRaster"
	case errors.Is(err, ErrBackendUnavailable):
		return "BackendUnavailable"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrTileOutOfBounds):
		return "TileOutOfBounds"
	case errors.Is(err, ErrDuplicateKey):
		return "DuplicateKey"
	case errors.Is(err, ErrKeyConflict):
		return "KeyConflict"
	case errors.Is(err, ErrForbidden):
		return "Forbidden"
	case errors.Is(err, ErrTooLarge):
		return "TooLarge"
	case errors.Is(err, ErrInvalidToken):
		return "InvalidToken"
	case errors.Is(err, ErrInvalidRequest):
		return "InvalidRequest"
	case errors.Is(err, ErrCacheComputeFailure):
		return "CacheComputeFailure"
	default:
		return "Internal"
	}
}
