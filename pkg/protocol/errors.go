package protocol

// Error codes reported in ErrorShape.Code.
const (
	ErrInvalidRequest     = "INVALID_REQUEST"
	ErrUnavailable        = "UNAVAILABLE"
	ErrNotFound           = "NOT_FOUND"
	ErrAlreadyExists      = "ALREADY_EXISTS"
	ErrResourceExhausted  = "RESOURCE_EXHAUSTED"
	ErrFailedPrecondition = "FAILED_PRECONDITION"
	ErrInternal           = "INTERNAL"
)
