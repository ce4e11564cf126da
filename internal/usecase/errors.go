package usecase

import "errors"

// Request outcomes that the HTTP layer turns into client-facing statuses.
// Anything else returned by the use case is an internal failure.
var (
	ErrMissingFields        = errors.New("missing user_id or image")
	ErrInvalidUserID        = errors.New("invalid user_id")
	ErrInvalidImage         = errors.New("invalid image data")
	ErrNoFace               = errors.New("no face detected in image")
	ErrNotRegistered        = errors.New("face not registered for this user")
	ErrStoredFaceInvalid    = errors.New("stored face image is invalid")
	ErrInvalidCurrentImage  = errors.New("invalid current image data")
	ErrNoFaceInCurrentImage = errors.New("no face detected in current image")
	ErrResultNotFound       = errors.New("result not found")
)
