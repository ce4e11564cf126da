package handlers

import (
	"errors"
	"net/http"

	"github.com/example/face-check/internal/usecase"
)

const (
	messageInternal       = "Internal server error"
	messageResultNotFound = "Result not found"
)

var errorResponses = []struct {
	err     error
	status  int
	message string
}{
	{usecase.ErrMissingFields, http.StatusBadRequest, "Missing user_id or image"},
	{usecase.ErrInvalidUserID, http.StatusBadRequest, "Invalid user_id"},
	{usecase.ErrInvalidImage, http.StatusBadRequest, "Invalid image data"},
	{usecase.ErrNoFace, http.StatusBadRequest, "No face detected in image"},
	{usecase.ErrNotRegistered, http.StatusNotFound, "Face not registered for this user"},
	{usecase.ErrStoredFaceInvalid, http.StatusInternalServerError, "Stored face image is invalid"},
	{usecase.ErrInvalidCurrentImage, http.StatusBadRequest, "Invalid current image data"},
	{usecase.ErrNoFaceInCurrentImage, http.StatusBadRequest, "No face detected in current image"},
	{usecase.ErrResultNotFound, http.StatusNotFound, messageResultNotFound},
}

// classify maps a use case error to its response. Unknown errors are
// internal failures.
func classify(err error) (status int, message string, known bool) {
	for _, r := range errorResponses {
		if errors.Is(err, r.err) {
			return r.status, r.message, true
		}
	}
	return http.StatusInternalServerError, messageInternal, false
}
