package apperrors

import (
	"errors"
	"net/http"
)

// statusOrder is checked first to last, so an error carrying several
// sentinels gets the status of the earliest.
var statusOrder = []struct {
	sentinel error
	status   int
}{
	{ErrValidation, http.StatusBadRequest},
	{ErrScheduler, http.StatusBadRequest},
	{ErrNotFound, http.StatusNotFound},
	{ErrConflict, http.StatusConflict},
	{ErrSubmission, http.StatusUnprocessableEntity},
	{ErrTool, http.StatusUnprocessableEntity},
	{ErrStaging, http.StatusUnprocessableEntity},
	{ErrFatal, http.StatusServiceUnavailable},
	{ErrTransient, http.StatusServiceUnavailable},
}

// HTTPStatus maps err to a response status; unclassified errors are 500.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusInternalServerError
	}
	for _, s := range statusOrder {
		if errors.Is(err, s.sentinel) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}
