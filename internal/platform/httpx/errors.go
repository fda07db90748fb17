// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
)

// Sentinel errors for the ops surface.
var (
	ErrBadRequest  = errors.New("bad request")
	ErrUnavailable = errors.New("dependency unavailable")
)

// RespondError maps ledger and ops errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBadRequest):
		Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, ErrUnavailable):
		Problem(w, http.StatusServiceUnavailable, "Unavailable", err.Error())
	case accounting.IsNotFound(err):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, accounting.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case accounting.IsClientError(err):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
