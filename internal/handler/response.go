package handler

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/voltgrid/coordinator/internal/errors"
	"github.com/voltgrid/coordinator/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

// decodeJSON parses a request body into dst, mapping malformed payloads to a
// validation error.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.ValidationError("Malformed JSON body").WithCause(err)
	}
	return nil
}
