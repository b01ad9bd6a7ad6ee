package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	apperrors "github.com/retailassist/session-server-go/internal/errors"
	"github.com/retailassist/session-server-go/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

// writeError logs unexpected failures before handing the error to
// httputil; client errors are not logged here.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if code := apperrors.GetCode(err); code == apperrors.ErrCodeInternal || code == apperrors.ErrCodeRegistry {
		log.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("session request failed")
	}
	httputil.WriteError(w, err)
}

// decodeJSON reads an optional JSON body into v. An empty body is not an error.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperrors.InvalidInput("request body", "must be a JSON object")
	}
	return nil
}
