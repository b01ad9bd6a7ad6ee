package middleware

import (
	"net/http"

	"github.com/retailassist/session-server-go/internal/httputil"
)

type contextKey string

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}
