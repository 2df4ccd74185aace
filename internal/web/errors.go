package web

import (
	"encoding/json"
	"net/http"

	"github.com/c3po-dev/c3po/internal/apierr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders any error as the coordinator's JSON error shape.
func writeError(w http.ResponseWriter, err error) {
	ae := apierr.From(err)
	writeJSON(w, ae.HTTPStatus(), ae)
}
