package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ngaut/planengine/internal/commitgraph"
	"github.com/ngaut/planengine/internal/vmerr"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

// writeError classifies err: not-found conditions surface as 404, everything
// else as 500. Bad-input cases are caught earlier by writeBadRequest at the
// request-decoding boundary.
func writeError(w http.ResponseWriter, err error) {
	if isNotFound(err) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
}

func isNotFound(err error) bool {
	if errors.Is(err, vmerr.ErrBranchNotFound) || errors.Is(err, vmerr.ErrCommitNotFound) {
		return true
	}
	if errors.Is(err, commitgraph.ErrBranchNotFound) || errors.Is(err, commitgraph.ErrCommitNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found")
}
