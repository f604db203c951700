package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cwbudde/simcalib/internal/store"
)

// writeJSON encodes v before writing the header, so an unencodable value
// (a NaN metric, say) becomes a 500 instead of a truncated 200.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// reduction is S/S_first of a job, or nil before both are known.
func reduction(job *Job) *float64 {
	if job.ResidualNorm == nil || job.FirstResidualNorm == nil || *job.FirstResidualNorm == 0 {
		return nil
	}
	return finite(*job.ResidualNorm / *job.FirstResidualNorm)
}
