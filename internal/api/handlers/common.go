// Package handlers holds the HTTP handlers of the admin and host-trigger API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/pysugar/bililink/internal/apperr"
	"github.com/pysugar/bililink/internal/db"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": message},
	})
}

// writeFailure maps err onto an HTTP status by its kind.
func writeFailure(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, failureStatus(err), map[string]any{
		"error": map[string]string{"message": err.Error(), "kind": string(apperr.KindOf(err))},
	})
}

func failureStatus(err error) int {
	if errors.Is(err, db.ErrNotFound) {
		return http.StatusNotFound
	}
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindCredentialDisabled, apperr.KindCredentialExpired, apperr.KindBindConflict, apperr.KindAlreadyIssued:
		return http.StatusConflict
	case apperr.KindAuthFailed, apperr.KindUpstreamRejected, apperr.KindProtocol, apperr.KindNetworkOther, apperr.KindNetworkUnreachable:
		return http.StatusBadGateway
	case apperr.KindNetworkTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads an optional JSON body into v. An empty body is not an error.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
