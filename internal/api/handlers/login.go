package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/bililink/internal/auth/qrlogin"
)

// LoginService is the part of the QR login manager the API drives.
type LoginService interface {
	StartLogin(ctx context.Context, identity, displayName string) (*qrlogin.Session, error)
	CancelLogin(identity string) bool
	Session(identity string) (*qrlogin.Session, bool)
}

type startLoginRequest struct {
	DisplayName string `json:"display_name"`
}

// StartLoginHandler starts a QR login for the identity in the path and
// returns the code to display. Polling continues in the background.
func StartLoginHandler(logins LoginService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := chi.URLParam(r, "identity")
		var req startLoginRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.DisplayName == "" {
			req.DisplayName = identity
		}

		s, err := logins.StartLogin(r.Context(), identity, req.DisplayName)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"session_id": s.ID,
			"code_url":   s.QRURL,
			"qrcode_key": s.QRKey,
			"expire_at":  s.ExpireAt.Format(time.RFC3339),
		})
	}
}

func CancelLoginHandler(logins LoginService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := chi.URLParam(r, "identity")
		if !logins.CancelLogin(identity) {
			writeError(w, http.StatusNotFound, "no login in progress")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

// LoginStatusHandler reports the live session of an identity, or its most
// recent finished one. An identity that never started a login is IDLE.
func LoginStatusHandler(logins LoginService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := chi.URLParam(r, "identity")
		s, ok := logins.Session(identity)
		if !ok {
			writeJSON(w, http.StatusOK, qrlogin.Snapshot{Identity: identity, State: qrlogin.StateIdle})
			return
		}
		writeJSON(w, http.StatusOK, s.Snapshot())
	}
}
