package handlers

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/bililink/internal/auth/cookie"
	"github.com/pysugar/bililink/internal/db"
	"github.com/pysugar/bililink/internal/db/models"
	"github.com/pysugar/bililink/internal/util"
)

type CookieRefresher interface {
	Refresh(ctx context.Context, label string) (*cookie.Outcome, error)
	RefreshAll(ctx context.Context) ([]cookie.Result, error)
}

// credentialView is the credential as the API shows it: tokens masked.
type credentialView struct {
	ID                uint       `json:"id"`
	Label             string     `json:"label"`
	ExternalAccountID *int64     `json:"external_account_id,omitempty"`
	Status            string     `json:"status"`
	SESSDATA          string     `json:"sessdata,omitempty"`
	BiliJct           string     `json:"bili_jct,omitempty"`
	Buvid3            string     `json:"buvid3,omitempty"`
	HasRefreshToken   bool       `json:"has_refresh_token"`
	CookieExpiresAt   *time.Time `json:"cookie_expires_at,omitempty"`
	ExpiredAt         *time.Time `json:"expired_at,omitempty"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func newCredentialView(c *models.Credential) credentialView {
	return credentialView{
		ID:                c.ID,
		Label:             c.Label,
		ExternalAccountID: c.ExternalAccountID,
		Status:            c.Status.String(),
		SESSDATA:          util.MaskSecret(c.PrimaryToken),
		BiliJct:           util.MaskSecret(c.CSRFToken),
		Buvid3:            util.MaskSecret(c.DeviceToken),
		HasRefreshToken:   c.RefreshToken != "",
		CookieExpiresAt:   c.CookieExpiresAt,
		ExpiredAt:         c.ExpiredAt,
		LastUsedAt:        c.LastUsedAt,
		UpdatedAt:         c.UpdatedAt,
	}
}

func ListCredentialsHandler(store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creds, err := store.Credentials().List(r.Context())
		if err != nil {
			writeFailure(w, err)
			return
		}
		views := make([]credentialView, 0, len(creds))
		for i := range creds {
			views = append(views, newCredentialView(&creds[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{"credentials": views})
	}
}

// GetCredentialHandler looks a credential up by label, or with ?by=identity
// through the identity's active binding.
func GetCredentialHandler(store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		var (
			cred *models.Credential
			err  error
		)
		switch r.URL.Query().Get("by") {
		case "", "label":
			cred, err = store.Credentials().GetByLabel(r.Context(), key)
		case "identity":
			var b *models.Binding
			b, err = store.Bindings().ActiveByIdentity(r.Context(), key)
			if err == nil {
				cred, err = store.Credentials().GetByAccount(r.Context(), b.ExternalAccountID)
			}
		default:
			writeError(w, http.StatusBadRequest, "by must be label or identity")
			return
		}
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newCredentialView(cred))
	}
}

type statusRequest struct {
	Status string `json:"status"`
}

// SetCredentialStatusHandler lets an operator disable or re-enable a
// credential. Rows are never deleted.
func SetCredentialStatusHandler(store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req statusRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		var status models.CredentialStatus
		switch strings.ToUpper(req.Status) {
		case "ACTIVE":
			status = models.CredentialActive
		case "DISABLED":
			status = models.CredentialDisabled
		default:
			writeError(w, http.StatusBadRequest, "status must be ACTIVE or DISABLED")
			return
		}

		cred, err := store.Credentials().GetByLabel(r.Context(), chi.URLParam(r, "key"))
		if err != nil {
			writeFailure(w, err)
			return
		}
		cred, err = store.Credentials().MarkStatus(r.Context(), cred.ID, status)
		if err != nil {
			writeFailure(w, err)
			return
		}
		log.Printf("🔧 [API] credential %s set to %s", cred.Label, cred.Status)
		writeJSON(w, http.StatusOK, newCredentialView(cred))
	}
}

// RefreshCredentialHandler runs the cookie refresh for one credential and
// waits for it.
func RefreshCredentialHandler(refresher CookieRefresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		label := chi.URLParam(r, "key")
		out, err := refresher.Refresh(r.Context(), label)
		if err != nil {
			writeJSON(w, failureStatus(err), map[string]any{
				"label":       label,
				"failed_step": cookie.FailedStep(err),
				"error":       err.Error(),
			})
			return
		}
		resp := map[string]any{
			"label":     label,
			"refreshed": out.Refreshed,
			"confirmed": out.Confirmed,
		}
		if out.ConfirmErr != nil {
			resp["confirm_error"] = out.ConfirmErr.Error()
		}
		if out.Credential != nil {
			resp["credential"] = newCredentialView(out.Credential)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// RefreshAllHandler starts a refresh of every active credential and
// returns at once.
func RefreshAllHandler(refresher CookieRefresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			results, err := refresher.RefreshAll(ctx)
			if err != nil {
				log.Printf("❌ [API] refresh all: %v", err)
				return
			}
			failed := 0
			for _, res := range results {
				if res.Err != nil {
					failed++
				}
			}
			log.Printf("🔄 [API] refresh all finished: %d credential(s), %d failed", len(results), failed)
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":  "ok",
			"message": "Cookie refresh triggered",
		})
	}
}
