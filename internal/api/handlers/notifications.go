package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/bililink/internal/notify"
)

// NotificationsHandler drains the identity's mailbox. Messages are
// returned once.
func NotificationsHandler(mailbox *notify.Mailbox) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"messages": mailbox.Drain(chi.URLParam(r, "identity"))})
	}
}
