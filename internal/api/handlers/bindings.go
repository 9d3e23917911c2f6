package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/bililink/internal/db"
)

func BindingHandler(store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := store.Bindings().ByIdentity(r.Context(), chi.URLParam(r, "identity"))
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"binding": b,
			"active":  b.Active(),
		})
	}
}

// UnbindHandler deactivates the identity's binding. The row is kept.
func UnbindHandler(store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := store.Bindings().Unbind(r.Context(), chi.URLParam(r, "identity"))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"result": string(res)})
			return
		}
		status := http.StatusOK
		if res == db.UnbindNotBound {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"result": string(res)})
	}
}

// AccountBindingHandler answers which identity currently holds a Bilibili
// account, given as ?account=<mid>.
func AccountBindingHandler(store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mid, err := strconv.ParseInt(r.URL.Query().Get("account"), 10, 64)
		if err != nil || mid <= 0 {
			writeError(w, http.StatusBadRequest, "account must be a positive uid")
			return
		}
		b, err := store.Bindings().ActiveByAccount(r.Context(), mid)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"binding": b,
			"active":  b.Active(),
		})
	}
}
