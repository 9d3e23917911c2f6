// Package api assembles the HTTP surface: host triggers, admin
// operations, health and metrics.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pysugar/bililink/internal/api/handlers"
	"github.com/pysugar/bililink/internal/api/middleware"
	"github.com/pysugar/bililink/internal/db"
	"github.com/pysugar/bililink/internal/notify"
)

type Deps struct {
	Store      *db.Store
	Logins     handlers.LoginService
	Rewards    handlers.RewardService
	Refresher  handlers.CookieRefresher
	Mailbox    *notify.Mailbox
	AdminToken string
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics)

	r.Get("/healthz", handlers.HealthHandler())
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.AdminAuth(d.AdminToken))

		r.Get("/version", handlers.VersionHandler())

		r.Route("/login/{identity}", func(r chi.Router) {
			r.Post("/", handlers.StartLoginHandler(d.Logins))
			r.Delete("/", handlers.CancelLoginHandler(d.Logins))
			r.Get("/", handlers.LoginStatusHandler(d.Logins))
		})

		r.Post("/rewards", handlers.IssueRewardHandler(d.Rewards))
		r.Get("/rewards/status", handlers.RewardStatusHandler(d.Rewards))
		r.Post("/rewards/{id}/failed", handlers.DeliveryFailedHandler(d.Rewards))

		r.Get("/bindings", handlers.AccountBindingHandler(d.Store))
		r.Get("/bindings/{identity}", handlers.BindingHandler(d.Store))
		r.Delete("/bindings/{identity}", handlers.UnbindHandler(d.Store))

		r.Get("/credentials", handlers.ListCredentialsHandler(d.Store))
		r.Post("/credentials/refresh", handlers.RefreshAllHandler(d.Refresher))
		r.Get("/credentials/{key}", handlers.GetCredentialHandler(d.Store))
		r.Patch("/credentials/{key}", handlers.SetCredentialStatusHandler(d.Store))
		r.Post("/credentials/{key}/refresh", handlers.RefreshCredentialHandler(d.Refresher))

		r.Get("/notifications/{identity}", handlers.NotificationsHandler(d.Mailbox))
	})

	return r
}
