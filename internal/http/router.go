package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/micro-ha/audiconnect/addon/internal/http/handlers"
)

const (
	readTimeout = 20 * time.Second
	// vehicle refreshes and actions poll the vendor for minutes
	longTimeout = 5 * time.Minute
)

// NewRouter builds the HTTP routing tree of the add-on API.
func NewRouter(api *handlers.API) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RecoverJSON(api))
	r.Use(StripIngressPrefix)
	r.Use(RequestLogger(api))

	r.With(middleware.Timeout(readTimeout)).Get("/healthz", api.Health)
	r.Handle("/metrics", api.Metrics())

	r.Route("/api", func(apiRouter chi.Router) {
		apiRouter.Group(func(read chi.Router) {
			read.Use(middleware.Timeout(readTimeout))
			read.Get("/accounts", api.ListAccounts)
			read.Get("/vehicles", api.ListVehicles)
			read.Get("/vehicles/{vin}", func(w http.ResponseWriter, r *http.Request) {
				api.GetVehicle(w, r, chi.URLParam(r, "vin"))
			})
			read.Get("/vehicles/{vin}/actions", func(w http.ResponseWriter, r *http.Request) {
				api.ListActions(w, r, chi.URLParam(r, "vin"))
			})
		})

		apiRouter.Group(func(long chi.Router) {
			long.Use(middleware.Timeout(longTimeout))
			long.Post("/refresh", api.RefreshCloud)
			long.Post("/vehicles/{vin}/refresh", func(w http.ResponseWriter, r *http.Request) {
				api.RefreshVehicle(w, r, chi.URLParam(r, "vin"))
			})
			long.Post("/vehicles/{vin}/actions", func(w http.ResponseWriter, r *http.Request) {
				api.ExecuteAction(w, r, chi.URLParam(r, "vin"))
			})
		})
	})
	return r
}
