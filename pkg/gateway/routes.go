package gateway

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (g *Gateway) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(g.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(g.corsMiddleware)

	r.Get("/health", g.healthHandler)

	// The event stream lives outside the request timeout.
	r.Get("/v1/events", g.eventsHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(g.cfg.RequestTimeout))

		r.Get("/session", g.sessionHandler)
		r.Post("/session/connect", g.connectHandler)
		r.Delete("/session", g.disconnectHandler)

		r.Post("/network/switch", g.switchNetworkHandler)

		r.Get("/listings", g.listingsHandler)
		r.Post("/listings/refresh", g.refreshListingsHandler)

		r.Post("/purchases", g.purchaseHandler)
		r.Get("/purchases/progress", g.progressHandler)
		r.Post("/purchases/progress/dismiss", g.dismissHandler)
		r.Post("/purchases/progress/show", g.showProgressHandler)
		r.Post("/purchases/progress/recheck", g.recheckHandler)
		r.Get("/purchases/history", g.historyHandler)

		r.Post("/content/{cid}/download", g.downloadHandler)

		r.Get("/balance", g.balanceHandler)
		r.With(g.rateLimit).Post("/faucet", g.faucetHandler)
	})

	return r
}
