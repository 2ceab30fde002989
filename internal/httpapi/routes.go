package httpapi

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes attaches every endpoint to the router. Auth, request-ID and
// rate-limit middleware are applied by the server around this mux.
func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/health", HealthHandler(d))

	r.Post("/enhance", EnhanceHandler(d))
	r.Post("/enhance/stream", EnhanceStreamHandler(d))
	r.Post("/refine", RefineHandler(d))
	r.Post("/clarify", ClarifyHandler(d))
	r.Post("/recommendation", RecommendationHandler(d))
	r.Post("/analyze-quality", AnalyzeQualityHandler(d))
	r.Post("/identify-intent", IdentifyIntentHandler(d))

	r.Route("/context", func(r chi.Router) {
		r.Post("/upload", ContextUploadHandler(d))
		r.Post("/retrieve", ContextRetrieveHandler(d))
		r.Get("/{id}/info", ContextInfoHandler(d))
		r.Delete("/{id}", ContextDeleteHandler(d))
	})

	r.Route("/api/v1/models", func(r chi.Router) {
		r.Post("/compare", CompareHandler(d))
		r.Get("/best-two", BestTwoHandler(d))
		r.Post("/best-two-for-query", BestTwoForQueryHandler(d))
		r.Post("/{provider}", ModelInvokeHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Get("/stats", StatsHandler(d))
		if d.Store != nil {
			r.Get("/logs", RequestLogsHandler(d))
		}
		if d.EventBus != nil {
			r.Get("/events", EventsHandler(d.EventBus))
		}
		if d.Vault != nil {
			r.Post("/vault/unlock", VaultUnlockHandler(d))
			r.Post("/vault/lock", VaultLockHandler(d))
		}
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}
