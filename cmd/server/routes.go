package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/technosupport/ts-mediagw/internal/api"
	"github.com/technosupport/ts-mediagw/internal/data"
	"github.com/technosupport/ts-mediagw/internal/middleware"
)

type handlers struct {
	auth      *api.AuthHandler
	devices   *api.DeviceHandler
	streams   *api.StreamHandler
	consumers *api.ConsumerHandler
	playback  *api.PlaybackHandler
	snapshots *api.SnapshotHandler
	bookmarks *api.BookmarkHandler
	health    *api.HealthHandler
}

func newRouter(h handlers, jwtAuth *middleware.JWTAuth, rl *middleware.RateLimitMiddleware,
	httpMetrics *middleware.HTTPMetrics, metricsHandler http.Handler, corsOrigins []string) http.Handler {

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.CORS(corsOrigins))
	r.Use(httpMetrics.Middleware)

	r.Get("/v2/health", h.health.Liveness)
	r.Get("/v2/health/detail", h.health.Readiness)
	r.Handle("/metrics", metricsHandler)

	// Legacy device-scoped stream control, kept on its original prefix.
	r.Route("/v1/devices/{id}", func(r chi.Router) {
		r.Use(rl.Limit)
		r.Use(jwtAuth.Middleware)
		r.With(middleware.RequireScope(data.ScopeStreamsWrite)).Post("/start-stream", h.streams.StartStream)
		r.With(middleware.RequireScope(data.ScopeStreamsWrite)).Post("/stop-stream", h.streams.StopStream)
	})

	r.Route("/v2", func(r chi.Router) {
		r.Use(rl.Limit)

		r.Route("/auth/token", func(r chi.Router) {
			r.Post("/", h.auth.Token)
			r.Post("/refresh", h.auth.Refresh)
			r.Post("/revoke", h.auth.Revoke)
		})

		// Everything below requires a bearer token.
		r.Group(func(r chi.Router) {
			r.Use(jwtAuth.Middleware)

			r.Route("/devices", func(r chi.Router) {
				r.With(middleware.RequireScope(data.ScopeStreamsRead)).Get("/", h.devices.List)
				r.With(middleware.RequireScope(data.ScopeStreamsRead)).Get("/{id}", h.devices.Get)
				r.With(middleware.RequireScope(data.ScopeStreamsWrite)).Post("/", h.devices.Create)
				r.With(middleware.RequireScope(data.ScopeStreamsWrite)).Put("/{id}", h.devices.Update)
				r.With(middleware.RequireScope(data.ScopeStreamsWrite)).Delete("/{id}", h.devices.Delete)
			})

			r.Route("/streams", func(r chi.Router) {
				r.With(middleware.RequireScope(data.ScopeStreamsRead)).Get("/", h.streams.List)
				r.With(middleware.RequireScope(data.ScopeStreamsRead)).Get("/{id}", h.streams.Get)
				r.With(middleware.RequireScope(data.ScopeStreamsRead)).Get("/{id}/health", h.streams.Health)
				r.With(middleware.RequireScope(data.ScopeStreamsRead)).Get("/{id}/router-capabilities", h.streams.RouterCapabilities)
				r.With(middleware.RequireScope(data.ScopeStreamsWrite)).Post("/{id}/stop", h.streams.Stop)
				r.With(middleware.RequireScope(data.ScopeStreamsWrite)).Delete("/{id}", h.streams.Delete)

				r.With(middleware.RequireScope(data.ScopeStreamsConsume)).Post("/{id}/consume", h.consumers.Attach)
				r.With(middleware.RequireScope(data.ScopeStreamsRead)).Get("/{id}/consumers", h.consumers.List)
				r.With(middleware.RequireScope(data.ScopeStreamsConsume)).Post("/{id}/consumers/{cid}/connect", h.consumers.Connect)
				r.With(middleware.RequireScope(data.ScopeStreamsConsume)).Post("/{id}/consumers/{cid}/ice-candidate", h.consumers.IceCandidate)
				r.With(middleware.RequireScope(data.ScopeStreamsConsume)).Delete("/{id}/consumers/{cid}", h.consumers.Detach)

				// HLS playback; players may pass the token as ?token=.
				r.With(middleware.RequireScope(data.ScopeStreamsRead)).Get("/{id}/hls/{file}", h.playback.Serve)

				r.With(middleware.RequireScope(data.ScopeSnapshotsWrite)).Post("/{id}/snapshots", h.snapshots.Create)
				r.With(middleware.RequireScope(data.ScopeBookmarksWrite)).Post("/{id}/bookmarks", h.bookmarks.Create)
			})

			r.Route("/snapshots", func(r chi.Router) {
				r.With(middleware.RequireScope(data.ScopeSnapshotsRead)).Get("/", h.snapshots.List)
				r.With(middleware.RequireScope(data.ScopeSnapshotsRead)).Get("/{id}", h.snapshots.Get)
				r.With(middleware.RequireScope(data.ScopeSnapshotsRead)).Get("/{id}/image", h.snapshots.Image)
				r.With(middleware.RequireScope(data.ScopeSnapshotsWrite)).Delete("/{id}", h.snapshots.Delete)
			})

			r.Route("/bookmarks", func(r chi.Router) {
				r.With(middleware.RequireScope(data.ScopeBookmarksRead)).Get("/", h.bookmarks.List)
				r.With(middleware.RequireScope(data.ScopeBookmarksRead)).Get("/{id}", h.bookmarks.Get)
				r.With(middleware.RequireScope(data.ScopeBookmarksRead)).Get("/{id}/video", h.bookmarks.Video)
				r.With(middleware.RequireScope(data.ScopeBookmarksRead)).Get("/{id}/thumbnail", h.bookmarks.Thumbnail)
				r.With(middleware.RequireScope(data.ScopeBookmarksWrite)).Put("/{id}", h.bookmarks.Update)
				r.With(middleware.RequireScope(data.ScopeBookmarksWrite)).Delete("/{id}", h.bookmarks.Delete)
			})
		})
	})

	return r
}
