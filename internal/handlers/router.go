package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"notemind/internal/contextutil"
)

// NewRouter assembles the HTTP surface with the shared middleware
// stack: request IDs, panic recovery, per-request context loggers, and
// permissive CORS for local clients.
func NewRouter(logger *slog.Logger, chat *ChatHandler, notes *NotesHandler, health *HealthHandler) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/healthz", health.Handle)

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", chat.Handle)

		r.Route("/notes", func(r chi.Router) {
			r.Post("/", notes.Create)
			r.Get("/", notes.List)
			r.Get("/{id}", notes.Get)
			r.Put("/{id}", notes.Update)
			r.Delete("/{id}", notes.Delete)
		})
	})

	return r
}

// requestLogger injects a request-scoped logger into the context and
// logs one line per request on completion.
func requestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()

			reqLogger := base.With("request_id", middleware.GetReqID(r.Context()))
			ctx := contextutil.WithLogger(r.Context(), reqLogger)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			reqLogger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"elapsed_ms", time.Since(started).Milliseconds(),
			)
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
