package server

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/agentsmithy/agentsmithy/pkg/config"
	"github.com/agentsmithy/agentsmithy/pkg/logger"
)

// recoverMiddleware converts panics into 500s instead of dropped
// connections.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("Panic in handler",
					"path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
				writeDetail(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP request",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// corsMiddleware answers preflight requests and stamps CORS headers for
// IDE clients served from webviews.
func corsMiddleware(cfg *config.CORSConfig) func(http.Handler) http.Handler {
	origins := "*"
	methods := "GET, POST, PATCH, DELETE, OPTIONS"
	headers := "Content-Type, Authorization"
	if cfg != nil {
		if len(cfg.AllowedOrigins) > 0 {
			origins = strings.Join(cfg.AllowedOrigins, ", ")
		}
		if len(cfg.AllowedMethods) > 0 {
			methods = strings.Join(cfg.AllowedMethods, ", ")
		}
		if len(cfg.AllowedHeaders) > 0 {
			headers = strings.Join(cfg.AllowedHeaders, ", ")
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origins)
			w.Header().Set("Access-Control-Allow-Methods", methods)
			w.Header().Set("Access-Control-Allow-Headers", headers)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
