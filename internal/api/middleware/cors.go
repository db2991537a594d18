// Package middleware provides HTTP middleware components for the Loom audit API.
package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// CORSConfig supplies the CORS policy. The concrete type lives in the api
// package so server configuration stays in one place.
type CORSConfig interface {
	GetAllowedOrigins() []string
	GetAllowedMethods() []string
	GetAllowedHeaders() []string
	GetMaxAge() int
}

// CORS answers cross-origin requests according to the configured policy and
// short-circuits preflights. The static header values are rendered once at
// construction; only the origin check runs per request.
func CORS(config CORSConfig) func(http.Handler) http.Handler {
	origins := config.GetAllowedOrigins()
	wildcard := len(origins) == 1 && origins[0] == "*"
	methods := strings.Join(config.GetAllowedMethods(), ", ")
	headers := strings.Join(config.GetAllowedHeaders(), ", ")

	var maxAge string
	if config.GetMaxAge() > 0 {
		maxAge = strconv.Itoa(config.GetMaxAge())
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()

			if wildcard {
				h.Set("Access-Control-Allow-Origin", "*")
			} else if origin := r.Header.Get("Origin"); origin != "" && slices.Contains(origins, origin) {
				h.Set("Access-Control-Allow-Origin", origin)
			}

			if methods != "" {
				h.Set("Access-Control-Allow-Methods", methods)
			}

			if headers != "" {
				h.Set("Access-Control-Allow-Headers", headers)
			}

			if maxAge != "" {
				h.Set("Access-Control-Max-Age", maxAge)
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
