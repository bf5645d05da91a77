package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

type contextKey string

const UserContextKey contextKey = "username"
const RoleContextKey contextKey = "role"

func ExtractUserFromContext(r *http.Request) (string, error) {
	username, ok := r.Context().Value(UserContextKey).(string)
	if !ok {
		return "", errors.New("user not found in context")
	}
	return username, nil
}

type (
	responseData struct {
		status int
		size   int
	}
	loggingResponseWriter struct {
		http.ResponseWriter
		responseData *responseData
	}
)

func (r *loggingResponseWriter) Write(b []byte) (int, error) {
	size, err := r.ResponseWriter.Write(b)
	r.responseData.size += size
	return size, err
}

func (r *loggingResponseWriter) WriteHeader(statusCode int) {
	r.ResponseWriter.WriteHeader(statusCode)
	r.responseData.status = statusCode
}

func LoggingMiddleware(logg *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			responseData := &responseData{}
			lw := loggingResponseWriter{
				ResponseWriter: w,
				responseData:   responseData,
			}
			next.ServeHTTP(&lw, r)
			duration := time.Since(start)

			logg.Info("request",
				"uri", r.RequestURI,
				"method", r.Method,
				"status", fmt.Sprintf("%v: %v", responseData.status, http.StatusText(responseData.status)),
				slog.Duration("duration", duration),
				"size", responseData.size,
			)
		})
	}
}

// Allower is satisfied by ratelimit.Limiter.
type Allower interface {
	Allow(ctx context.Context, identifier string, maxRequests int64, window time.Duration) bool
}

// RateLimit throttles by client IP. Guards login, registration and slip
// upload so a single client cannot hammer the verifier through us.
func RateLimit(limiter Allower, maxRequests int64, window time.Duration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if !limiter.Allow(r.Context(), host+r.URL.Path, maxRequests, window) {
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
