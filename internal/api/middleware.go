package api

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cardwatch/backend/internal/core"
)

type contextKey string

const correlationKey contextKey = "correlation_id"

// Caller identity headers. In production these are stamped by the auth
// gateway after token validation.
const (
	headerCorrelation = "X-Correlation-ID"
	headerActorID     = "X-Actor-ID"
	headerActorRole   = "X-Actor-Role"
	headerIdempotency = "Idempotency-Key"
)

// correlationID returns the request's correlation id, empty when the
// middleware has not run.
func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// correlationMiddleware assigns every request a correlation id, honoring one
// supplied by the caller, and echoes it on the response.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerCorrelation)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerCorrelation, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey, id)))
	})
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps websocket upgrades working through the wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

// requestLogMiddleware emits one structured access-log line per request.
// Streaming endpoints log on disconnect, with their full connection time.
func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"correlation_id", correlationID(r.Context()),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, Authorization, X-Correlation-ID, X-Actor-ID, X-Actor-Role, Idempotency-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware enforces the per-client window on all /api routes.
// Keys on the actor when identified, otherwise the remote address.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		client := r.Header.Get(headerActorID)
		if client == "" {
			client = r.RemoteAddr
		}

		if _, err := s.limiter.Allow(r.Context(), client); err != nil {
			if s.metrics != nil {
				s.metrics.RateLimitRejections.Inc()
			}
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerRole reads the caller's role header, defaulting to agent. Unknown
// values also collapse to agent so a bad header cannot widen permissions.
func callerRole(r *http.Request) core.Role {
	if core.Role(r.Header.Get(headerActorRole)) == core.RoleLead {
		return core.RoleLead
	}
	return core.RoleAgent
}
