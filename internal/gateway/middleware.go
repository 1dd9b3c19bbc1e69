package gateway

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/blackroad/meshgate/internal/audit"
	"github.com/blackroad/meshgate/internal/gateway/auth"
	"github.com/blackroad/meshgate/internal/ratelimit"
	"github.com/blackroad/meshgate/internal/signal"
)

// maxBodyBytes is the hard ingress cap for request bodies (10 MiB).
const maxBodyBytes int64 = 10 << 20

// maxBodySizeMiddleware rejects write requests whose declared Content-Length
// exceeds the cap before any of the body is read, and wraps the body with
// MaxBytesReader to catch chunked payloads that lie about their size.
func maxBodySizeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			if r.ContentLength > maxBodyBytes {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large (limit 10 MiB)")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders are applied to every response.
var securityHeaders = map[string]string{
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "DENY",
	"Strict-Transport-Security": "max-age=31536000; includeSubDomains; preload",
	"Referrer-Policy":           "strict-origin-when-cross-origin",
	"Permissions-Policy":        "camera=(), microphone=(), geolocation=()",
}

// corsMiddleware applies the static security headers and the origin
// allow-list. Unknown origins are answered with the first allow-listed
// origin rather than echoed back. Preflight requests short-circuit with 204.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.cfg.AllowedOrigins))
	for _, o := range s.cfg.AllowedOrigins {
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for k, v := range securityHeaders {
			h.Set(k, v)
		}

		if len(s.cfg.AllowedOrigins) > 0 {
			origin := r.Header.Get("Origin")
			if !allowed[origin] {
				origin = s.cfg.AllowedOrigins[0]
			}
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")
			h.Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps WebSocket upgrades working through the wrapper.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// metricsMiddleware counts every request by coarse route and status class.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.Requests.WithLabelValues(routeLabel(r.URL.Path), statusClass(rec.status)).Inc()
	})
}

// routeLabel truncates paths to at most three segments so per-resource ids
// never become label values.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return "/" + strings.Join(parts, "/")
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

// recoveryMiddleware converts panics into a 500 with an opaque request id.
// The stack trace goes to the audit store, never into the response.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			requestID := ulid.Make().String()
			s.logger.Error("panic recovered",
				zap.String("request_id", requestID),
				zap.String("path", r.URL.Path),
				zap.Any("panic", rec),
			)

			sig := signal.New(signal.SignalError, "gateway", "", map[string]any{
				"request_id": requestID,
				"path":       r.URL.Path,
			})
			s.bus.Publish(sig)

			auditSig := sig
			auditSig.Data = map[string]any{
				"request_id": requestID,
				"path":       r.URL.Path,
				"panic":      fmt.Sprint(rec),
				"stack":      string(debug.Stack()),
			}
			s.recorder.Write(r.Context(), audit.Record{
				Actor:     "gateway",
				Action:    "panic",
				Resource:  r.URL.Path,
				Outcome:   audit.OutcomeFailure,
				RequestID: requestID,
				Signal:    auditSig,
			})

			writeJSON(w, http.StatusInternalServerError, APIError{
				Error:     "internal_error",
				Code:      "internal_error",
				RequestID: requestID,
			})
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware consults the single-writer limiter for every request.
// An unreachable limiter fails open: the request proceeds and a
// rate_limit.unavailable signal marks the gap.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, limit := rateLimitIdentity(auth.FromContext(r.Context()), r.RemoteAddr)
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		decision, err := s.limiter.AllowLimit(ctx, identity, limit)
		cancel()
		if err != nil {
			if err == ratelimit.ErrUnavailable {
				s.bus.Publish(signal.New(signal.RateLimitDown, "gateway", "", map[string]any{
					"identity": identity,
				}))
			}
			next.ServeHTTP(w, r)
			return
		}

		if !decision.Allowed {
			retry := int(math.Ceil(decision.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			s.metrics.RateLimited.Inc()
			s.bus.Publish(signal.New(signal.RateLimited, identity, "", map[string]any{
				"retry_after_s": retry,
				"path":          r.URL.Path,
			}))
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// rateLimitIdentity picks the bucket key: API key first, then user id, then
// the client IP for unauthenticated traffic. Per-key limits override the
// gateway default.
func rateLimitIdentity(id *auth.Identity, remoteAddr string) (string, int) {
	if id != nil {
		if id.KeyID != "" {
			return "key:" + id.KeyID, id.RateLimit
		}
		return "user:" + id.UserID, 0
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return "ip:" + host, 0
}
