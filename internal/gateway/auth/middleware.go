package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// SessionCookieName is the cookie carrying the session token.
const SessionCookieName = "meshgate_session"

type contextKey string

const identityContextKey contextKey = "identity"

// Method records which credential authenticated the request.
type Method string

const (
	MethodJWT     Method = "jwt"
	MethodAPIKey  Method = "api_key"
	MethodSession Method = "session"
)

// Identity is the resolved caller attached to the request context.
type Identity struct {
	UserID    string
	Email     string
	Method    Method
	Scopes    []string
	KeyID     string
	RateLimit int // per-key override, 0 = gateway default
}

// HasScope reports whether the identity carries the scope. JWT and session
// logins act with full user scope; only API keys are narrowed.
func (id *Identity) HasScope(scope string) bool {
	if id.Method != MethodAPIKey {
		return true
	}
	for _, s := range id.Scopes {
		if s == "admin" || s == scope {
			return true
		}
	}
	return false
}

// FromContext retrieves the authenticated identity, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey).(*Identity)
	return id
}

// WithIdentity attaches an identity to a context (used by tests and the
// WebSocket upgrader).
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// SessionValidator narrows SessionStore for the middleware.
type SessionValidator interface {
	Validate(token string) (*Session, error)
}

// KeyValidator narrows KeyStore for the middleware.
type KeyValidator interface {
	Validate(plain string) (*APIKey, error)
}

// Unauthorized is invoked to write the 401/403 response so the server can
// keep a single error envelope.
type Unauthorized func(w http.ResponseWriter, status int, code, message string)

// Middleware resolves request identity in a fixed order: Bearer JWT first,
// then X-API-Key, then the session cookie. Skip paths pass through
// untouched.
type Middleware struct {
	tokens     *TokenIssuer
	keys       KeyValidator
	sessions   SessionValidator
	skipExact  map[string]bool
	skipPrefix []string
	reject     Unauthorized
}

// NewMiddleware builds the middleware. Paths ending in * skip by prefix.
func NewMiddleware(tokens *TokenIssuer, keys KeyValidator, sessions SessionValidator, skipPaths []string, reject Unauthorized) *Middleware {
	skipExact := make(map[string]bool, len(skipPaths))
	var skipPrefix []string
	for _, p := range skipPaths {
		if strings.HasSuffix(p, "*") {
			skipPrefix = append(skipPrefix, strings.TrimSuffix(p, "*"))
			continue
		}
		skipExact[p] = true
	}
	return &Middleware{
		tokens:     tokens,
		keys:       keys,
		sessions:   sessions,
		skipExact:  skipExact,
		skipPrefix: skipPrefix,
		reject:     reject,
	}
}

// Wrap returns the wrapped handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.shouldSkip(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if handled := m.tryBearer(w, r, next); handled {
			return
		}
		if handled := m.tryAPIKey(w, r, next); handled {
			return
		}
		if handled := m.trySession(w, r, next); handled {
			return
		}

		m.reject(w, http.StatusUnauthorized, "unauthorized", "authentication required")
	})
}

func (m *Middleware) shouldSkip(path string) bool {
	if m.skipExact[path] {
		return true
	}
	for _, p := range m.skipPrefix {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (m *Middleware) tryBearer(w http.ResponseWriter, r *http.Request, next http.Handler) bool {
	header := r.Header.Get("Authorization")
	if header == "" {
		return false
	}
	if !strings.HasPrefix(header, "Bearer ") {
		m.reject(w, http.StatusUnauthorized, "unauthorized", "invalid authorization format")
		return true
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		m.reject(w, http.StatusUnauthorized, "unauthorized", "empty bearer token")
		return true
	}

	claims, err := m.tokens.Verify(token)
	if err != nil {
		code := "unauthorized"
		message := "invalid token"
		if errors.Is(err, ErrTokenExpired) {
			message = "token expired"
		}
		m.reject(w, http.StatusUnauthorized, code, message)
		return true
	}

	id := &Identity{
		UserID: claims.Subject,
		Email:  claims.Email,
		Method: MethodJWT,
		Scopes: claims.Scopes,
	}
	next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	return true
}

func (m *Middleware) tryAPIKey(w http.ResponseWriter, r *http.Request, next http.Handler) bool {
	plain := strings.TrimSpace(r.Header.Get("X-API-Key"))
	if plain == "" {
		return false
	}
	if m.keys == nil {
		m.reject(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
		return true
	}

	key, err := m.keys.Validate(plain)
	if err != nil {
		if errors.Is(err, ErrKeyExpired) {
			m.reject(w, http.StatusForbidden, "forbidden", "api key expired")
			return true
		}
		m.reject(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
		return true
	}

	id := &Identity{
		UserID:    key.ID,
		Method:    MethodAPIKey,
		Scopes:    key.Scopes,
		KeyID:     key.ID,
		RateLimit: key.RateLimit,
	}
	next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	return true
}

func (m *Middleware) trySession(w http.ResponseWriter, r *http.Request, next http.Handler) bool {
	if m.sessions == nil {
		return false
	}
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return false
	}

	sess, err := m.sessions.Validate(cookie.Value)
	if err != nil || sess == nil {
		return false
	}

	id := &Identity{
		UserID: sess.UserID,
		Method: MethodSession,
	}
	next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	return true
}
