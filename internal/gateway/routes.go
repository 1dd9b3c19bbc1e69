package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/blackroad/meshgate/internal/audit"
	"github.com/blackroad/meshgate/internal/classify"
	"github.com/blackroad/meshgate/internal/gateway/auth"
	"github.com/blackroad/meshgate/internal/registry"
	"github.com/blackroad/meshgate/internal/signal"
	"github.com/blackroad/meshgate/internal/telemetry"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health + version
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)

	// Auth
	mux.HandleFunc("POST /v1/auth/register", s.handleRegister)
	mux.HandleFunc("POST /v1/auth/login", s.handleLogin)
	mux.HandleFunc("POST /v1/auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /v1/auth/logout", s.handleLogout)
	mux.HandleFunc("GET /v1/me", s.handleMe)

	// Routing core
	mux.HandleFunc("POST /v1/route", s.handleRoute)
	mux.HandleFunc("POST /v1/dispatch", s.handleDispatch)
	mux.HandleFunc("GET /v1/route/stats", s.handleRouteStats)

	// Signals
	mux.HandleFunc("GET /v1/signals", s.handleSignalsQuery)
	mux.HandleFunc("POST /v1/signals", s.handleSignalsPublish)

	// Webhooks (signature-verified, no bearer auth)
	mux.HandleFunc("POST /v1/webhooks/{provider}", s.handleWebhook)

	// WebSocket rooms (JWT handshake inside the hub)
	mux.HandleFunc("GET /v1/ws", s.hub.Handle)

	// Observability
	mux.Handle("GET /v1/metrics", s.metrics.Handler())
	mux.HandleFunc("GET /v1/metrics/hourly", s.handleMetricsHourly)

	// Audit
	mux.HandleFunc("GET /v1/audit", s.withScope("admin", s.handleAuditQuery))
	mux.HandleFunc("GET /v1/audit/export", s.withScope("admin", s.handleAuditExportJSONL))
	mux.HandleFunc("GET /v1/audit/export/csv", s.withScope("admin", s.handleAuditExportCSV))

	// API keys
	mux.HandleFunc("POST /v1/keys", s.withScope("admin", s.handleCreateKey))
	mux.HandleFunc("GET /v1/keys", s.withScope("admin", s.handleListKeys))
	mux.HandleFunc("DELETE /v1/keys/{id}", s.withScope("admin", s.handleRevokeKey))

	// Registry + nodes
	mux.HandleFunc("POST /v1/registry/reload", s.withScope("admin", s.handleRegistryReload))
	mux.HandleFunc("GET /v1/registry/orgs", s.handleRegistryOrgs)
	mux.HandleFunc("POST /v1/nodes/heartbeat", s.handleHeartbeat)

	// Guarded SQL pass-through, forwarded to the storage origin
	mux.HandleFunc("POST /v1/db", s.withScope("admin", s.handleDB))

	// Everything else: origin proxy by path prefix, 404 otherwise
	mux.Handle("/", s.proxy)
}

// withScope gates a handler on an identity scope. JWT and session callers
// always pass; API keys must carry the scope.
func (s *Server) withScope(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := auth.FromContext(r.Context())
		if id == nil || !id.HasScope(scope) {
			writeJSONError(w, http.StatusForbidden, "forbidden", "missing scope: "+scope)
			return
		}
		next(w, r)
	}
}

// --- health / status ---

type healthChecks struct {
	KV          bool `json:"kv"`
	DB          bool `json:"db"`
	ObjectStore bool `json:"object_store"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := healthChecks{
		KV:          s.sessions.Ping() == nil,
		DB:          s.users.Ping() == nil,
		ObjectStore: dirWritable(s.cfg.DataDir),
	}
	status := "ok"
	code := http.StatusOK
	if !checks.KV || !checks.DB || !checks.ObjectStore {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func dirWritable(dir string) bool {
	f, err := os.CreateTemp(dir, ".healthcheck-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": Version,
		"commit":  Commit,
		"date":    Date,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":       Version,
		"uptime_s":      int(time.Since(s.startedAt).Seconds()),
		"nodes":         s.nodes.Snapshot(),
		"nodes_online":  s.nodes.OnlineCount(),
		"webhook_queue": s.receiver.QueueLen(),
		"router":        s.router.Stats(),
		"dispatch":      s.dispatcher.Stats(),
	})
}

// --- auth ---

type userView struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	user, err := s.users.Register(req.Email, req.Password, req.Name)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrEmailExists):
			writeJSONError(w, http.StatusConflict, "email_exists", "an account with this email already exists")
		case errors.Is(err, auth.ErrInvalidEmail):
			writeJSONError(w, http.StatusBadRequest, "invalid_email", "email address is not valid")
		case errors.Is(err, auth.ErrWeakPassword):
			writeJSONError(w, http.StatusBadRequest, "weak_password", "password must be at least 8 characters")
		case errors.Is(err, auth.ErrNameTooLong):
			writeJSONError(w, http.StatusBadRequest, "invalid_name", "name must be 100 characters or fewer")
		default:
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "registration failed")
		}
		return
	}

	token, err := s.tokens.Issue(user.ID, user.Email, nil)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "token issue failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token": token,
		"user":  userView{ID: user.ID, Email: user.Email, Name: user.Name},
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "email and password required")
		return
	}

	user, err := s.users.Authenticate(req.Email, req.Password)
	if err != nil {
		s.bus.Publish(signal.New(signal.AuthFailed, req.Email, "", map[string]any{
			"reason": "invalid_credentials",
		}))
		writeJSONError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
		return
	}

	token, err := s.tokens.Issue(user.ID, user.Email, nil)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "token issue failed")
		return
	}
	sessionToken, session, err := s.sessions.Create(user.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "session create failed")
		return
	}
	refresh, err := s.sessions.CreateRefresh(user.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "refresh create failed")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    sessionToken,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})

	s.bus.Publish(signal.New(signal.AuthLogin, user.Email, "", map[string]any{
		"user_id": user.ID,
	}))

	writeJSON(w, http.StatusOK, map[string]any{
		"token":         token,
		"refresh_token": refresh,
		"user":          userView{ID: user.ID, Email: user.Email, Name: user.Name},
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "refresh_token required")
		return
	}

	userID, err := s.sessions.Redeem(req.RefreshToken)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid_refresh_token", "refresh token invalid or expired")
		return
	}
	user, err := s.users.Get(userID)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid_refresh_token", "refresh token invalid or expired")
		return
	}

	token, err := s.tokens.Issue(user.ID, user.Email, nil)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "token issue failed")
		return
	}
	// Rotate: each refresh token is single-use.
	next, err := s.sessions.CreateRefresh(user.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "refresh create failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":         token,
		"refresh_token": next,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(auth.SessionCookieName); err == nil {
		_ = s.sessions.Delete(c.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": id.UserID,
		"email":   id.Email,
		"method":  id.Method,
		"scopes":  id.Scopes,
	})
}

// --- routing ---

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query   string         `json:"query"`
		Context map[string]any `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	_, span := telemetry.StartRouteSpan(r.Context(), "", string(classify.KindHTTP))
	requestID, result := s.router.Route(classify.Request{
		Kind:     classify.KindHTTP,
		Body:     req.Query,
		Metadata: req.Context,
		Actor:    actorOf(r),
	})
	telemetry.EndRouteSpan(span, result.Org, result.Service, result.Confidence, string(result.Branch))

	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": requestID,
		"org":        result.Org,
		"service":    result.Service,
		"confidence": result.Confidence,
		"branch":     result.Branch,
	})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string          `json:"request_id"`
		Org       string          `json:"org"`
		Service   string          `json:"service"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Org == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "org required")
		return
	}
	if req.RequestID == "" {
		req.RequestID = ulid.Make().String()
	}

	org := registry.NormalizeOrgCode(req.Org)
	ctx, span := telemetry.StartDispatchSpan(r.Context(), org, req.Service)
	started := time.Now()
	result := s.dispatcher.Dispatch(ctx, req.RequestID, org, req.Service, req.Payload)
	s.metrics.DispatchLatency.WithLabelValues(org).Observe(time.Since(started).Seconds())
	telemetry.EndDispatchSpan(span, result.Status, string(result.Outcome))

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRouteStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"router":   s.router.Stats(),
		"dispatch": s.dispatcher.Stats(),
	})
}

func actorOf(r *http.Request) string {
	if id := auth.FromContext(r.Context()); id != nil {
		if id.Email != "" {
			return id.Email
		}
		return id.UserID
	}
	return ""
}

// --- signals ---

func (s *Server) handleSignalsQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var since time.Time
	if raw := q.Get("since"); raw != "" {
		t, err := parseSince(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "since must be RFC3339 or unix milliseconds")
			return
		}
		since = t
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	out := s.signals.query(signal.Type(q.Get("type")), q.Get("source"), since, limit)
	writeJSON(w, http.StatusOK, out)
}

func parseSince(raw string) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func (s *Server) handleSignalsPublish(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil || !id.HasScope("signals") {
		writeJSONError(w, http.StatusForbidden, "forbidden", "missing scope: signals")
		return
	}

	var req struct {
		Type   string         `json:"type"`
		Source string         `json:"source"`
		Target string         `json:"target"`
		Data   map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if !signal.Type(req.Type).Valid() {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "unknown signal type")
		return
	}
	source := req.Source
	if source == "" {
		source = actorOf(r)
	}

	sig := signal.New(signal.Type(req.Type), source, req.Target, req.Data)
	s.bus.Publish(sig)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":        sig.ID,
		"formatted": sig.Formatted(),
	})
}

// --- webhooks ---

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	_, span := telemetry.StartWebhookSpan(r.Context(), provider)
	defer span.End()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "could not read request body")
		return
	}

	event, werr := s.receiver.Receive(provider, r.URL.Query().Get("provider_hint"), r.Header, body)
	if werr != nil {
		s.metrics.Webhooks.WithLabelValues(provider, werr.Code).Inc()
		writeJSONError(w, werr.Status, werr.Code, "webhook rejected")
		return
	}

	s.metrics.Webhooks.WithLabelValues(event.Provider, "accepted").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"received": true,
		"source":   event.Provider,
		"queued":   true,
	})
}

// --- observability ---

func (s *Server) handleMetricsHourly(w http.ResponseWriter, r *http.Request) {
	family := r.URL.Query().Get("family")
	if family == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "family required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 24
	}
	rows, err := s.rollup.Hourly(family, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "rollup query failed")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// --- audit ---

func (s *Server) auditFilter(r *http.Request) audit.Filter {
	q := r.URL.Query()
	f := audit.Filter{
		Actor:    q.Get("actor"),
		Action:   q.Get("action"),
		Resource: q.Get("resource"),
		Outcome:  q.Get("outcome"),
		Cursor:   q.Get("cursor"),
	}
	if raw := q.Get("since"); raw != "" {
		if t, err := parseSince(raw); err == nil {
			f.Since = t
		}
	}
	if raw := q.Get("until"); raw != "" {
		if t, err := parseSince(raw); err == nil {
			f.Until = t
		}
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	return f
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	records, err := s.auditStore.Query(r.Context(), s.auditFilter(r))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleAuditExportJSONL(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", "attachment; filename=audit.jsonl")
	if err := s.auditStore.StreamJSONL(r.Context(), w, s.auditFilter(r)); err != nil {
		s.logger.Warn("audit export failed", zap.Error(err))
	}
}

func (s *Server) handleAuditExportCSV(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=audit.csv")
	if err := s.auditStore.StreamCSV(r.Context(), w, s.auditFilter(r)); err != nil {
		s.logger.Warn("audit export failed", zap.Error(err))
	}
}

// --- API keys ---

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string   `json:"name"`
		Scopes    []string `json:"scopes"`
		RateLimit int      `json:"rate_limit"`
		ExpiresIn string   `json:"expires_in"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "name required")
		return
	}

	var expiresAt *time.Time
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "expires_in must be a positive duration")
			return
		}
		t := time.Now().UTC().Add(d)
		expiresAt = &t
	}

	key, plain, err := s.keys.Create(req.Name, req.Scopes, req.RateLimit, expiresAt)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "key create failed")
		return
	}
	// The plaintext key appears exactly once, in this response.
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":     key.ID,
		"key":    plain,
		"prefix": key.KeyPrefix,
		"scopes": key.Scopes,
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.List()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "key list failed")
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if err := s.keys.Revoke(r.PathValue("id")); err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "no such key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- registry / nodes ---

func (s *Server) handleRegistryReload(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Reload(); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "reload_failed", "registry reload failed; previous registry stays active")
		return
	}
	s.bus.Publish(signal.New(signal.ConfigChanged, actorOf(r), "", map[string]any{
		"component": "registry",
	}))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRegistryOrgs(w http.ResponseWriter, r *http.Request) {
	snap := s.reg.Snapshot()
	orgs := make([]any, 0)
	for _, code := range snap.Orgs() {
		if org, ok := snap.Org(code); ok {
			orgs = append(orgs, org)
		}
	}
	writeJSON(w, http.StatusOK, orgs)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Org  string `json:"org"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "name required")
		return
	}
	s.nodes.Heartbeat(req.Name, registry.NormalizeOrgCode(req.Org))
	w.WriteHeader(http.StatusNoContent)
}

// --- guarded SQL ---

func (s *Server) handleDB(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "could not read request body")
		return
	}
	var req struct {
		SQL string `json:"sql"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.SQL == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "sql required")
		return
	}
	if err := CheckQuery(req.SQL); err != nil {
		writeJSONError(w, http.StatusForbidden, "forbidden_sql", err.Error())
		return
	}
	s.proxy.Forward(w, r, "storage", strings.NewReader(string(body)))
}
