package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/blackroad/meshgate/internal/config"
)

// originPrefixes maps path prefixes to origin pools, first match wins.
// Paths the gateway serves itself never reach the proxy: exact mux routes
// take precedence over the catch-all.
var originPrefixes = []struct {
	prefix string
	pool   string
}{
	{"/v1/bridge", "primary"},
	{"/v1/storage", "storage"},
	{"/v1/db", "storage"},
	{"/v1/edu/", "storage"},
	{"/v1/arc/", "storage"},
	{"/v1/ai/agents", "agents"},
	{"/v1/int/", "compute"},
	{"/v1/med/", "compute"},
	{"/v1/stu/", "compute"},
	{"/v1/lab/", "compute"},
	{"/v1/jobs", "compute"},
}

// OriginProxy forwards requests to one of the four origin pools. Client
// credentials are stripped; the configured internal token is presented
// instead. Responses are streamed back without buffering.
type OriginProxy struct {
	pools  map[string]*url.URL
	token  string
	client *http.Client
	logger *zap.Logger
}

func newOriginProxy(origins config.OriginConfig, token string, logger *zap.Logger) (*OriginProxy, error) {
	pools := make(map[string]*url.URL)
	for name, raw := range map[string]string{
		"primary": origins.Primary,
		"storage": origins.Storage,
		"agents":  origins.Agents,
		"compute": origins.Compute,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("origin %s: %w", name, err)
		}
		pools[name] = u
	}

	return &OriginProxy{
		pools: pools,
		token: token,
		client: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 15 * time.Second}).DialContext,
				TLSHandshakeTimeout: 15 * time.Second,
			},
		},
		logger: logger,
	}, nil
}

// PoolFor returns the origin pool for a path, if one is mapped.
func (p *OriginProxy) PoolFor(path string) (string, bool) {
	for _, m := range originPrefixes {
		if strings.HasPrefix(path, m.prefix) {
			return m.pool, true
		}
	}
	return "", false
}

// ServeHTTP is the mux catch-all: mapped prefixes are proxied, everything
// else is a 404.
func (p *OriginProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pool, ok := p.PoolFor(r.URL.Path)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", "no such endpoint")
		return
	}
	p.Forward(w, r, pool, r.Body)
}

// Forward sends the request to the named pool and streams the response.
func (p *OriginProxy) Forward(w http.ResponseWriter, r *http.Request, pool string, body io.Reader) {
	base, ok := p.pools[pool]
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, "origin_unavailable", "origin pool not configured")
		return
	}

	target := *base
	target.Path = singleJoin(base.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "origin_unreachable", "could not build origin request")
		return
	}

	copyProxyHeaders(out.Header, r.Header)
	if p.token != "" {
		out.Header.Set("Authorization", "Bearer "+p.token)
	}
	out.Header.Set("X-Forwarded-For", clientIP(r))

	resp, err := p.client.Do(out)
	if err != nil {
		status, code := http.StatusBadGateway, "origin_unreachable"
		if errors.Is(err, context.DeadlineExceeded) {
			status, code = http.StatusGatewayTimeout, "origin_timeout"
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			status, code = http.StatusGatewayTimeout, "origin_timeout"
		}
		p.logger.Warn("origin call failed",
			zap.String("pool", pool),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSONError(w, status, code, "origin request failed")
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// copyProxyHeaders forwards request headers minus the client's credentials.
func copyProxyHeaders(dst, src http.Header) {
	for k, vv := range src {
		switch http.CanonicalHeaderKey(k) {
		case "Authorization", "Cookie", "X-Api-Key":
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func singleJoin(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
