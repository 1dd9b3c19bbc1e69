// meshgate — the edge gateway and its operator CLI.
//
// Usage:
//
//	meshgate serve
//	meshgate route "<text>"
//	meshgate dispatch --org=<CODE> [--service=<name>] <payload>
//	meshgate signals tail
//	meshgate health
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/blackroad/meshgate/internal/config"
	"github.com/blackroad/meshgate/internal/gateway"
	sig "github.com/blackroad/meshgate/internal/signal"
	"github.com/blackroad/meshgate/internal/telemetry"
)

// Exit codes: 0 success, 1 usage, 2 runtime failure, 3 config error.
const (
	exitOK      = 0
	exitUsage   = 1
	exitRuntime = 2
	exitConfig  = 3
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	_ = godotenv.Load()

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(exitUsage)
	}

	switch args[0] {
	case "serve":
		os.Exit(runServe())
	case "route":
		os.Exit(runRoute(args[1:]))
	case "dispatch":
		os.Exit(runDispatch(args[1:]))
	case "signals":
		if len(args) < 2 || args[1] != "tail" {
			fmt.Fprintln(os.Stderr, "error: usage: meshgate signals tail")
			os.Exit(exitUsage)
		}
		os.Exit(runSignalsTail())
	case "health":
		os.Exit(runHealth())
	case "version", "--version":
		fmt.Printf("meshgate %s (%s, %s)\n", version, commit, date)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", args[0])
		printUsage()
		os.Exit(exitUsage)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `meshgate — edge-to-mesh request router

Commands:
  serve                                    run the gateway
  route "<text>"                           classify text via a running gateway
  dispatch --org=<CODE> [--service=<name>] <payload>
                                           dispatch a payload to a service
  signals tail                             stream signals from a running gateway
  health                                   check gateway health
  version                                  print version

Environment:
  MESHGATE_CONFIG      config file path (serve)
  MESHGATE_SERVER      gateway base URL for client commands (default http://localhost:8080)
  MESHGATE_API_KEY     API key for client commands
`)
}

func runServe() int {
	cfg, err := config.Load(os.Getenv("MESHGATE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitConfig
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitConfig
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Error("tracing init failed", zap.Error(err))
		return exitConfig
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	gateway.Version, gateway.Commit, gateway.Date = version, commit, date

	srv, err := gateway.New(cfg, logger)
	if err != nil {
		logger.Error("gateway init failed", zap.Error(err))
		return exitConfig
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil {
		logger.Error("gateway exited", zap.Error(err))
		return exitRuntime
	}
	return exitOK
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		parsed, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
		cfg.Level = parsed
	}
	return cfg.Build()
}

// --- client commands ---

func serverURL() string {
	if v := os.Getenv("MESHGATE_SERVER"); v != "" {
		return strings.TrimSuffix(v, "/")
	}
	return "http://localhost:8080"
}

func apiDo(method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, serverURL()+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if key := os.Getenv("MESHGATE_API_KEY"); key != "" {
		req.Header.Set("X-API-Key", key)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	return client.Do(req)
}

func runRoute(args []string) int {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintln(os.Stderr, "error: usage: meshgate route \"<text>\"")
		return exitUsage
	}

	resp, err := apiDo(http.MethodPost, "/v1/route", map[string]string{"query": args[0]})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitRuntime
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "error: gateway returned %s\n", resp.Status)
		_, _ = io.Copy(os.Stderr, resp.Body)
		return exitRuntime
	}

	var out struct {
		RequestID  string  `json:"request_id"`
		Org        string  `json:"org"`
		Service    string  `json:"service"`
		Confidence float64 `json:"confidence"`
		Branch     string  `json:"branch"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitRuntime
	}
	fmt.Printf("%s/%s  confidence=%.2f  branch=%s  request_id=%s\n",
		out.Org, out.Service, out.Confidence, out.Branch, out.RequestID)
	return exitOK
}

func runDispatch(args []string) int {
	var org, service, payload string
	for _, a := range args {
		switch {
		case strings.HasPrefix(a, "--org="):
			org = strings.TrimPrefix(a, "--org=")
		case strings.HasPrefix(a, "--service="):
			service = strings.TrimPrefix(a, "--service=")
		case strings.HasPrefix(a, "--"):
			fmt.Fprintf(os.Stderr, "error: unknown flag %q\n", a)
			return exitUsage
		default:
			payload = a
		}
	}
	if org == "" {
		fmt.Fprintln(os.Stderr, "error: --org is required")
		return exitUsage
	}
	if payload == "" {
		payload = "{}"
	}
	if !json.Valid([]byte(payload)) {
		fmt.Fprintln(os.Stderr, "error: payload must be valid JSON")
		return exitUsage
	}

	resp, err := apiDo(http.MethodPost, "/v1/dispatch", map[string]any{
		"org":     org,
		"service": service,
		"payload": json.RawMessage(payload),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitRuntime
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "error: gateway returned %s\n", resp.Status)
		return exitRuntime
	}

	var result struct {
		RequestID string `json:"request_id"`
		Org       string `json:"org"`
		Service   string `json:"service"`
		Outcome   string `json:"outcome"`
		Status    int    `json:"status"`
		LatencyMS int64  `json:"latency_ms"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitRuntime
	}
	fmt.Printf("%s  %s/%s  status=%d  latency=%dms", result.Outcome, result.Org, result.Service, result.Status, result.LatencyMS)
	if result.Reason != "" {
		fmt.Printf("  reason=%s", result.Reason)
	}
	fmt.Println()
	if result.Outcome != "success" {
		return exitRuntime
	}
	return exitOK
}

func runSignalsTail() int {
	since := time.Now().UnixMilli()
	for {
		resp, err := apiDo(http.MethodGet, fmt.Sprintf("/v1/signals?since=%d&limit=100", since), nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return exitRuntime
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			fmt.Fprintf(os.Stderr, "error: gateway returned %s\n", resp.Status)
			return exitRuntime
		}

		var batch []sig.Signal
		err = json.NewDecoder(resp.Body).Decode(&batch)
		resp.Body.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return exitRuntime
		}

		// Newest first from the API; print oldest first.
		for i := len(batch) - 1; i >= 0; i-- {
			s := batch[i]
			fmt.Println(s.Formatted())
			if s.Timestamp >= since {
				since = s.Timestamp + 1
			}
		}
		time.Sleep(2 * time.Second)
	}
}

func runHealth() int {
	resp, err := apiDo(http.MethodGet, "/health", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitRuntime
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(body)))
	if resp.StatusCode != http.StatusOK {
		return exitRuntime
	}
	return exitOK
}
