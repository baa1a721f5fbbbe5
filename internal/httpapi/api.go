package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"b24app.dev/internal/account"
	"b24app.dev/internal/auth"
	"b24app.dev/internal/installation"
	"b24app.dev/internal/obs"
	"b24app.dev/internal/webhook"
)

const maxBodyBytes = 1 << 20

// ReadyProbe is the readiness check: a database ping when a database is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Installer starts the install handshake from a frontend placement payload.
type Installer interface {
	BeginInstall(ctx context.Context, p installation.FrontendPayload) (account.Installation, error)
}

// EventHandler processes one portal event delivery.
type EventHandler interface {
	Handle(ctx context.Context, r *http.Request) webhook.Result
}

// Options wires the HTTP layer to its collaborators.
type Options struct {
	Codec          *auth.TokenCodec
	Installer      Installer
	Events         EventHandler
	Ready          ReadyProbe
	Version        string
	RateBurst      int
	RatePerSecond  int
	AllowedOrigins []string
	TrustedProxies []netip.Prefix
}

// API is the HTTP surface of the service.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	codec      *auth.TokenCodec
	installer  Installer
	events     EventHandler
	limiter    *IPLimiter
	origins    []string
}

func New(opts Options) *API {
	if opts.RateBurst <= 0 {
		opts.RateBurst = 50
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 25
	}
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: opts.Ready,
		version:    opts.Version,
		codec:      opts.Codec,
		installer:  opts.Installer,
		events:     opts.Events,
		limiter:    NewIPLimiter(opts.RateBurst, opts.RatePerSecond, opts.TrustedProxies...),
		origins:    opts.AllowedOrigins,
	}

	// probes and metrics
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	// install handshake and session tokens
	a.mux.Handle("/api/getToken", a.limiter.Wrap(http.HandlerFunc(a.handleGetToken)))
	a.mux.Handle("/api/install", a.limiter.Wrap(http.HandlerFunc(a.handleInstall)))

	// portal event deliveries; the portal may drop the trailing slash.
	// Not rate limited: a 429 makes the platform redeliver.
	lifecycle := http.HandlerFunc(a.handleLifecycleEvent)
	business := http.HandlerFunc(a.handleBusinessEvent)
	a.mux.Handle("/api/app-events/", lifecycle)
	a.mux.Handle("/api/app-events", lifecycle)
	a.mux.Handle("/api/custom-b24-events/", business)
	a.mux.Handle("/api/custom-b24-events", business)

	// session-protected
	a.mux.HandleFunc("/api/health", withClaims(a.Health))
	a.mux.HandleFunc("/api/enum", withClaims(a.Enum))
	a.mux.HandleFunc("/api/list", withClaims(a.List))

	a.mux.HandleFunc("/", a.Root)
	return a
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.withAuth(a.mux)
	h = obs.Instrument(h)
	h = CORS(h, a.origins...)
	h = SecurityHeaders(h)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "b24app backend is running",
		"version": a.version,
	})
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "b24app-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Health(w http.ResponseWriter, r *http.Request, _ auth.Claims) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	now := time.Now()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"backend":   "go",
		"timestamp": float64(now.UnixMilli()) / 1000,
	})
}

func (a *API) Enum(w http.ResponseWriter, r *http.Request, _ auth.Claims) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, []string{"option 1", "option 2", "option 3"})
}

func (a *API) List(w http.ResponseWriter, r *http.Request, _ auth.Claims) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, []string{"element 1", "element 2", "element 3"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, msg)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// decodeJSON reads exactly one JSON document. Unknown fields are tolerated:
// the frontend forwards whole placement maps.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
