// Package api exposes the session orchestrator over HTTP: login and
// registration against the identity provider, the hosted authorize and
// callback flow, account switching across linked sessions, and logout.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/syoslabs/gatehouse/provider"
	"github.com/syoslabs/gatehouse/ratelimit"
	"github.com/syoslabs/gatehouse/seal"
	"github.com/syoslabs/gatehouse/store"
)

//go:embed openapi.yaml
var openapiSpec []byte

// API holds the dependencies needed by the HTTP handlers.
type API struct {
	stores   store.Stores
	sealer   *seal.Sealer
	provider provider.Client
	limiter  ratelimit.Limiter
	audit    *auditLogger

	cookieKey      []byte
	cookieDomain   string
	cookieSecure   bool
	trustedProxies []netip.Prefix

	now func() time.Time
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events. Defaults to a
// JSON logger on stderr.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithLimiter replaces the default process-local rate limiter, e.g. with
// the Redis-backed one for multi-instance deployments.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(a *API) {
		a.limiter = l
	}
}

// WithCookieDomain scopes the auth cookies to a domain.
func WithCookieDomain(domain string) Option {
	return func(a *API) {
		a.cookieDomain = domain
	}
}

// WithInsecureCookies drops the Secure attribute. Local development only.
func WithInsecureCookies() Option {
	return func(a *API) {
		a.cookieSecure = false
	}
}

// WithTrustedProxies sets the CIDR ranges whose forwarding headers are
// honored when resolving client IPs for rate limiting.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		a.now = now
	}
}

// New creates an API. cookieKey signs the session cookie; it must be
// stable across restarts or every cookie dies with the process.
func New(stores store.Stores, sealer *seal.Sealer, prov provider.Client, cookieKey []byte, opts ...Option) *API {
	a := &API{
		stores:       stores,
		sealer:       sealer,
		provider:     prov,
		cookieKey:    cookieKey,
		cookieSecure: true,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.limiter == nil {
		a.limiter = ratelimit.NewMemoryLimiter()
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	return a
}

// Router returns a chi.Router with all routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(a.Recoverer)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.With(a.RateLimit(ratelimit.ClassLogin)).Post("/auth/login", a.Login)
	r.With(a.RateLimit(ratelimit.ClassRegister)).Post("/auth/register", a.Register)
	r.Get("/auth/authorize", a.Authorize)
	r.Get("/auth/callback", a.Callback)

	r.Group(func(r chi.Router) {
		r.Use(a.ResolveSession)
		r.Get("/auth/me", a.Me)
		r.Get("/auth/linked-sessions", a.LinkedSessions)
		r.With(a.RateLimit(ratelimit.ClassSwitch), a.RequireCSRF).Post("/auth/switch", a.Switch)
	})

	// Logout resolves the session itself so a dead cookie still gets
	// cleared instead of bouncing off the middleware with a 401.
	r.With(a.RateLimit(ratelimit.ClassLogout)).Post("/auth/logout", a.Logout)

	return r
}
