package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/agentgate/pkg/auth"
	"github.com/platinummonkey/agentgate/pkg/billing"
	"github.com/platinummonkey/agentgate/pkg/httputil"
	"github.com/platinummonkey/agentgate/pkg/identity"
	"github.com/platinummonkey/agentgate/pkg/middleware"
	"github.com/platinummonkey/agentgate/pkg/observability"
	"github.com/platinummonkey/agentgate/pkg/ratelimit"
)

// Services bundles the components the HTTP API serves. Health, Metrics, Registry and
// Proxies are optional; the remaining fields are required.
type Services struct {
	Issuer   *identity.Issuer
	Claims   *identity.ClaimService
	Authn    *middleware.AuthMiddleware
	Sessions *auth.SessionVerifier
	Plans    *billing.PlanResolver
	Usage    *ratelimit.UsageRecorder
	Audit    *auth.AuditLogger
	Logger   *observability.Logger

	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	Registry *prometheus.Registry

	// Proxies whose forwarding headers name the client. Empty trusts only the peer address.
	Proxies httputil.TrustedProxies
}

// Server is the agentgate HTTP API
type Server struct {
	router  *mux.Router
	handler http.Handler
	svc     Services

	agentHandlers *agentHandlers
	claimHandlers *claimHandlers
}

// NewServer creates the API server and its routes
func NewServer(svc Services) *Server {
	if svc.Logger == nil {
		svc.Logger = observability.NewNopLogger()
	}
	if svc.Audit == nil {
		svc.Audit = auth.NewAuditLogger(svc.Logger)
	}

	s := &Server{
		router: mux.NewRouter(),
		svc:    svc,
		agentHandlers: &agentHandlers{
			issuer: svc.Issuer,
			claims: svc.Claims,
			authn:  svc.Authn,
			plans:  svc.Plans,
			usage:  svc.Usage,
			audit:  svc.Audit,
			logger: svc.Logger,
		},
		claimHandlers: &claimHandlers{
			claims:   svc.Claims,
			sessions: svc.Sessions,
			audit:    svc.Audit,
			logger:   svc.Logger,
		},
	}
	s.setupRoutes()
	s.handler = s.wrap(s.router)
	return s
}

func (s *Server) setupRoutes() {
	if s.svc.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.svc.Metrics))
	}

	if s.svc.Health != nil {
		s.router.HandleFunc("/health/live", s.svc.Health.Liveness).Methods("GET")
		s.router.HandleFunc("/health/ready", s.svc.Health.Readiness).Methods("GET")
	}
	if s.svc.Registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(s.svc.Registry)).Methods("GET")
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	s.agentHandlers.RegisterRoutes(v1)
	s.claimHandlers.RegisterRoutes(v1)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteCodedError(w, http.StatusNotFound, string(auth.CodeNotFound), "route not found")
	})
}

// wrap applies the server-wide middleware, outermost first
func (s *Server) wrap(h http.Handler) http.Handler {
	chained := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.ClientIPMiddleware(s.svc.Proxies),
		httputil.LoggingMiddleware(s.svc.Logger),
		httputil.RecoveryMiddleware(s.svc.Logger),
	)(h)
	return otelhttp.NewHandler(chained, "agentgate.http")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// writeError writes err as a coded JSON error. Internal failures are logged and never
// described to the caller.
func writeError(w http.ResponseWriter, r *http.Request, logger *observability.Logger, err error) {
	e := auth.AsError(err)
	if e.Code == auth.CodeInternal {
		observability.FromContextOr(r.Context(), logger).WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	httputil.WriteCodedError(w, e.HTTPStatus(), string(e.Code), e.Message)
}

// parseBody decodes a JSON body, writing INVALID_REQUEST on failure
func parseBody(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := httputil.ParseJSON(r, dest); err != nil {
		e := auth.InvalidRequest(err.Error())
		httputil.WriteCodedError(w, e.HTTPStatus(), string(e.Code), e.Message)
		return false
	}
	return true
}
