package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/evergrid-labs/carbonledger/pkg/auth"
	"github.com/evergrid-labs/carbonledger/pkg/node"
	"github.com/evergrid-labs/carbonledger/pkg/observability"
)

// Server exposes the carbon ledger node over JSON HTTP.
type Server struct {
	node   *node.Node
	obs    *observability.Provider
	logger *slog.Logger
}

// NewServer creates a server over a wired node. A nil provider disables
// metrics without changing request handling.
func NewServer(n *node.Node, obs *observability.Provider) *Server {
	if obs == nil {
		obs, _ = observability.New(context.Background(), &observability.Config{Enabled: false})
	}
	return &Server{
		node:   n,
		obs:    obs,
		logger: slog.Default().With("component", "api"),
	}
}

// Routes returns the route table without middleware, for tests that
// inject principals directly.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleReadiness)

	mux.HandleFunc("POST /v1/roles/grant", s.handleGrant)
	mux.HandleFunc("POST /v1/roles/revoke", s.handleRevoke)
	mux.HandleFunc("GET /v1/roles/{role}/{principal}", s.handleHasRole)

	mux.HandleFunc("POST /v1/vehicles", s.handleRegisterVehicle)
	mux.HandleFunc("GET /v1/vehicles/{vin}", s.handleGetVehicle)
	mux.HandleFunc("GET /v1/vehicles/{vin}/calculations", s.handleVehicleCalculations)
	mux.HandleFunc("GET /v1/vehicles/{vin}/credits", s.handleVehicleCredits)
	mux.HandleFunc("GET /v1/vehicles/{vin}/balance", s.handleVehicleBalance)

	mux.HandleFunc("POST /v1/calculations", s.handleCalculate)
	mux.HandleFunc("GET /v1/calculations/{id}", s.handleGetCalculation)
	mux.HandleFunc("POST /v1/calculations/{id}/verify", s.handleVerify)
	mux.HandleFunc("POST /v1/calculations/{id}/reject", s.handleReject)
	mux.HandleFunc("GET /v1/calculations/{id}/credit", s.handleCreditForCalculation)

	mux.HandleFunc("POST /v1/credits", s.handleGenerate)
	mux.HandleFunc("GET /v1/credits/{id}", s.handleGetCredit)
	mux.HandleFunc("POST /v1/credits/{id}/issue", s.handleIssue)

	mux.HandleFunc("POST /v1/transfers/vehicle", s.handleTransferFromVehicle)
	mux.HandleFunc("POST /v1/transfers", s.handleTransfer)

	mux.HandleFunc("POST /v1/usages", s.handleUse)
	mux.HandleFunc("GET /v1/usages/{id}", s.handleGetUsage)
	mux.HandleFunc("GET /v1/accounts/{principal}/balance", s.handleAccountBalance)
	mux.HandleFunc("GET /v1/accounts/{principal}/usages", s.handleAccountUsages)

	mux.HandleFunc("GET /v1/ledger", s.handleLedgerTotals)
	mux.HandleFunc("GET /v1/parameters", s.handleGetParameters)
	mux.HandleFunc("PUT /v1/parameters", s.handleSetParameters)

	mux.HandleFunc("POST /v1/contracts", s.handleRegisterContract)
	mux.HandleFunc("POST /v1/contracts/{name}/upgrade", s.handleUpgradeContract)
	mux.HandleFunc("GET /v1/contracts/{name}", s.handleResolveContract)

	mux.HandleFunc("GET /v1/observations", s.handleObservations)

	return mux
}

// Handler returns the full middleware stack: CORS, request id, request
// metrics, rate limit, bearer auth, idempotent replay, routes.
func (s *Server) Handler(validator *auth.TokenValidator) http.Handler {
	var h http.Handler = s.Routes()
	h = IdempotencyMiddleware(NewIdempotencyStore(24 * time.Hour))(h)
	h = auth.Middleware(validator)(h)
	h = NewGlobalRateLimiter(50, 100).Middleware(h)
	h = s.metricsMiddleware(h)
	h = auth.RequestIDMiddleware(h)
	h = auth.CORSMiddleware(nil)(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if err := s.node.Ledger().CheckConservation(); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "Not Ready", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
