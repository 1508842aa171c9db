package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/grace-platform/core/infrastructure/logging"
	"github.com/grace-platform/core/infrastructure/middleware"
	"github.com/grace-platform/core/infrastructure/security"
	"github.com/grace-platform/core/internal/approval"
	"github.com/grace-platform/core/internal/benchmark"
	"github.com/grace-platform/core/internal/gate"
	"github.com/grace-platform/core/internal/kpi"
	"github.com/grace-platform/core/internal/ledger"
	"github.com/grace-platform/core/internal/mesh"
	"github.com/grace-platform/core/internal/policy"
	"github.com/grace-platform/core/pkg/metrics"
)

// Server wires the core's components to the HTTP/WebSocket surface named in
// spec.md §6. It holds no domain state of its own — every handler delegates
// straight to the component that owns the behavior.
type Server struct {
	log        *ledger.Log
	mesh       *mesh.Mesh
	policies   *policy.Store
	approvals  *approval.Queue
	gate       *gate.Gate
	collector  *kpi.Collector
	aggregator *benchmark.Aggregator
	engine     *benchmark.Engine
	logger     *logging.Logger
	dataDir    string
	replay     *security.ReplayProtection

	router   *mux.Router
	upgrader websocket.Upgrader
}

// Deps collects the components a Server exposes.
type Deps struct {
	Log        *ledger.Log
	Mesh       *mesh.Mesh
	Policies   *policy.Store
	Approvals  *approval.Queue
	Gate       *gate.Gate
	Collector  *kpi.Collector
	Aggregator *benchmark.Aggregator
	Engine     *benchmark.Engine
	Logger     *logging.Logger
	DataDir    string
}

// NewServer constructs a Server and builds its route table.
func NewServer(d Deps) *Server {
	s := &Server{
		log:        d.Log,
		mesh:       d.Mesh,
		policies:   d.Policies,
		approvals:  d.Approvals,
		gate:       d.Gate,
		collector:  d.Collector,
		aggregator: d.Aggregator,
		engine:     d.Engine,
		logger:     d.Logger,
		dataDir:    d.DataDir,
		replay:     security.NewReplayProtection(gate.DefaultDedupWindow, d.Logger),
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
	s.router = s.buildRouter()
	return s
}

// Router exposes the underlying mux.Router, e.g. for cmd/core's http.Server.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.LoggingMiddleware(s.logger))
	r.Use(middleware.NewRecoveryMiddleware(s.logger).Handler)
	r.Use(middleware.NewBodyLimitMiddleware(0).Handler)
	r.Use(middleware.NewSecurityHeadersMiddleware(nil).Handler)
	r.Use(metrics.InstrumentHandler)

	limiter := middleware.NewRateLimiterFromConfig(middleware.DefaultRateLimiterConfig(s.logger))
	r.Use(limiter.Handler)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/v1/readiness", s.handleReadiness).Methods(http.MethodGet)

	r.HandleFunc("/v1/actions", s.handlePropose).Methods(http.MethodPost)
	r.HandleFunc("/v1/actions/{proposal_id}/execution", s.handleRecordExecution).Methods(http.MethodPost)
	r.HandleFunc("/v1/actions/{proposal_id}/await", s.handleAwaitApproval).Methods(http.MethodPost)

	r.HandleFunc("/v1/approvals", s.handleListApprovals).Methods(http.MethodGet)
	r.HandleFunc("/v1/approvals/{request_id}", s.handleSubmitApproval).Methods(http.MethodPost)

	r.HandleFunc("/v1/events", s.handlePublish).Methods(http.MethodPost)
	r.HandleFunc("/v1/events/subscribe", s.handleSubscribe).Methods(http.MethodGet)
	r.HandleFunc("/v1/events/replay", s.handleReplay).Methods(http.MethodGet)

	r.HandleFunc("/v1/metrics", s.handleRecordMetric).Methods(http.MethodPost)
	r.HandleFunc("/v1/metrics/batch", s.handleBatchMetrics).Methods(http.MethodPost)
	r.HandleFunc("/v1/metrics/{domain}", s.handleSnapshot).Methods(http.MethodGet)

	r.HandleFunc("/v1/log/verify", s.handleVerify).Methods(http.MethodGet)
	r.HandleFunc("/v1/log/range", s.handleRange).Methods(http.MethodGet)

	return r
}
