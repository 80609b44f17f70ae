package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Router gorilla/mux with method-scoped registration
type Router struct {
	mux    *mux.Router
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    mux.NewRouter(),
		logger: logger,
	}
}

// Use installs mux middleware (route instrumentation, request logging)
func (r *Router) Use(mw ...mux.MiddlewareFunc) {
	r.mux.Use(mw...)
}

func (r *Router) Handle(method, pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h).Methods(method)
}

// HandleHandler registers an http.Handler for every method (metrics, pprof)
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterWearableRoutes sync, status and readings endpoints
func (r *Router) RegisterWearableRoutes(h *WearablesHandler) {
	r.Handle(http.MethodGet, "/api/wearables/readings", h.ListReadings)
	r.Handle(http.MethodGet, "/api/wearables/readings/export", h.ExportReadings)

	r.Handle(http.MethodPost, "/api/wearables/{provider}/sync", h.Sync)
	r.Handle(http.MethodGet, "/api/wearables/{provider}/status", h.Status)
	r.Handle(http.MethodPost, "/api/wearables/{provider}/disconnect", h.Disconnect)
}

// RegisterRewardRoutes ledger queries
func (r *Router) RegisterRewardRoutes(h *RewardsHandler) {
	r.Handle(http.MethodGet, "/api/rewards/contributions", h.ListContributions)
}

// RegisterOpsRoutes liveness and prometheus scrape endpoints
func (r *Router) RegisterOpsRoutes() {
	r.Handle(http.MethodGet, "/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.HandleHandler("/metrics", promhttp.Handler())
}
