package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/agatticelli/market-cache/internal/analytics"
	"github.com/agatticelli/market-cache/internal/maintenance"
	"github.com/agatticelli/market-cache/internal/manager"
	"github.com/agatticelli/market-cache/internal/marketdata"
	"github.com/agatticelli/market-cache/internal/platform/observability"
	"github.com/agatticelli/market-cache/internal/pricing"
	"github.com/agatticelli/market-cache/internal/scheduler"
	"github.com/agatticelli/market-cache/internal/warming"
)

type readinessCheck struct {
	name  string
	ready func() bool
}

// server exposes health, stats and cache operations over HTTP.
// scheduler, warmer and janitor are optional.
type server struct {
	manager   *manager.Manager
	registry  *pricing.Registry
	scheduler *scheduler.Scheduler
	warmer    *warming.Warmer
	janitor   *maintenance.Janitor
	checks    []readinessCheck
	metrics   *observability.Metrics
	logger    *observability.Logger
}

type statsResponse struct {
	Cache     manager.Stats            `json:"cache"`
	Scheduler *scheduler.Stats         `json:"scheduler,omitempty"`
	Warmer    *warming.Stats           `json:"warmer,omitempty"`
	Janitor   *maintenance.Stats       `json:"janitor,omitempty"`
	Providers []pricing.ProviderHealth `json:"providers"`
}

type recommendationsResponse struct {
	Recommendations []string                  `json:"recommendations"`
	Optimal         bool                      `json:"optimal"`
	Pollution       analytics.PollutionReport `json:"pollution"`
}

type updateRequest struct {
	Symbols  []string `json:"symbols"`
	DataType string   `json:"data_type"`
	Provider string   `json:"provider"`
	Priority int      `json:"priority"`
}

type eventRequest struct {
	TTL string `json:"ttl"`
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /recommendations", s.handleRecommendations)
	mux.HandleFunc("GET /prices/{symbol}", s.handlePrice)
	mux.HandleFunc("POST /updates", s.handleUpdates)
	mux.HandleFunc("POST /events/{symbol}", s.handleAddEvent)
	mux.HandleFunc("DELETE /events/{symbol}", s.handleRemoveEvent)

	return mux
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := make(map[string]bool, len(s.checks))
	ready := true
	for _, c := range s.checks {
		ok := c.ready()
		status[c.name] = ok
		ready = ready && ok
	}

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"ready": ready, "checks": status})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Cache:     s.manager.GetStats(r.Context()),
		Providers: s.registry.Health(),
	}
	if s.scheduler != nil {
		st := s.scheduler.Stats()
		resp.Scheduler = &st
	}
	if s.warmer != nil {
		st := s.warmer.Stats()
		resp.Warmer = &st
	}
	if s.janitor != nil {
		st := s.janitor.Stats()
		resp.Janitor = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	report := s.manager.Analytics().Report()
	writeJSON(w, http.StatusOK, recommendationsResponse{
		Recommendations: report.Recommendations,
		Optimal:         analytics.IsOptimal(report.Recommendations),
		Pollution:       report.Pollution,
	})
}

// handlePrice serves a price from the cache, fetching it from the routed provider on a miss.
func (s *server) handlePrice(w http.ResponseWriter, r *http.Request) {
	symbol := marketdata.NormalizeSymbol(r.PathValue("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	var (
		p  pricing.Provider
		ok bool
	)
	if name := r.URL.Query().Get("provider"); name != "" {
		p, ok = s.registry.GetProvider(name)
	} else {
		p, ok = s.registry.GetProviderForDataType(marketdata.DataTypePrice, symbol)
	}
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no provider available")
		return
	}

	key := marketdata.PriceKey(symbol, p.Name())
	price, found, err := manager.ReadThrough(r.Context(), s.manager, key, marketdata.DataTypePrice, symbol,
		func(ctx context.Context) (*marketdata.Price, error) {
			return p.FetchPrice(ctx, symbol)
		})
	if err != nil {
		s.logger.LogError(r.Context(), "price lookup failed", err, "symbol", symbol)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "price unavailable")
		return
	}
	writeJSON(w, http.StatusOK, price)
}

func (s *server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	dt, err := marketdata.ParseDataType(req.DataType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reqs := make([]scheduler.UpdateRequest, len(req.Symbols))
	for i, sym := range req.Symbols {
		reqs[i] = scheduler.UpdateRequest{Asset: sym, DataType: dt, Provider: req.Provider, Priority: req.Priority}
	}
	queued, err := s.scheduler.ScheduleUpdatesBatch(reqs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ids := make([]string, len(queued))
	for i, q := range queued {
		ids[i] = q.ID.String()
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": len(queued), "ids": ids, "pending": s.scheduler.Pending()})
}

func (s *server) handleAddEvent(w http.ResponseWriter, r *http.Request) {
	if s.warmer == nil {
		writeError(w, http.StatusServiceUnavailable, "warmer disabled")
		return
	}
	symbol := marketdata.NormalizeSymbol(r.PathValue("symbol"))

	var ttl time.Duration
	var req eventRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "ttl must be a positive duration")
			return
		}
		ttl = d
	}

	s.warmer.AddMarketEvent(symbol, ttl)
	writeJSON(w, http.StatusCreated, map[string]any{"symbol": symbol, "active_events": s.warmer.ActiveEvents()})
}

func (s *server) handleRemoveEvent(w http.ResponseWriter, r *http.Request) {
	if s.warmer == nil {
		writeError(w, http.StatusServiceUnavailable, "warmer disabled")
		return
	}
	s.warmer.RemoveMarketEvent(r.PathValue("symbol"))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// serve runs srv until ctx is done, then shuts it down.
func serve(ctx context.Context, srv *http.Server, logger *observability.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.LogInfo(ctx, "HTTP server listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
