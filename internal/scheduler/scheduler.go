// Package scheduler batches upstream refreshes of cached market data. Requests are queued,
// grouped by data type and provider, and dispatched so that batch-capable providers are
// called once per group.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/market-cache/internal/marketdata"
	"github.com/agatticelli/market-cache/internal/platform/observability"
	"github.com/agatticelli/market-cache/internal/platform/worker"
	"github.com/agatticelli/market-cache/internal/pricing"
)

// ErrAlreadyRunning is returned by Start on a running scheduler.
var ErrAlreadyRunning = errors.New("scheduler already running")

// UpdateRequest asks for one asset's data to be refreshed from a named provider.
type UpdateRequest struct {
	ID        uuid.UUID           `json:"id"`
	Asset     string              `json:"asset"`
	DataType  marketdata.DataType `json:"data_type"`
	Provider  string              `json:"provider"`
	Priority  int                 `json:"priority"`
	CreatedAt time.Time           `json:"created_at"`

	seq uint64
}

// BatchKey identifies the sub-group a request is dispatched with.
func (r UpdateRequest) BatchKey() string {
	return string(r.DataType) + ":" + r.Provider
}

// Cache is the write side of the cache manager used to store refreshed data.
type Cache interface {
	SetPrice(ctx context.Context, asset, provider string, price *marketdata.Price) (bool, error)
	SetPricesBatch(ctx context.Context, prices []*marketdata.Price) (int, error)
	SetFundamentals(ctx context.Context, asset, provider string, f *marketdata.Fundamentals) (bool, error)
}

// Providers resolves providers by name.
type Providers interface {
	GetProvider(name string) (pricing.Provider, bool)
}

// Config holds scheduler configuration
type Config struct {
	BatchSize            int
	BatchInterval        time.Duration
	LowLoadHours         []int
	MaxConcurrentBatches int
	ProviderTimeout      time.Duration
	Location             *time.Location // zone LowLoadHours are read in, UTC when nil

	Cache     Cache
	Providers Providers
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Tracer    observability.Tracer
	Clock     clockwork.Clock
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Submitted     int64 `json:"submitted"`
	Processed     int64 `json:"processed"`
	Success       int64 `json:"success"`
	Failed        int64 `json:"failed"`
	APICalls      int64 `json:"api_calls"`
	APICallsSaved int64 `json:"api_calls_saved"`
	Batches       int64 `json:"batches"`
	Pending       int   `json:"pending"`
}

// FlushResult aggregates the outcome of dispatched batches.
type FlushResult struct {
	Batches int `json:"batches"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Scheduler queues update requests and dispatches them in batches.
type Scheduler struct {
	batchSize     int
	interval      time.Duration
	lowLoad       map[int]struct{}
	maxConcurrent int
	timeout       time.Duration
	loc           *time.Location

	cache     Cache
	providers Providers
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    observability.Tracer
	clock     clockwork.Clock

	mu      sync.Mutex
	pending []UpdateRequest
	nextSeq uint64

	submitted atomic.Int64
	processed atomic.Int64
	success   atomic.Int64
	failed    atomic.Int64
	apiCalls  atomic.Int64
	saved     atomic.Int64
	batches   atomic.Int64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler. Cache and Providers are required.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("scheduler: cache is required")
	}
	if cfg.Providers == nil {
		return nil, fmt.Errorf("scheduler: providers are required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 60 * time.Second
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = 3
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = pricing.DefaultCallTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	lowLoad := make(map[int]struct{}, len(cfg.LowLoadHours))
	for _, h := range cfg.LowLoadHours {
		if h < 0 || h > 23 {
			return nil, fmt.Errorf("scheduler: low-load hour %d out of range", h)
		}
		lowLoad[h] = struct{}{}
	}

	return &Scheduler{
		batchSize:     cfg.BatchSize,
		interval:      cfg.BatchInterval,
		lowLoad:       lowLoad,
		maxConcurrent: cfg.MaxConcurrentBatches,
		timeout:       cfg.ProviderTimeout,
		loc:           cfg.Location,
		cache:         cfg.Cache,
		providers:     cfg.Providers,
		logger:        observability.OrNop(cfg.Logger).Component("scheduler"),
		metrics:       cfg.Metrics,
		tracer:        observability.OrNoopTracer(cfg.Tracer),
		clock:         cfg.Clock,
	}, nil
}

// ScheduleUpdate queues a refresh of asset's dataType from provider.
func (s *Scheduler) ScheduleUpdate(asset string, dataType marketdata.DataType, provider string, priority int) (UpdateRequest, error) {
	reqs, err := s.ScheduleUpdatesBatch([]UpdateRequest{{
		Asset:    asset,
		DataType: dataType,
		Provider: provider,
		Priority: priority,
	}})
	if err != nil {
		return UpdateRequest{}, err
	}
	return reqs[0], nil
}

// ScheduleUpdatesBatch queues reqs, assigning IDs and creation times where missing.
// Nothing is queued if any request is invalid.
func (s *Scheduler) ScheduleUpdatesBatch(reqs []UpdateRequest) ([]UpdateRequest, error) {
	for i, r := range reqs {
		if marketdata.NormalizeSymbol(r.Asset) == "" {
			return nil, fmt.Errorf("request %d: asset is required", i)
		}
		if !r.DataType.Valid() {
			return nil, fmt.Errorf("request %d: unknown data type %q", i, r.DataType)
		}
		if r.Provider == "" {
			return nil, fmt.Errorf("request %d: provider is required", i)
		}
	}

	now := s.clock.Now()
	out := make([]UpdateRequest, len(reqs))

	s.mu.Lock()
	for i, r := range reqs {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.seq = s.nextSeq
		s.nextSeq++
		s.pending = append(s.pending, r)
		out[i] = r
	}
	pending := len(s.pending)
	s.mu.Unlock()

	s.submitted.Add(int64(len(reqs)))
	s.metrics.SetSchedulerPending(context.Background(), pending)
	return out, nil
}

// Pending returns the queue depth.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// selectNextBatch removes and returns up to batchSize requests, highest priority first,
// then oldest first.
func (s *Scheduler) selectNextBatch() []UpdateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}

	slices.SortStableFunc(s.pending, func(a, b UpdateRequest) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	n := min(s.batchSize, len(s.pending))
	batch := make([]UpdateRequest, n)
	copy(batch, s.pending[:n])
	s.pending = slices.Delete(s.pending, 0, n)
	return batch
}

type group struct {
	key  string
	reqs []UpdateRequest
}

// groupByBatchKey partitions reqs by data type and provider. Groups keep the order in
// which their first request appears.
func groupByBatchKey(reqs []UpdateRequest) []group {
	index := make(map[string]int)
	var groups []group
	for _, r := range reqs {
		k := r.BatchKey()
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, group{key: k})
		}
		groups[i].reqs = append(groups[i].reqs, r)
	}
	return groups
}

type groupResult struct {
	success  int
	failed   int
	apiCalls int
	saved    int
}

// ProcessBatch dispatches the next batch. Sub-groups run concurrently, bounded by
// MaxConcurrentBatches. It returns a zero result when nothing is pending.
func (s *Scheduler) ProcessBatch(ctx context.Context) FlushResult {
	batch := s.selectNextBatch()
	if len(batch) == 0 {
		return FlushResult{}
	}

	ctx, span := s.tracer.StartSpan(ctx, "scheduler.ProcessBatch", attribute.Int("requests", len(batch)))
	defer span.End()

	groups := groupByBatchKey(batch)
	jobs := make([]worker.Job[groupResult], len(groups))
	for i, g := range groups {
		g := g
		jobs[i] = worker.Job[groupResult]{
			ID: g.key,
			Execute: func(ctx context.Context) (groupResult, error) {
				return s.dispatchGroup(ctx, g), nil
			},
		}
	}

	pool := worker.NewPool(ctx, min(s.maxConcurrent, len(groups)), len(groups))
	results := worker.SubmitAndWait(pool, jobs)
	pool.Close()

	var res FlushResult
	for i, r := range results {
		gr := r.Value
		if r.Err != nil {
			gr = groupResult{failed: len(groups[i].reqs)}
		}
		res.Success += gr.success
		res.Failed += gr.failed
		s.apiCalls.Add(int64(gr.apiCalls))
		s.saved.Add(int64(gr.saved))
		s.metrics.RecordSchedulerBatch(ctx, groups[i].key, gr.success, gr.failed, gr.saved)
	}
	res.Batches = 1

	s.batches.Add(1)
	s.processed.Add(int64(len(batch)))
	s.success.Add(int64(res.Success))
	s.failed.Add(int64(res.Failed))
	s.metrics.SetSchedulerPending(ctx, s.Pending())

	span.SetAttributes(attribute.Int("success", res.Success), attribute.Int("failed", res.Failed))
	s.logger.LogInfo(ctx, "batch processed",
		"requests", len(batch), "groups", len(groups), "success", res.Success, "failed", res.Failed)
	return res
}

func (s *Scheduler) dispatchGroup(ctx context.Context, g group) groupResult {
	first := g.reqs[0]
	provider, ok := s.providers.GetProvider(first.Provider)
	if !ok {
		s.logger.LogWarn(ctx, "provider not found, dropping group", "batch_key", g.key, "requests", len(g.reqs))
		return groupResult{failed: len(g.reqs)}
	}

	switch first.DataType {
	case marketdata.DataTypePrice:
		if bp, ok := pricing.AsBatch(provider); ok {
			return s.dispatchPriceBatch(ctx, bp, g)
		}
		return s.dispatchEach(ctx, g, func(ctx context.Context, r UpdateRequest) error {
			price, err := s.fetchPrice(ctx, provider, r.Asset)
			if err != nil {
				return err
			}
			_, err = s.cache.SetPrice(ctx, r.Asset, r.Provider, price)
			return err
		})
	case marketdata.DataTypeFundamentals:
		return s.dispatchEach(ctx, g, func(ctx context.Context, r UpdateRequest) error {
			f, err := s.fetchFundamentals(ctx, provider, r.Asset)
			if err != nil {
				return err
			}
			_, err = s.cache.SetFundamentals(ctx, r.Asset, r.Provider, f)
			return err
		})
	default:
		s.logger.LogWarn(ctx, "no upstream fetch for data type", "batch_key", g.key, "requests", len(g.reqs))
		return groupResult{failed: len(g.reqs)}
	}
}

func (s *Scheduler) dispatchPriceBatch(ctx context.Context, bp pricing.BatchProvider, g group) groupResult {
	assets := make([]string, 0, len(g.reqs))
	seen := make(map[string]struct{}, len(g.reqs))
	for _, r := range g.reqs {
		sym := marketdata.NormalizeSymbol(r.Asset)
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		assets = append(assets, r.Asset)
	}

	res := groupResult{apiCalls: 1, saved: len(g.reqs) - 1}

	fctx, cancel := context.WithTimeout(ctx, s.timeout)
	prices, err := bp.FetchPricesBatch(fctx, assets)
	cancel()
	if err != nil {
		s.logger.LogWarn(ctx, "batch fetch failed", "batch_key", g.key, "assets", len(assets), "error", err.Error())
		res.failed = len(g.reqs)
		return res
	}

	provider := g.reqs[0].Provider
	got := make(map[string]struct{}, len(prices))
	toStore := make([]*marketdata.Price, 0, len(prices))
	for _, p := range prices {
		if p == nil {
			continue
		}
		cp := *p
		cp.Provider = provider
		got[marketdata.NormalizeSymbol(cp.Symbol)] = struct{}{}
		toStore = append(toStore, &cp)
	}

	stored, err := s.cache.SetPricesBatch(ctx, toStore)
	if err != nil {
		s.logger.LogWarn(ctx, "batch cache write failed", "batch_key", g.key, "error", err.Error())
		res.failed = len(g.reqs)
		return res
	}
	if stored < len(toStore) {
		// The cache reports a count only; the trailing prices are taken as the unstored ones.
		s.logger.LogWarn(ctx, "batch cache write incomplete", "batch_key", g.key, "stored", stored, "fetched", len(toStore))
		for _, p := range toStore[max(stored, 0):] {
			delete(got, marketdata.NormalizeSymbol(p.Symbol))
		}
	}

	for _, r := range g.reqs {
		if _, ok := got[marketdata.NormalizeSymbol(r.Asset)]; ok {
			res.success++
		} else {
			res.failed++
		}
	}
	return res
}

func (s *Scheduler) dispatchEach(ctx context.Context, g group, fn func(context.Context, UpdateRequest) error) groupResult {
	var res groupResult
	for _, r := range g.reqs {
		if ctx.Err() != nil {
			res.failed++
			continue
		}
		res.apiCalls++
		if err := fn(ctx, r); err != nil {
			s.logger.LogWarn(ctx, "update failed", "asset", r.Asset, "batch_key", g.key, "error", err.Error())
			res.failed++
			continue
		}
		res.success++
	}
	return res
}

func (s *Scheduler) fetchPrice(ctx context.Context, p pricing.Provider, asset string) (*marketdata.Price, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	price, err := p.FetchPrice(ctx, asset)
	if err == nil && price == nil {
		err = pricing.ErrEmptyResult
	}
	return price, err
}

func (s *Scheduler) fetchFundamentals(ctx context.Context, p pricing.Provider, asset string) (*marketdata.Fundamentals, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	f, err := p.FetchFundamentals(ctx, asset)
	if err == nil && f == nil {
		err = pricing.ErrEmptyResult
	}
	return f, err
}

// FlushPending drains the whole queue regardless of load hours.
func (s *Scheduler) FlushPending(ctx context.Context) FlushResult {
	var total FlushResult
	for ctx.Err() == nil {
		r := s.ProcessBatch(ctx)
		if r.Batches == 0 {
			break
		}
		total.Batches += r.Batches
		total.Success += r.Success
		total.Failed += r.Failed
	}
	return total
}

// IsLowLoadHour reports whether the current hour is a configured low-load hour.
func (s *Scheduler) IsLowLoadHour() bool {
	_, ok := s.lowLoad[s.clock.Now().In(s.loc).Hour()]
	return ok
}

// runOnce is one loop iteration. During low-load hours the queue is drained; otherwise
// batches are dispatched only while the queue holds at least twice the batch size.
func (s *Scheduler) runOnce(ctx context.Context) FlushResult {
	if s.IsLowLoadHour() {
		return s.FlushPending(ctx)
	}

	var total FlushResult
	for ctx.Err() == nil && s.Pending() >= 2*s.batchSize {
		r := s.ProcessBatch(ctx)
		total.Batches += r.Batches
		total.Success += r.Success
		total.Failed += r.Failed
	}
	return total
}

// Start runs the background loop until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.done != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, s.done)
	s.logger.LogInfo(ctx, "scheduler started", "interval", s.interval.String(), "batch_size", s.batchSize)
	return nil
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.runOnce(ctx)
		}
	}
}

// Stop cancels the background loop and waits for the current iteration to finish.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.LogInfo(context.Background(), "scheduler stopped")
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Submitted:     s.submitted.Load(),
		Processed:     s.processed.Load(),
		Success:       s.success.Load(),
		Failed:        s.failed.Load(),
		APICalls:      s.apiCalls.Load(),
		APICallsSaved: s.saved.Load(),
		Batches:       s.batches.Load(),
		Pending:       s.Pending(),
	}
}
