// Package state owns the in-memory snapshot of prices, inventory,
// allocation, profitability and analysis, and serialises the refresh,
// update and analyze cycles that write to it.
//
// Loads and allocation updates share one generation counter. A load never
// commits over an allocation written by a newer cycle, and never commits
// while an update is in flight, because the update's echo is authoritative.
package state

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seenimoa/fleetpilot/internal/execute"
	"github.com/seenimoa/fleetpilot/internal/profit"
	"github.com/seenimoa/fleetpilot/pkg/models"
)

// ErrNoAnalyst is returned by Analyze when no analyst is configured.
var ErrNoAnalyst = errors.New("state: analysis is not configured")

// ErrNoExecutor is returned by Execute when no executor is configured.
var ErrNoExecutor = errors.New("state: execution is not configured")

// Market supplies prices and inventory.
type Market interface {
	Prices(ctx context.Context) (models.PriceSeries, error)
	Inventory(ctx context.Context) (*models.Inventory, error)
}

// Control reads and writes the site allocation.
type Control interface {
	Allocation(ctx context.Context, apiKey string) (*models.MachineAllocation, error)
	UpdateAllocation(ctx context.Context, apiKey string, target models.AllocationTarget) (*models.MachineAllocation, error)
}

// Analyst produces an analysis for a context.
type Analyst interface {
	RequestAnalysis(ctx context.Context, gc *models.GlobalContext, credential string) (*models.AnalysisResult, error)
}

// Executor applies a recommended action.
type Executor interface {
	ExecuteAction(ctx context.Context, action *models.RecommendedAction, prior *models.GlobalContext, credential string) (*execute.Result, error)
}

// Headliner supplies market news for the analysis context.
type Headliner interface {
	Headlines(ctx context.Context, limit int) []models.Headline
}

// Flags reports which cycles are in flight. They are independent: a load
// and an analysis may overlap.
type Flags struct {
	Loading   bool `json:"loading"`
	Updating  bool `json:"updating"`
	Analyzing bool `json:"analyzing"`
}

// Idle reports whether nothing is in flight.
func (f Flags) Idle() bool { return !f.Loading && !f.Updating && !f.Analyzing }

// Snapshot is a point-in-time copy of the store.
type Snapshot struct {
	Prices        models.PriceSeries          `json:"prices"`
	Inventory     *models.Inventory           `json:"inventory"`
	Allocation    *models.MachineAllocation   `json:"allocation"`
	Profitability *models.ProfitabilityReport `json:"profitability"`
	Analysis      *models.AnalysisResult      `json:"analysis,omitempty"`
	LastExecution *execute.Result             `json:"last_execution,omitempty"`
	Headlines     []models.Headline           `json:"headlines,omitempty"`
	Site          models.SiteInfo             `json:"site"`
	LastError     string                      `json:"last_error,omitempty"`
	Flags         Flags                       `json:"flags"`
	Generation    uint64                      `json:"generation"`
	UpdatedAt     time.Time                   `json:"updated_at"`
}

// Context returns the analysis view of the snapshot.
func (s Snapshot) Context() *models.GlobalContext {
	return &models.GlobalContext{
		Prices:        s.Prices,
		Inventory:     s.Inventory,
		Profitability: s.Profitability,
		Allocation:    s.Allocation,
		Site:          s.Site,
		Headlines:     s.Headlines,
	}
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Prices = append(models.PriceSeries(nil), s.Prices...)
	out.Inventory = s.Inventory.Clone()
	out.Allocation = s.Allocation.Clone()
	if s.Profitability != nil {
		p := *s.Profitability
		p.Entries = append([]models.ProfitEntry(nil), s.Profitability.Entries...)
		out.Profitability = &p
	}
	out.Headlines = append([]models.Headline(nil), s.Headlines...)
	return out
}

// Store is the single owner of the snapshot.
type Store struct {
	market   Market
	control  Control
	analyst  Analyst
	executor Executor
	news     Headliner
	newsMax  int
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	snap       Snapshot
	credential string

	gen       uint64 // last issued load/update generation
	allocGen  uint64 // generation of the last committed allocation
	loading   int
	updating  int
	analyzing int

	analysisGen       uint64
	analysisCommitted uint64

	subs   map[int]chan Snapshot
	nextID int
}

// Option configures a Store.
type Option func(*Store)

// WithCredential sets the fleet-control API key.
func WithCredential(key string) Option {
	return func(s *Store) { s.credential = key }
}

// WithSite sets the site metadata embedded in analysis prompts.
func WithSite(site models.SiteInfo) Option {
	return func(s *Store) { s.snap.Site = site }
}

// WithAnalyst enables Analyze.
func WithAnalyst(a Analyst) Option {
	return func(s *Store) { s.analyst = a }
}

// WithExecutor enables Execute.
func WithExecutor(e Executor) Option {
	return func(s *Store) { s.executor = e }
}

// WithNews adds up to limit headlines to each analysis.
func WithNews(h Headliner, limit int) Option {
	return func(s *Store) {
		s.news = h
		s.newsMax = limit
	}
}

// WithObserver receives commit notifications for metrics and audit.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store. Nothing is fetched until Load or Run.
func New(market Market, control Control, opts ...Option) *Store {
	s := &Store{
		market:   market,
		control:  control,
		observer: nopObserver{},
		logger:   slog.Default(),
		now:      time.Now,
		subs:     make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "state")
	return s
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Credential returns the fleet-control API key in use.
func (s *Store) Credential() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credential
}

// SetCredential switches the fleet-control API key. A different key means
// a different site, so the held allocation is dropped and in-flight loads
// for the old key are discarded.
func (s *Store) SetCredential(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == s.credential {
		return
	}
	s.credential = key
	s.snap.Allocation = nil
	s.gen++
	s.allocGen = s.gen
	s.snap.Generation = s.gen
	s.publishLocked()
}

// SetSite switches the store to a newly provisioned site.
func (s *Store) SetSite(site *models.Site) {
	if site == nil {
		return
	}
	s.mu.Lock()
	s.credential = site.APIKey
	s.snap.Site = models.SiteInfo{Name: site.Name, Power: site.Power}
	s.snap.Allocation = nil
	s.gen++
	s.allocGen = s.gen
	s.snap.Generation = s.gen
	s.publishLocked()
	s.mu.Unlock()
}

func (s *Store) snapshotLocked() Snapshot {
	out := s.snap.clone()
	out.Flags = Flags{
		Loading:   s.loading > 0,
		Updating:  s.updating > 0,
		Analyzing: s.analyzing > 0,
	}
	return out
}

// ════════════════════════════════════════════════════════════════════
// Load
// ════════════════════════════════════════════════════════════════════

// Load fetches prices, inventory and (when a credential is set) the
// allocation concurrently and commits them with a fresh profitability
// report in one step. A result superseded by an allocation update is
// dropped and Load returns nil.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	sawUpdate := s.updating > 0
	cred := s.credential
	s.loading++
	s.publishLocked()
	s.mu.Unlock()

	var (
		prices models.PriceSeries
		inv    *models.Inventory
		alloc  *models.MachineAllocation
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		prices, err = s.market.Prices(gctx)
		return err
	})
	g.Go(func() (err error) {
		inv, err = s.market.Inventory(gctx)
		return err
	})
	if cred != "" {
		g.Go(func() (err error) {
			alloc, err = s.control.Allocation(gctx, cred)
			return err
		})
	}
	err := g.Wait()

	s.mu.Lock()
	s.loading--
	if err != nil {
		s.snap.LastError = err.Error()
		s.publishLocked()
		s.mu.Unlock()
		s.logger.Warn("refresh failed", "generation", gen, "error", err)
		s.observer.Refreshed(OutcomeFailed, nil)
		return err
	}
	if sawUpdate || s.updating > 0 || gen < s.allocGen {
		s.publishLocked()
		s.mu.Unlock()
		s.logger.Debug("refresh superseded", "generation", gen)
		s.observer.Refreshed(OutcomeDiscarded, nil)
		return nil
	}
	s.commitMarketLocked(prices, inv)
	if cred != "" {
		s.snap.Allocation = alloc
	}
	s.allocGen = gen
	s.snap.Generation = gen
	s.snap.LastError = ""
	snap := s.publishLocked()
	s.mu.Unlock()

	s.observer.Refreshed(OutcomeCommitted, &snap)
	return nil
}

func (s *Store) commitMarketLocked(prices models.PriceSeries, inv *models.Inventory) {
	s.snap.Prices = prices
	s.snap.Inventory = inv
	s.snap.Profitability = profitabilityFor(inv, prices)
	s.snap.UpdatedAt = s.now().UTC()
}

func profitabilityFor(inv *models.Inventory, prices models.PriceSeries) *models.ProfitabilityReport {
	return profit.Compute(inv, prices)
}

// Run loads immediately and then every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if err := s.Load(ctx); err != nil {
		s.logger.Error("initial load failed", "error", err)
	}
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Load(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("periodic load failed", "error", err)
			}
		}
	}
}

// ════════════════════════════════════════════════════════════════════
// Allocation updates
// ════════════════════════════════════════════════════════════════════

// UpdateAllocation writes target to the fleet, refetches prices and
// inventory, and commits the echoed allocation with a recomputed report.
// On a rejected mutation the allocation is left as it was and the
// upstream error is returned unchanged.
func (s *Store) UpdateAllocation(ctx context.Context, target models.AllocationTarget) (*models.MachineAllocation, error) {
	gen, cred := s.beginUpdate()

	applied, err := s.control.UpdateAllocation(ctx, cred, target)
	if err != nil {
		s.failUpdate(err)
		s.observer.AllocationRejected(target, err)
		return nil, err
	}
	if applied == nil {
		applied = &models.MachineAllocation{AllocationTarget: target}
	}
	s.commitUpdate(ctx, gen, applied, nil)
	return applied, nil
}

// Execute runs action through the executor inside an update cycle. The
// applied allocation is committed even when the summary step fails; the
// returned error then describes the summary failure.
func (s *Store) Execute(ctx context.Context, action *models.RecommendedAction) (*execute.Result, error) {
	if s.executor == nil {
		return nil, ErrNoExecutor
	}
	prior := s.Snapshot().Context()
	gen, cred := s.beginUpdate()

	res, err := s.executor.ExecuteAction(ctx, action, prior, cred)
	if !res.Applied() {
		if err == nil {
			err = errors.New("state: execution applied nothing")
		}
		s.failUpdate(err)
		return nil, err
	}
	s.commitUpdate(ctx, gen, res.Allocation, func(snap *Snapshot) {
		snap.LastExecution = res
		if err != nil {
			snap.LastError = err.Error()
		}
	})
	return res, err
}

func (s *Store) beginUpdate() (uint64, string) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.updating++
	cred := s.credential
	s.publishLocked()
	s.mu.Unlock()
	return gen, cred
}

func (s *Store) failUpdate(err error) {
	s.mu.Lock()
	s.updating--
	s.snap.LastError = err.Error()
	s.publishLocked()
	s.mu.Unlock()
	s.logger.Warn("allocation update failed", "error", err)
}

// commitUpdate refetches market data and commits it with applied. When the
// refetch fails the echo is still committed, priced against the market
// data already held so allocation and profitability stay consistent.
func (s *Store) commitUpdate(ctx context.Context, gen uint64, applied *models.MachineAllocation, extra func(*Snapshot)) {
	var (
		prices models.PriceSeries
		inv    *models.Inventory
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		prices, err = s.market.Prices(gctx)
		return err
	})
	g.Go(func() (err error) {
		inv, err = s.market.Inventory(gctx)
		return err
	})
	refetchErr := g.Wait()

	s.mu.Lock()
	s.updating--
	if gen < s.allocGen {
		s.publishLocked()
		s.mu.Unlock()
		s.logger.Debug("update superseded", "generation", gen)
		return
	}
	s.snap.LastError = ""
	if refetchErr != nil {
		s.logger.Warn("refetch after update failed", "error", refetchErr)
		s.snap.LastError = refetchErr.Error()
		s.snap.Profitability = profitabilityFor(s.snap.Inventory, s.snap.Prices)
		s.snap.UpdatedAt = s.now().UTC()
	} else {
		s.commitMarketLocked(prices, inv)
	}
	s.snap.Allocation = applied
	s.allocGen = gen
	s.snap.Generation = gen
	if extra != nil {
		extra(&s.snap)
	}
	snap := s.publishLocked()
	s.mu.Unlock()

	s.logger.Info("allocation committed", "generation", gen, "miners", applied.TotalMiners(), "units", applied.TotalUnits())
	s.observer.AllocationCommitted(&snap)
}

// ════════════════════════════════════════════════════════════════════
// Analysis
// ════════════════════════════════════════════════════════════════════

// Analyze requests an analysis of the current snapshot. On failure the
// previous analysis is kept. An analysis that finishes after a newer one
// has been committed is dropped.
func (s *Store) Analyze(ctx context.Context) (*models.AnalysisResult, error) {
	analyst := s.analyst
	if analyst == nil {
		return nil, ErrNoAnalyst
	}

	s.mu.Lock()
	s.analysisGen++
	gen := s.analysisGen
	s.analyzing++
	cred := s.credential
	snap := s.publishLocked()
	s.mu.Unlock()

	gc := snap.Context()
	if s.news != nil {
		gc.Headlines = s.news.Headlines(ctx, s.newsMax)
	}

	result, err := analyst.RequestAnalysis(ctx, gc, cred)

	s.mu.Lock()
	s.analyzing--
	switch {
	case err != nil:
		s.snap.LastError = err.Error()
	case gen > s.analysisCommitted:
		s.analysisCommitted = gen
		s.snap.Analysis = result
		s.snap.Headlines = gc.Headlines
	}
	s.publishLocked()
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("analysis failed", "error", err)
	} else {
		s.observer.Analyzed(result)
	}
	return result, err
}

// ════════════════════════════════════════════════════════════════════
// Subscriptions
// ════════════════════════════════════════════════════════════════════

// Subscribe returns a channel that receives the latest snapshot after
// every change, and a function that ends the subscription. Slow readers
// only ever see the newest snapshot.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// publishLocked hands the current snapshot to every subscriber without
// blocking, replacing any snapshot a subscriber has not read yet.
func (s *Store) publishLocked() Snapshot {
	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
	return snap
}
