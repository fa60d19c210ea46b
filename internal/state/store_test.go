package state

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seenimoa/fleetpilot/internal/apperr"
	"github.com/seenimoa/fleetpilot/internal/events"
	"github.com/seenimoa/fleetpilot/internal/execute"
	"github.com/seenimoa/fleetpilot/internal/metrics"
	"github.com/seenimoa/fleetpilot/pkg/models"
)

// ════════════════════════════════════════════════════════════════════
// Fakes
// ════════════════════════════════════════════════════════════════════

type fakeMarket struct {
	mu        sync.Mutex
	prices    models.PriceSeries
	inv       *models.Inventory
	pricesErr error
	invErr    error
	calls     atomic.Int32
}

func (f *fakeMarket) Prices(context.Context) (models.PriceSeries, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pricesErr != nil {
		return nil, f.pricesErr
	}
	return append(models.PriceSeries(nil), f.prices...), nil
}

func (f *fakeMarket) Inventory(context.Context) (*models.Inventory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.invErr != nil {
		return nil, f.invErr
	}
	return f.inv.Clone(), nil
}

func (f *fakeMarket) set(fn func(*fakeMarket)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// fakeControl serves an allocation and echoes updates. When gate is set,
// Allocation signals started and waits for the gate before answering.
type fakeControl struct {
	mu        sync.Mutex
	current   models.AllocationTarget
	updateErr error
	gate      chan struct{}
	started   chan struct{}
	gets      atomic.Int32
	puts      atomic.Int32
}

func (f *fakeControl) Allocation(ctx context.Context, _ string) (*models.MachineAllocation, error) {
	f.gets.Add(1)
	f.mu.Lock()
	snapshot := f.current
	gate, started := f.gate, f.started
	f.mu.Unlock()
	if gate != nil {
		close(started)
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &models.MachineAllocation{AllocationTarget: snapshot}, nil
}

func (f *fakeControl) UpdateAllocation(_ context.Context, _ string, target models.AllocationTarget) (*models.MachineAllocation, error) {
	f.puts.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.current = target
	return &models.MachineAllocation{AllocationTarget: target, TotalPowerUsed: 1234}, nil
}

type fakeAnalyst struct {
	result  *models.AnalysisResult
	err     error
	entered chan struct{}
	gate    chan struct{}
	seen    *models.GlobalContext
}

func (f *fakeAnalyst) RequestAnalysis(_ context.Context, gc *models.GlobalContext, _ string) (*models.AnalysisResult, error) {
	f.seen = gc
	if f.entered != nil {
		close(f.entered)
	}
	if f.gate != nil {
		<-f.gate
	}
	return f.result, f.err
}

type fakeExecutor struct {
	res *execute.Result
	err error
}

func (f *fakeExecutor) ExecuteAction(context.Context, *models.RecommendedAction, *models.GlobalContext, string) (*execute.Result, error) {
	return f.res, f.err
}

type fakeNews []models.Headline

func (f fakeNews) Headlines(_ context.Context, limit int) []models.Headline {
	if limit > 0 && len(f) > limit {
		return f[:limit]
	}
	return f
}

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newMarket() *fakeMarket {
	return &fakeMarket{
		prices: models.PriceSeries{
			{Timestamp: t0, EnergyPrice: 0.0647, HashPrice: 8.44, TokenPrice: 2.91},
		},
		inv: &models.Inventory{
			Miners:    map[string]models.MinerSpec{"air": {Hashrate: 1000, Power: 3500}},
			Inference: map[string]models.ComputeSpec{},
		},
	}
}

func airProfit(t *testing.T, snap Snapshot) float64 {
	t.Helper()
	e, ok := snap.Profitability.Lookup("air_miner")
	if !ok {
		t.Fatalf("no air_miner entry in %+v", snap.Profitability)
	}
	return e.ProfitPerHour
}

// ════════════════════════════════════════════════════════════════════
// Load
// ════════════════════════════════════════════════════════════════════

func TestLoadCommitsEverything(t *testing.T) {
	ctl := &fakeControl{current: models.AllocationTarget{AirMiners: 3}}
	s := New(newMarket(), ctl, WithCredential("key"))

	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap.Prices) != 1 || snap.Inventory == nil || snap.Allocation == nil {
		t.Fatalf("partial snapshot: %+v", snap)
	}
	if snap.Allocation.AirMiners != 3 {
		t.Errorf("allocation = %+v", snap.Allocation)
	}
	if got := airProfit(t, snap); math.Abs(got-8439.77355) > 1e-6 {
		t.Errorf("air_miner profit = %v, want 8439.77355", got)
	}
	if !snap.Flags.Idle() || snap.LastError != "" || snap.Generation != 1 {
		t.Errorf("flags=%+v err=%q gen=%d", snap.Flags, snap.LastError, snap.Generation)
	}
}

func TestLoadWithoutCredentialSkipsAllocation(t *testing.T) {
	ctl := &fakeControl{}
	s := New(newMarket(), ctl)
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ctl.gets.Load() != 0 {
		t.Errorf("allocation fetched %d times without a credential", ctl.gets.Load())
	}
	if snap := s.Snapshot(); snap.Allocation != nil || snap.Profitability == nil {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestLoadFailureCommitsNothing(t *testing.T) {
	m := newMarket()
	s := New(m, &fakeControl{}, WithCredential("key"))
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := s.Snapshot()

	m.set(func(f *fakeMarket) {
		f.prices = models.PriceSeries{{Timestamp: t0.Add(time.Minute), EnergyPrice: 1, HashPrice: 1}}
		f.invErr = apperr.Status(apperr.ServiceMarket, http.StatusServiceUnavailable, "down")
	})
	if err := s.Load(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	after := s.Snapshot()
	if !after.Prices[0].Timestamp.Equal(before.Prices[0].Timestamp) {
		t.Error("prices were committed from a failed cycle")
	}
	if airProfit(t, after) != airProfit(t, before) {
		t.Error("profitability changed after a failed cycle")
	}
	if after.LastError == "" {
		t.Error("error not recorded")
	}
}

func TestStaleLoadDiscardedAfterUpdate(t *testing.T) {
	m := newMarket()
	ctl := &fakeControl{current: models.AllocationTarget{AirMiners: 1}}
	s := New(m, ctl, WithCredential("key"))

	// Load generation N reads the old allocation and is held open.
	gate, started := make(chan struct{}), make(chan struct{})
	ctl.mu.Lock()
	ctl.gate, ctl.started = gate, started
	ctl.mu.Unlock()

	loadDone := make(chan error, 1)
	go func() { loadDone <- s.Load(context.Background()) }()
	<-started

	if !s.Snapshot().Flags.Loading {
		t.Error("Loading flag should be set while a load is in flight")
	}

	ctl.mu.Lock()
	ctl.gate = nil
	ctl.mu.Unlock()

	// Update generation N+1 commits while N is still in flight.
	if _, err := s.UpdateAllocation(context.Background(), models.AllocationTarget{HydroMiners: 7}); err != nil {
		t.Fatal(err)
	}
	committed := s.Snapshot()
	if committed.Allocation.HydroMiners != 7 {
		t.Fatalf("update not committed: %+v", committed.Allocation)
	}

	// N now answers with the pre-update allocation and must be dropped.
	ctl.mu.Lock()
	ctl.current = models.AllocationTarget{AirMiners: 1}
	ctl.mu.Unlock()
	close(gate)
	if err := <-loadDone; err != nil {
		t.Fatal(err)
	}

	final := s.Snapshot()
	if final.Allocation.HydroMiners != 7 || final.Allocation.AirMiners != 0 {
		t.Errorf("stale load overwrote allocation: %+v", final.Allocation.AllocationTarget)
	}
	if final.Generation != committed.Generation {
		t.Errorf("generation = %d, want %d", final.Generation, committed.Generation)
	}
	if !final.Flags.Idle() {
		t.Errorf("flags = %+v", final.Flags)
	}
}

// ════════════════════════════════════════════════════════════════════
// Updates
// ════════════════════════════════════════════════════════════════════

func TestUpdateAllocationRejected(t *testing.T) {
	ctl := &fakeControl{current: models.AllocationTarget{AirMiners: 3}}
	pub := &events.Memory{}
	s := New(newMarket(), ctl, WithCredential("key"),
		WithObserver(&Recorder{Metrics: metrics.New("test"), Events: pub}))
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctl.updateErr = apperr.Status(apperr.ServiceFleet, http.StatusUnprocessableEntity, `{"error":"invalid count"}`)
	_, err := s.UpdateAllocation(context.Background(), models.AllocationTarget{AirMiners: 9999})

	ue, ok := apperr.AsUpstream(err)
	if !ok || ue.StatusCode != http.StatusUnprocessableEntity || ue.Body != `{"error":"invalid count"}` {
		t.Fatalf("err = %v, want verbatim 422", err)
	}
	snap := s.Snapshot()
	if snap.Allocation.AirMiners != 3 {
		t.Errorf("allocation changed after rejected update: %+v", snap.Allocation)
	}
	if snap.LastError == "" || snap.Flags.Updating {
		t.Errorf("err=%q flags=%+v", snap.LastError, snap.Flags)
	}
	if types := pub.Types(); len(types) != 1 || types[0] != events.TypeAllocationRejected {
		t.Errorf("events = %v", types)
	}
}

func TestUpdateAllocationRefetches(t *testing.T) {
	m := newMarket()
	s := New(m, &fakeControl{}, WithCredential("key"))
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.set(func(f *fakeMarket) {
		f.prices = models.PriceSeries{{Timestamp: t0.Add(5 * time.Minute), EnergyPrice: 0, HashPrice: 10}}
	})
	before := m.calls.Load()

	applied, err := s.UpdateAllocation(context.Background(), models.AllocationTarget{AirMiners: 2})
	if err != nil {
		t.Fatal(err)
	}
	if m.calls.Load() != before+1 {
		t.Error("prices were not refetched")
	}
	snap := s.Snapshot()
	if snap.Allocation.TotalPowerUsed != applied.TotalPowerUsed {
		t.Error("echo is not the committed allocation")
	}
	if got := airProfit(t, snap); got != 10000 {
		t.Errorf("profit = %v, want priced at the refetched sample", got)
	}
}

func TestUpdateAllocationRefetchFailureKeepsPairConsistent(t *testing.T) {
	m := newMarket()
	s := New(m, &fakeControl{}, WithCredential("key"))
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := s.Snapshot()
	m.set(func(f *fakeMarket) { f.pricesErr = errors.New("market down") })

	if _, err := s.UpdateAllocation(context.Background(), models.AllocationTarget{ImmersionMiners: 4}); err != nil {
		t.Fatalf("mutation succeeded, update should not fail: %v", err)
	}
	snap := s.Snapshot()
	if snap.Allocation.ImmersionMiners != 4 {
		t.Errorf("echo not committed: %+v", snap.Allocation)
	}
	if !snap.Prices[0].Timestamp.Equal(before.Prices[0].Timestamp) || airProfit(t, snap) != airProfit(t, before) {
		t.Error("profitability must stay priced against the held sample")
	}
	if snap.LastError == "" {
		t.Error("refetch error not recorded")
	}
}

// ════════════════════════════════════════════════════════════════════
// Analysis
// ════════════════════════════════════════════════════════════════════

func TestAnalyzeKeepsPreviousOnFailure(t *testing.T) {
	good := &models.AnalysisResult{ID: "a1", Status: models.StatusGreen}
	an := &fakeAnalyst{result: good}
	s := New(newMarket(), &fakeControl{}, WithCredential("key"), WithAnalyst(an),
		WithNews(fakeNews{{Title: "one"}, {Title: "two"}, {Title: "three"}}, 2))
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Analyze(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(an.seen.Headlines) != 2 || an.seen.Profitability == nil {
		t.Errorf("context sent = %+v", an.seen)
	}

	an.result, an.err = nil, apperr.Upstream(apperr.ServiceAI, context.DeadlineExceeded)
	if _, err := s.Analyze(context.Background()); !apperr.IsTimeout(err) {
		t.Fatalf("err = %v", err)
	}
	snap := s.Snapshot()
	if snap.Analysis == nil || snap.Analysis.ID != "a1" {
		t.Errorf("previous analysis lost: %+v", snap.Analysis)
	}
	if snap.LastError == "" || snap.Flags.Analyzing {
		t.Errorf("err=%q flags=%+v", snap.LastError, snap.Flags)
	}
}

func TestAnalyzeSendsCommittedSnapshot(t *testing.T) {
	an := &fakeAnalyst{result: &models.AnalysisResult{ID: "a1", Status: models.StatusGreen}}
	ctrl := &fakeControl{current: models.AllocationTarget{AirMiners: 4}}
	s := New(newMarket(), ctrl, WithCredential("key"), WithAnalyst(an),
		WithSite(models.SiteInfo{Name: "north", Power: 1e6}))
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Analyze(context.Background()); err != nil {
		t.Fatal(err)
	}
	gc := an.seen
	if gc == nil {
		t.Fatal("analyst not called")
	}
	if gc.Site.Name != "north" || len(gc.Prices) == 0 || gc.Inventory == nil {
		t.Errorf("context = %+v", gc)
	}
	if gc.Allocation == nil || gc.Allocation.AirMiners != 4 {
		t.Errorf("allocation = %+v", gc.Allocation)
	}
	if got := s.Snapshot().Analysis; got == nil || got.ID != "a1" {
		t.Errorf("analysis = %+v", got)
	}
}

func TestAnalyzeOlderResultDropped(t *testing.T) {
	slow := &fakeAnalyst{
		result:  &models.AnalysisResult{ID: "old"},
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	s := New(newMarket(), &fakeControl{}, WithCredential("key"), WithAnalyst(slow))

	done := make(chan struct{})
	go func() {
		s.Analyze(context.Background())
		close(done)
	}()
	<-slow.entered
	if !s.Snapshot().Flags.Analyzing {
		t.Error("Analyzing flag should be set")
	}

	s.analyst = &fakeAnalyst{result: &models.AnalysisResult{ID: "new"}}
	if _, err := s.Analyze(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(slow.gate)
	<-done

	if got := s.Snapshot().Analysis.ID; got != "new" {
		t.Errorf("analysis = %q, want new", got)
	}
}

func TestAnalyzeNotConfigured(t *testing.T) {
	s := New(newMarket(), &fakeControl{})
	if _, err := s.Analyze(context.Background()); !errors.Is(err, ErrNoAnalyst) {
		t.Errorf("err = %v", err)
	}
}

// ════════════════════════════════════════════════════════════════════
// Execute
// ════════════════════════════════════════════════════════════════════

func TestExecuteSummaryFailureStillCommits(t *testing.T) {
	applied := &models.MachineAllocation{AllocationTarget: models.AllocationTarget{GPUCompute: 5}}
	parseErr := &apperr.ParseError{Stage: "execution_summary", Err: errors.New("no object")}
	ex := &fakeExecutor{res: &execute.Result{RunID: "r1", Allocation: applied}, err: parseErr}
	s := New(newMarket(), &fakeControl{current: models.AllocationTarget{AirMiners: 1}}, WithCredential("key"), WithExecutor(ex))
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, err := s.Execute(context.Background(), &models.RecommendedAction{Body: applied.AllocationTarget})
	if !apperr.IsParse(err) || !res.Applied() {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	snap := s.Snapshot()
	if snap.Allocation.GPUCompute != 5 || snap.LastExecution == nil || snap.LastExecution.RunID != "r1" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.LastError == "" {
		t.Error("summary failure not recorded")
	}
}

func TestExecuteMutationFailureKeepsAllocation(t *testing.T) {
	rejected := apperr.Status(apperr.ServiceFleet, http.StatusUnprocessableEntity, `{"error":"invalid count"}`)
	s := New(newMarket(), &fakeControl{current: models.AllocationTarget{AirMiners: 1}}, WithCredential("key"),
		WithExecutor(&fakeExecutor{err: rejected}))
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	res, err := s.Execute(context.Background(), &models.RecommendedAction{})
	if res != nil || !errors.Is(err, rejected) {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if got := s.Snapshot().Allocation.AirMiners; got != 1 {
		t.Errorf("allocation changed: air=%d", got)
	}
}

// ════════════════════════════════════════════════════════════════════
// Subscriptions and Run
// ════════════════════════════════════════════════════════════════════

func TestSubscribeGetsLatest(t *testing.T) {
	s := New(newMarket(), &fakeControl{}, WithCredential("key"))
	ch, cancel := s.Subscribe()

	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case snap := <-ch:
		if snap.Profitability == nil || !snap.Flags.Idle() {
			t.Errorf("latest snapshot = %+v", snap)
		}
	default:
		t.Fatal("no snapshot delivered")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSetSite(t *testing.T) {
	ctl := &fakeControl{current: models.AllocationTarget{AirMiners: 2}}
	s := New(newMarket(), ctl)
	s.SetSite(&models.Site{Name: "south", APIKey: "new-key", Power: 500000})
	if s.Credential() != "new-key" || s.Snapshot().Site.Name != "south" {
		t.Fatalf("site not switched: %+v", s.Snapshot().Site)
	}
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Snapshot().Allocation == nil {
		t.Error("allocation should load once a credential is set")
	}
}

func TestRunLoadsImmediately(t *testing.T) {
	m := newMarket()
	s := New(m, &fakeControl{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, time.Hour)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().Profitability == nil {
		if time.Now().After(deadline) {
			t.Fatal("Run did not load")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
}
