package execute

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/seenimoa/fleetpilot/internal/analysis"
	"github.com/seenimoa/fleetpilot/internal/apperr"
	"github.com/seenimoa/fleetpilot/internal/events"
	"github.com/seenimoa/fleetpilot/internal/fleet"
	"github.com/seenimoa/fleetpilot/internal/llm"
	"github.com/seenimoa/fleetpilot/pkg/models"
)

// fakeSummarizer counts calls and returns a fixed outcome.
type fakeSummarizer struct {
	calls   atomic.Int32
	summary *models.ExecutionSummary
	err     error
}

func (f *fakeSummarizer) SummarizeExecution(context.Context, *models.GlobalContext, *models.RecommendedAction, *models.MachineAllocation) (*models.ExecutionSummary, error) {
	f.calls.Add(1)
	return f.summary, f.err
}

// textProvider always replies with the same text.
type textProvider string

func (p textProvider) Name() string { return "text" }
func (p textProvider) Chat(context.Context, []llm.Message, *llm.ChatOptions) (*llm.Response, error) {
	return &llm.Response{Content: string(p)}, nil
}
func (p textProvider) Ping(context.Context) error { return nil }

// fleetServer echoes PUT /machines bodies, or fails with status/body.
func fleetServer(t *testing.T, status int, body string, puts *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/machines" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		puts.Add(1)
		if r.Header.Get(fleet.APIKeyHeader) != "site-key" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":"bad key"}`)
			return
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			io.WriteString(w, body)
			return
		}
		var target models.AllocationTarget
		if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(models.MachineAllocation{AllocationTarget: target, TotalPowerUsed: 42000})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(url string) *fleet.Client {
	return fleet.New(fleet.Config{MarketURL: url, FleetURL: url})
}

func action() *models.RecommendedAction {
	return &models.RecommendedAction{
		Title: "Shift to hydro",
		Body:  models.AllocationTarget{HydroMiners: 12, ASICCompute: 2},
	}
}

func prior() *models.GlobalContext {
	return &models.GlobalContext{Site: models.SiteInfo{Name: "north"}}
}

// ════════════════════════════════════════════════════════════════════
// Validation
// ════════════════════════════════════════════════════════════════════

func TestExecuteActionValidation(t *testing.T) {
	var puts atomic.Int32
	srv := fleetServer(t, http.StatusOK, "", &puts)
	sum := &fakeSummarizer{}
	o := New(newClient(srv.URL), sum)

	tests := []struct {
		name   string
		action *models.RecommendedAction
		prior  *models.GlobalContext
		cred   string
		field  string
	}{
		{"nil action", nil, prior(), "site-key", "action"},
		{"nil context", action(), nil, "site-key", "context"},
		{"empty credential", action(), prior(), "", "credential"},
		{"negative count", &models.RecommendedAction{Body: models.AllocationTarget{AirMiners: -2}}, prior(), "site-key", "action.body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := o.ExecuteAction(context.Background(), tt.action, tt.prior, tt.cred)
			var ve *apperr.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("err = %v, want ValidationError on %q", err, tt.field)
			}
			if res != nil {
				t.Errorf("result = %+v, want nil", res)
			}
		})
	}
	if puts.Load() != 0 || sum.calls.Load() != 0 {
		t.Errorf("calls made on invalid input: puts=%d summaries=%d", puts.Load(), sum.calls.Load())
	}
}

func TestExecuteActionMinerCeiling(t *testing.T) {
	var puts atomic.Int32
	srv := fleetServer(t, http.StatusOK, "", &puts)
	big := &models.RecommendedAction{Body: models.AllocationTarget{AirMiners: 40, HydroMiners: 20}}

	advisory := New(newClient(srv.URL), &fakeSummarizer{summary: &models.ExecutionSummary{}})
	if _, err := advisory.ExecuteAction(context.Background(), big, prior(), "site-key"); err != nil {
		t.Fatalf("ceiling is advisory by default: %v", err)
	}

	enforced := New(newClient(srv.URL), &fakeSummarizer{}, WithMinerCeiling(50))
	if _, err := enforced.ExecuteAction(context.Background(), big, prior(), "site-key"); !apperr.IsValidation(err) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if puts.Load() != 1 {
		t.Errorf("puts = %d, want 1", puts.Load())
	}
}

// ════════════════════════════════════════════════════════════════════
// Two-step execution
// ════════════════════════════════════════════════════════════════════

func TestExecuteActionSuccess(t *testing.T) {
	var puts atomic.Int32
	srv := fleetServer(t, http.StatusOK, "", &puts)
	want := &models.ExecutionSummary{NextRecommendedActions: []string{"a", "b", "c"}}
	sum := &fakeSummarizer{summary: want}
	pub := &events.Memory{}
	o := New(newClient(srv.URL), sum, WithEvents(pub))

	res, err := o.ExecuteAction(context.Background(), action(), prior(), "site-key")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Applied() || res.Allocation.HydroMiners != 12 || res.Allocation.TotalPowerUsed != 42000 {
		t.Errorf("allocation = %+v", res.Allocation)
	}
	if res.Summary != want {
		t.Errorf("summary = %+v", res.Summary)
	}
	if res.RunID == "" {
		t.Error("missing run id")
	}
	types := pub.Types()
	if len(types) != 2 || types[0] != events.TypeExecutionApplied || types[1] != events.TypeExecutionSummarized {
		t.Errorf("events = %v", types)
	}
}

func TestExecuteActionProjectsProfit(t *testing.T) {
	var puts atomic.Int32
	srv := fleetServer(t, http.StatusOK, "", &puts)
	o := New(newClient(srv.URL), &fakeSummarizer{summary: &models.ExecutionSummary{NextRecommendedActions: []string{"hold"}}})

	ctx := prior()
	ctx.Profitability = &models.ProfitabilityReport{Entries: []models.ProfitEntry{
		{Category: models.CategoryMining, Subtype: "hydro", Name: "hydro_miner", ProfitPerHour: 10},
		{Category: models.CategoryInference, Subtype: "asic", Name: "asic_compute", ProfitPerHour: -2.5},
	}}

	res, err := o.ExecuteAction(context.Background(), action(), ctx, "site-key")
	if err != nil {
		t.Fatal(err)
	}
	// 12 hydro miners at 10/h plus 2 ASIC units at -2.5/h
	if res.Projected != 115 {
		t.Errorf("Projected = %v, want 115", res.Projected)
	}

	res, err = o.ExecuteAction(context.Background(), action(), prior(), "site-key")
	if err != nil {
		t.Fatal(err)
	}
	if res.Projected != 0 {
		t.Errorf("Projected without profitability = %v, want 0", res.Projected)
	}
}

func TestExecuteActionMutationRejected(t *testing.T) {
	var puts atomic.Int32
	srv := fleetServer(t, http.StatusUnprocessableEntity, `{"error":"invalid count"}`, &puts)
	sum := &fakeSummarizer{}
	pub := &events.Memory{}
	o := New(newClient(srv.URL), sum, WithEvents(pub))

	res, err := o.ExecuteAction(context.Background(), action(), prior(), "site-key")
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
	ue, ok := apperr.AsUpstream(err)
	if !ok {
		t.Fatalf("err = %v, want UpstreamError", err)
	}
	if ue.StatusCode != http.StatusUnprocessableEntity || ue.Body != `{"error":"invalid count"}` {
		t.Errorf("upstream = %d %q", ue.StatusCode, ue.Body)
	}
	if apperr.HTTPStatus(err) != http.StatusUnprocessableEntity {
		t.Errorf("HTTPStatus = %d", apperr.HTTPStatus(err))
	}
	if puts.Load() != 1 {
		t.Errorf("puts = %d, want exactly 1 (no retry)", puts.Load())
	}
	if sum.calls.Load() != 0 {
		t.Error("summary must not be requested after a rejected mutation")
	}
	if types := pub.Types(); len(types) != 1 || types[0] != events.TypeAllocationRejected {
		t.Errorf("events = %v", types)
	}
}

func TestExecuteActionSummaryParseFailureKeepsMutation(t *testing.T) {
	var puts atomic.Int32
	srv := fleetServer(t, http.StatusOK, "", &puts)
	summarizer := analysis.New(textProvider("All done, the fleet looks great!"))
	pub := &events.Memory{}
	o := New(newClient(srv.URL), summarizer, WithEvents(pub))

	res, err := o.ExecuteAction(context.Background(), action(), prior(), "site-key")
	if !apperr.IsParse(err) {
		t.Fatalf("err = %v, want ParseError", err)
	}
	if !res.Applied() {
		t.Fatal("mutation should still be reported as applied")
	}
	if res.Summary != nil {
		t.Errorf("summary = %+v, want nil", res.Summary)
	}
	if res.Allocation.HydroMiners != 12 || res.Allocation.ASICCompute != 2 {
		t.Errorf("allocation = %+v", res.Allocation)
	}
	if types := pub.Types(); len(types) != 2 || types[1] != events.TypeExecutionSummaryError {
		t.Errorf("events = %v", types)
	}
}

func TestExecuteActionSummaryTransportFailure(t *testing.T) {
	var puts atomic.Int32
	srv := fleetServer(t, http.StatusOK, "", &puts)
	sum := &fakeSummarizer{err: apperr.Upstream(apperr.ServiceAI, llm.ErrRateLimit)}
	o := New(newClient(srv.URL), sum)

	res, err := o.ExecuteAction(context.Background(), action(), prior(), "site-key")
	if ue, ok := apperr.AsUpstream(err); !ok || ue.Service != apperr.ServiceAI {
		t.Fatalf("err = %v, want ai UpstreamError", err)
	}
	if !res.Applied() || res.Summary != nil {
		t.Errorf("result = %+v", res)
	}
}

func TestResultAppliedNil(t *testing.T) {
	var r *Result
	if r.Applied() {
		t.Error("nil result is not applied")
	}
}
