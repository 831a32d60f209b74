package controller

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ctypes "github.com/canopy-network/riskgraph/app/engine/controller/types"
	"github.com/canopy-network/riskgraph/app/engine/types"
	"github.com/canopy-network/riskgraph/pkg/cache"
	"github.com/canopy-network/riskgraph/pkg/engine"
	"github.com/canopy-network/riskgraph/pkg/function"
	"github.com/canopy-network/riskgraph/pkg/function/builtin"
	"github.com/canopy-network/riskgraph/pkg/livedata"
	"github.com/canopy-network/riskgraph/pkg/portfolio"
	"github.com/canopy-network/riskgraph/pkg/value"
	"github.com/canopy-network/riskgraph/pkg/view"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var secID = value.NewID("TICKER", "AAPL")

func newTestApp(t *testing.T) *types.App {
	t.Helper()
	logger := zaptest.NewLogger(t)
	feed := livedata.NewSimulatedFeed(0)
	server := livedata.NewServer(feed, livedata.WithLogger(logger))
	compiler := view.NewCompiler(
		function.NewResolver(builtin.Repository()),
		livedata.NewFieldAvailability([]string{value.MarketPrice, builtin.ModifiedDuration}),
		view.WithLogger(logger),
		view.WithParallelism(2),
	)
	cycle := engine.NewCycle(engine.WithCycleLogger(logger), engine.WithSnapshotTimeout(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = server.Run(ctx) }()

	app := &types.App{
		Engine:    engine.New(compiler, server, cycle, logger),
		LiveData:  server,
		Simulated: feed,
		Logger:    logger,
	}
	t.Cleanup(func() {
		_ = app.Engine.Close(context.Background())
		cancel()
	})
	return app
}

func newTestRouter(t *testing.T, app *types.App) http.Handler {
	t.Helper()
	r, err := NewController(app).NewRouter()
	require.NoError(t, err)
	return WithCORS(r)
}

func compileRequest() ctypes.CompileRequest {
	return ctypes.CompileRequest{
		Definition: &view.Definition{
			Name: "risk",
			CalcConfigs: []view.CalcConfig{{
				Name: "Valuation",
				PortfolioRequirements: map[string][]view.RequirementTemplate{
					"EQUITY": {{Name: value.MarketValue}},
				},
			}},
		},
		Portfolio: &portfolio.Portfolio{
			ID: value.NewID("PF", "1"),
			Root: &portfolio.Node{
				ID:        value.NewID("NODE", "root"),
				Positions: []*portfolio.Position{{ID: value.NewID("POS", "1"), Quantity: 3, SecurityID: secID}},
			},
			Securities: []*portfolio.Security{{ID: secID, Type: "EQUITY", Attributes: map[string]string{"currency": "USD"}}},
		},
	}
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func compileView(t *testing.T, h http.Handler) ctypes.ViewSummary {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/views", compileRequest())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var summary ctypes.ViewSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&summary))
	return summary
}

func TestCompileAndRunCycle(t *testing.T) {
	app := newTestApp(t)
	h := newTestRouter(t, app)

	summary := compileView(t, h)
	assert.Equal(t, "risk", summary.Name)
	assert.Equal(t, "PF~1", summary.Portfolio)
	require.Len(t, summary.Configs, 1)
	assert.Equal(t, "Valuation", summary.Configs[0].Name)
	assert.NotEmpty(t, summary.LiveDataRequirements)

	rec := do(t, h, http.MethodPost, "/ticks", ctypes.TickRequest{
		ExternalID: secID.String(),
		Fields:     map[string]any{value.MarketPrice: 50.0},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return app.LiveData.Stats().Ticks == 1 }, time.Second, 5*time.Millisecond)

	rec = do(t, h, http.MethodPost, "/views/"+summary.ID+"/cycles", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res struct {
		ViewID  string `json:"viewId"`
		Configs map[string]struct {
			Terminals []struct {
				Requirement value.ValueRequirement `json:"requirement"`
				Value       float64                `json:"value"`
				Status      string                 `json:"status"`
			} `json:"terminals"`
		} `json:"configs"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, summary.ID, res.ViewID)
	terminals := res.Configs["Valuation"].Terminals
	require.NotEmpty(t, terminals)
	for _, tr := range terminals {
		assert.Equal(t, string(engine.StatusOK), tr.Status, tr.Requirement.Key())
		assert.InDelta(t, 150.0, tr.Value, 1e-9)
	}
}

func TestCompileRejectsBadRequests(t *testing.T) {
	h := newTestRouter(t, newTestApp(t))

	req := httptest.NewRequest(http.MethodPost, "/views", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := compileRequest()
	body.Portfolio = nil
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/views", body).Code)

	body = compileRequest()
	body.Definition.Name = ""
	rec = do(t, h, http.MethodPost, "/views", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid")

	body = compileRequest()
	body.Portfolio.Securities[0].Type = ""
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/views", body).Code)
}

func TestViewLifecycle(t *testing.T) {
	app := newTestApp(t)
	h := newTestRouter(t, app)
	summary := compileView(t, h)

	rec := do(t, h, http.MethodGet, "/views", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []ctypes.ViewSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, summary.ID, list[0].ID)

	rec = do(t, h, http.MethodGet, "/views/"+summary.ID+"/graphs/Valuation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `graph "Valuation"`)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/views/"+summary.ID+"/graphs/Nope", nil).Code)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/views/"+summary.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/views/"+summary.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/views/"+summary.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/views/"+summary.ID+"/cycles", nil).Code)
	assert.Equal(t, 0, app.LiveData.Stats().Subscriptions)
}

func TestOptionalBackends(t *testing.T) {
	app := newTestApp(t)
	h := newTestRouter(t, app)

	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/snapshots/abc", nil).Code)

	rec := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)

	app.Simulated = nil
	rec = do(t, h, http.MethodPost, "/ticks", ctypes.TickRequest{ExternalID: "x", Fields: map[string]any{"a": 1.0}})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newTestRouter(t, newTestApp(t))
	req := httptest.NewRequest(http.MethodOptions, "/views", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestEnrichSecurities(t *testing.T) {
	var asked cache.Request
	provider := cache.ProviderFunc(func(_ context.Context, req cache.Request) (cache.Response, error) {
		asked = req
		return cache.Response{
			secID.String(): {"currency": cache.Present("EUR"), "type": cache.Present("EQUITY")},
		}, nil
	})
	refdata := cache.New("memory", cache.NewMemoryStore(time.Minute), provider, zaptest.NewLogger(t))

	known := value.NewID("TICKER", "MSFT")
	p := &portfolio.Portfolio{Securities: []*portfolio.Security{
		{ID: secID},
		{ID: known, Type: "EQUITY", Attributes: map[string]string{"currency": "USD"}},
	}}
	require.NoError(t, enrichSecurities(context.Background(), refdata, []string{"currency", "type"}, p))

	assert.ElementsMatch(t, []string{"currency", "type"}, asked[secID.String()])
	assert.NotContains(t, asked, known.String())
	assert.Equal(t, "EQUITY", p.Securities[0].Type)
	assert.Equal(t, "EUR", p.Securities[0].Attributes["currency"])
	assert.Equal(t, "USD", p.Securities[1].Attributes["currency"])
}
