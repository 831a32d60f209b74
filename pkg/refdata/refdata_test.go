package refdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/canopy-network/riskgraph/pkg/cache"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fieldsServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	data := map[string]map[string]any{
		"AAPL": {"currency": "USD", "ModifiedDuration": 4.5},
		"MSFT": {"currency": "USD"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		require.Equal(t, FieldsPath, r.URL.Path)
		var req FieldsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := FieldsResponse{Entities: map[string]map[string]any{}, Unavailable: map[string][]string{}}
		for e, fields := range req.Entities {
			for _, f := range fields {
				v, ok := data[e][f]
				if !ok {
					resp.Unavailable[e] = append(resp.Unavailable[e], f)
					continue
				}
				if resp.Entities[e] == nil {
					resp.Entities[e] = map[string]any{}
				}
				resp.Entities[e][f] = v
			}
		}
		resp.Entities["EXTRA"] = map[string]any{"x": 1}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPProvider_Fetch(t *testing.T) {
	var hits int32
	srv := fieldsServer(t, &hits)
	p := NewHTTPProvider(NewHTTPClient(Opts{Endpoints: []string{srv.URL}}), nil)

	got, err := p.Fetch(context.Background(), cache.Request{
		"AAPL": {"currency", "ModifiedDuration"},
		"MSFT": {"ModifiedDuration"},
	})
	require.NoError(t, err)
	assert.Equal(t, cache.Present("USD"), got["AAPL"]["currency"])
	assert.Equal(t, cache.Present(4.5), got["AAPL"]["ModifiedDuration"])
	assert.True(t, got["MSFT"]["ModifiedDuration"].Absent)
	assert.NotContains(t, got, "EXTRA")
	assert.EqualValues(t, 1, hits)
}

func TestHTTPProvider_BehindCache(t *testing.T) {
	var hits int32
	srv := fieldsServer(t, &hits)
	p := NewHTTPProvider(NewHTTPClient(Opts{Endpoints: []string{srv.URL}}), nil)
	c := cache.New("refdata", cache.NewMemoryStore(0), p, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		got, err := c.Get(ctx, []string{"AAPL", "MSFT"}, []string{"currency"})
		require.NoError(t, err)
		assert.Equal(t, "USD", got["MSFT"]["currency"].Value)
	}
	assert.EqualValues(t, 1, hits)
}

func TestHTTPClient_FailsOverAndOpensBreaker(t *testing.T) {
	var badHits, goodHits int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&badHits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	good := fieldsServer(t, &goodHits)

	c := NewHTTPClient(Opts{
		Endpoints:       []string{bad.URL, good.URL},
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	})
	p := NewHTTPProvider(c, nil)

	for i := 0; i < 4; i++ {
		_, err := p.Fetch(context.Background(), cache.Request{"AAPL": {"currency"}})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, badHits)
	assert.EqualValues(t, 4, goodHits)
	assert.True(t, c.isOpen(bad.URL))
}

func TestHTTPClient_ClientErrorIsNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTPClient(Opts{Endpoints: []string{srv.URL, srv.URL + "/"}})
	err := c.PostJSON(context.Background(), FieldsPath, FieldsRequest{}, nil)
	require.Error(t, err)
	assert.EqualValues(t, 1, hits)
}

func TestHTTPClient_NoEndpoints(t *testing.T) {
	c := NewHTTPClient(Opts{})
	assert.Error(t, c.PostJSON(context.Background(), FieldsPath, nil, nil))
}

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider(nil)
	p.Set("AAPL", "currency", "USD")

	got, err := p.Fetch(context.Background(), cache.Request{"AAPL": {"currency", "sector"}})
	require.NoError(t, err)
	assert.Equal(t, cache.Present("USD"), got["AAPL"]["currency"])
	_, ok := got["AAPL"]["sector"]
	assert.False(t, ok)
	require.Len(t, p.Calls(), 1)
	assert.Equal(t, cache.Request{"AAPL": {"currency", "sector"}}, p.Calls()[0])
}
