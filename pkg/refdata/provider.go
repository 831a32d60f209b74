package refdata

import (
	"context"
	"sort"
	"sync"

	"github.com/canopy-network/riskgraph/pkg/cache"
	"go.uber.org/zap"
)

// FieldsPath is the batch endpoint served by reference data services.
const FieldsPath = "/fields"

// FieldsRequest is the body of a POST /fields call.
type FieldsRequest struct {
	Entities map[string][]string `json:"entities"`
}

// FieldsResponse lists the values known per entity. Fields the service
// cannot supply are omitted or listed in Unavailable.
type FieldsResponse struct {
	Entities    map[string]map[string]any `json:"entities"`
	Unavailable map[string][]string       `json:"unavailable,omitempty"`
}

// HTTPProvider fetches fields from a reference data service.
type HTTPProvider struct {
	client *HTTPClient
	logger *zap.Logger
}

var _ cache.Provider = (*HTTPProvider)(nil)

func NewHTTPProvider(client *HTTPClient, logger *zap.Logger) *HTTPProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPProvider{client: client, logger: logger}
}

func (p *HTTPProvider) Fetch(ctx context.Context, req cache.Request) (cache.Response, error) {
	var resp FieldsResponse
	if err := p.client.PostJSON(ctx, FieldsPath, FieldsRequest{Entities: req}, &resp); err != nil {
		return nil, err
	}
	out := make(cache.Response, len(resp.Entities))
	for e, fields := range resp.Entities {
		if _, asked := req[e]; !asked {
			p.logger.Debug("Ignoring unrequested entity", zap.String("entity", e))
			continue
		}
		m := make(map[string]cache.Field, len(fields))
		for f, v := range fields {
			m[f] = cache.Present(v)
		}
		out[e] = m
	}
	for e, fields := range resp.Unavailable {
		if out[e] == nil {
			out[e] = map[string]cache.Field{}
		}
		for _, f := range fields {
			out[e][f] = cache.NotAvailable
		}
	}
	return out, nil
}

// StaticProvider answers from an in-memory table and counts calls.
type StaticProvider struct {
	mu    sync.Mutex
	data  map[string]map[string]any
	calls []cache.Request
}

var _ cache.Provider = (*StaticProvider)(nil)

func NewStaticProvider(data map[string]map[string]any) *StaticProvider {
	if data == nil {
		data = map[string]map[string]any{}
	}
	return &StaticProvider{data: data}
}

// Set adds or replaces one field.
func (p *StaticProvider) Set(entity, field string, v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.data[entity] == nil {
		p.data[entity] = map[string]any{}
	}
	p.data[entity][field] = v
}

func (p *StaticProvider) Fetch(_ context.Context, req cache.Request) (cache.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := make(cache.Request, len(req))
	out := make(cache.Response, len(req))
	for e, fields := range req {
		f := append([]string(nil), fields...)
		sort.Strings(f)
		rec[e] = f
		for _, name := range fields {
			v, ok := p.data[e][name]
			if !ok {
				continue
			}
			if out[e] == nil {
				out[e] = map[string]cache.Field{}
			}
			out[e][name] = cache.Present(v)
		}
	}
	p.calls = append(p.calls, rec)
	return out, nil
}

// Calls returns every request seen, fields sorted.
func (p *StaticProvider) Calls() []cache.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]cache.Request(nil), p.calls...)
}
