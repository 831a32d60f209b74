package controller

import (
	"context"
	"fmt"

	"github.com/canopy-network/riskgraph/pkg/cache"
	"github.com/canopy-network/riskgraph/pkg/portfolio"
)

// typeField fills Security.Type rather than an attribute.
const typeField = "type"

// enrichSecurities fills the listed fields of every security that does not
// carry them yet from the reference data cache. Fields the reference data
// service does not know are left empty.
func enrichSecurities(ctx context.Context, refdata *cache.Cache, fields []string, p *portfolio.Portfolio) error {
	req := cache.Request{}
	for _, s := range p.Securities {
		if s == nil || s.ID.IsZero() {
			continue
		}
		for _, f := range fields {
			if !hasField(s, f) {
				id := s.ID.String()
				req[id] = append(req[id], f)
			}
		}
	}
	if len(req) == 0 {
		return nil
	}

	resp, err := refdata.Fetch(ctx, req)
	if err != nil {
		return err
	}
	for _, s := range p.Securities {
		if s == nil {
			continue
		}
		for f, v := range resp.Values(s.ID.String()) {
			setField(s, f, fmt.Sprint(v))
		}
	}
	return nil
}

func hasField(s *portfolio.Security, f string) bool {
	if f == typeField {
		return s.Type != ""
	}
	return s.Attributes[f] != ""
}

func setField(s *portfolio.Security, f, v string) {
	if hasField(s, f) {
		return
	}
	if f == typeField {
		s.Type = v
		return
	}
	if s.Attributes == nil {
		s.Attributes = map[string]string{}
	}
	s.Attributes[f] = v
}
