package types

import (
	"time"

	"github.com/canopy-network/riskgraph/pkg/livedata"
	"github.com/canopy-network/riskgraph/pkg/value"
)

// SubscriptionRequest is the body of POST and DELETE /subscriptions and of
// POST /heartbeat.
type SubscriptionRequest struct {
	Specs      []value.ValueSpecification `json:"specs"`
	Persistent bool                       `json:"persistent,omitempty"`
}

// SnapshotRequest is the body of POST /snapshots. Timeout is in
// milliseconds; zero uses the server default.
type SnapshotRequest struct {
	Specs   []value.ValueSpecification `json:"specs"`
	AsOf    time.Time                  `json:"asOf"`
	Timeout int64                      `json:"timeout,omitempty"`
}

type SnapshotResponse struct {
	ID      string                     `json:"id"`
	AsOf    time.Time                  `json:"asOf"`
	Entries []livedata.SnapshotEntry   `json:"entries"`
	Missing []value.ValueSpecification `json:"missing"`
}

// TickRequest is the body of POST /ticks.
type TickRequest struct {
	ExternalID string         `json:"externalId"`
	Fields     map[string]any `json:"fields"`
}
