package controller

import (
	"net/http"
	"time"

	"github.com/canopy-network/riskgraph/app/livedata/controller/types"
	"github.com/go-jose/go-jose/v4/json"
	"go.uber.org/zap"
)

func (c *Controller) decodeSpecs(w http.ResponseWriter, r *http.Request) (types.SubscriptionRequest, bool) {
	var req types.SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.writeError(w, http.StatusBadRequest, "bad json")
		return req, false
	}
	if len(req.Specs) == 0 {
		c.writeError(w, http.StatusBadRequest, "specs are required")
		return req, false
	}
	return req, true
}

func (c *Controller) HandleSubscriptionsList(w http.ResponseWriter, _ *http.Request) {
	c.writeJSON(w, http.StatusOK, c.App.LiveData.Subscriptions().Subscriptions())
}

// HandleSubscribe takes one reference per spec. Non-persistent references
// expire unless heartbeated.
func (c *Controller) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	req, ok := c.decodeSpecs(w, r)
	if !ok {
		return
	}
	if err := c.App.LiveData.Subscribe(r.Context(), req.Specs, req.Persistent); err != nil {
		c.App.Logger.Warn("Subscribe failed", zap.Int("specs", len(req.Specs)), zap.Error(err))
		c.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Controller) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	req, ok := c.decodeSpecs(w, r)
	if !ok {
		return
	}
	if err := c.App.LiveData.Unsubscribe(r.Context(), req.Specs); err != nil {
		c.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Controller) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	req, ok := c.decodeSpecs(w, r)
	if !ok {
		return
	}
	c.App.LiveData.Heartbeat(req.Specs)
	w.WriteHeader(http.StatusNoContent)
}

// HandleSnapshot takes a consistent snapshot of specs. The specs are
// subscribed for the duration of the request only.
func (c *Controller) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	var req types.SnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if req.Timeout < 0 {
		c.writeError(w, http.StatusBadRequest, "timeout must not be negative")
		return
	}
	timeout := DefaultSnapshotTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Millisecond
	}

	ctx := r.Context()
	if err := c.App.LiveData.Subscribe(ctx, req.Specs, false); err != nil {
		c.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer func() {
		if err := c.App.LiveData.Unsubscribe(ctx, req.Specs); err != nil {
			c.App.Logger.Warn("Failed to release snapshot subscriptions", zap.Error(err))
		}
	}()

	snap := c.App.LiveData.Snapshot(req.AsOf)
	if err := snap.Init(ctx, req.Specs, timeout); err != nil {
		c.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	c.writeJSON(w, http.StatusOK, types.SnapshotResponse{
		ID:      snap.ID(),
		AsOf:    snap.AsOf(),
		Entries: snap.Entries(),
		Missing: snap.Missing(),
	})
}
