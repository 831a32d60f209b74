package controller

import (
	"net/http"
)

func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if c.App.Redis != nil {
		if err := c.App.Redis.Health(ctx); err != nil {
			c.writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "errored", "error": "redis connection error"})
			return
		}
	}

	if c.App.ClickHouse != nil {
		if err := c.App.ClickHouse.Db.Ping(ctx); err != nil {
			c.writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "errored", "error": "database connection error"})
			return
		}
	}

	c.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "views": len(c.App.Engine.Views())})
}
