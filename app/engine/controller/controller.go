package controller

import (
	"net/http"

	"github.com/canopy-network/riskgraph/app/engine/types"
	"github.com/canopy-network/riskgraph/pkg/metrics"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
)

type Controller struct {
	App *types.App
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	return &Controller{App: app}
}

// NewRouter returns a new router with all the routes defined in this file.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.Handle("/health", http.HandlerFunc(c.HandleHealth)).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	r.HandleFunc("/views", c.HandleCompile).Methods("POST")
	r.HandleFunc("/views", c.HandleViewsList).Methods("GET")
	r.HandleFunc("/views/{id}", c.HandleView).Methods("GET")
	r.HandleFunc("/views/{id}", c.HandleViewDelete).Methods("DELETE")
	r.HandleFunc("/views/{id}/graphs/{config}", c.HandleGraphDump).Methods("GET")
	r.HandleFunc("/views/{id}/cycles", c.HandleRunCycle).Methods("POST")

	r.HandleFunc("/snapshots/{id}", c.HandleSnapshot).Methods("GET")
	r.HandleFunc("/livedata/stats", c.HandleLiveDataStats).Methods("GET")
	r.HandleFunc("/ticks", c.HandlePublishTick).Methods("POST")

	return r, nil
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodDelete+", "+http.MethodOptions)

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (c *Controller) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func (c *Controller) writeError(w http.ResponseWriter, statusCode int, message string) {
	c.writeJSON(w, statusCode, map[string]string{"error": message})
}
