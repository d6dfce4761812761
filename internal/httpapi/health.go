package httpapi

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// Check reports whether one dependency is reachable.
type Check func(ctx context.Context) error

type healthResponse struct {
	Status      string            `json:"status"`
	Checks      map[string]string `json:"checks"`
	Connections int64             `json:"connections"`
}

// Health runs every check with a short deadline. Any failure turns the
// response into a 503.
func Health(checks map[string]Check, connections func() int64) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		res := healthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				res.Status = "degraded"
				res.Checks[name] = err.Error()
				continue
			}
			res.Checks[name] = "ok"
		}
		if connections != nil {
			res.Connections = connections()
		}

		status := http.StatusOK
		if res.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, res)
	}
}
