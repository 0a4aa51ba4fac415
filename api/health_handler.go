package api

import (
	"net/http"

	"github.com/dreadew/conveyor/job"
)

// StatsResponse summarizes job counts per state plus DLQ depth.
type StatsResponse struct {
	Jobs map[string]int64 `json:"jobs"`
	DLQ  int64            `json:"dlq"`
}

func (a *API) healthz(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready only when both the repository and the broker
// answer a ping.
func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	svc := a.eng.Service()

	if err := svc.Repository().Ping(r.Context()); err != nil {
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": "repository: " + err.Error(),
		})
		return
	}
	if err := svc.Broker().Ping(r.Context()); err != nil {
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": "broker: " + err.Error(),
		})
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *API) getStats(w http.ResponseWriter, r *http.Request) {
	states := []job.State{
		job.StatePending,
		job.StateRunning,
		job.StateRetrying,
		job.StateSucceeded,
		job.StateAbandoned,
	}

	stats := StatsResponse{Jobs: make(map[string]int64, len(states))}
	for _, state := range states {
		count, err := a.eng.Repository().Count(r.Context(), job.CountOpts{State: state})
		if err != nil {
			a.writeError(w, err)
			return
		}
		stats.Jobs[string(state)] = count
	}

	dlqCount, err := a.eng.DLQService().DLQStore().CountDLQ(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	stats.DLQ = dlqCount

	a.writeJSON(w, http.StatusOK, stats)
}
