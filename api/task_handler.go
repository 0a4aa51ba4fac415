package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dreadew/conveyor/id"
	"github.com/dreadew/conveyor/job"
)

// SubmitTaskRequest is the body for POST /tasks.
type SubmitTaskRequest struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Queue       string          `json:"queue,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	TimeoutMS   int64           `json:"timeout_ms,omitempty"`
	DelayMS     int64           `json:"delay_ms,omitempty"`
	RunAt       *time.Time      `json:"run_at,omitempty"`
}

// TaskResultResponse is the body for GET /tasks/{taskID}/result.
type TaskResultResponse struct {
	ID       id.JobID        `json:"id"`
	State    job.State       `json:"state"`
	Result   json.RawMessage `json:"result,omitempty"`
	Failure  *job.Failure    `json:"failure,omitempty"`
	Attempts int             `json:"attempts"`
}

func (a *API) submitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.Type == "" {
		a.writeBadRequest(w, "type is required")
		return
	}

	var opts []job.Option
	if req.Queue != "" {
		opts = append(opts, job.WithQueue(req.Queue))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, job.WithMaxAttempts(req.MaxAttempts))
	}
	if req.Priority != 0 {
		opts = append(opts, job.WithPriority(req.Priority))
	}
	if req.TimeoutMS > 0 {
		opts = append(opts, job.WithTimeout(time.Duration(req.TimeoutMS)*time.Millisecond))
	}
	if req.RunAt != nil {
		opts = append(opts, job.WithRunAt(*req.RunAt))
	} else if req.DelayMS > 0 {
		opts = append(opts, job.WithDelay(time.Duration(req.DelayMS)*time.Millisecond))
	}

	payload := []byte(req.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	j, err := a.eng.SubmitRaw(r.Context(), req.Type, payload, opts...)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, j)
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(r.PathValue("taskID"))
	if err != nil {
		a.writeBadRequest(w, "invalid task id")
		return
	}

	j, err := a.eng.Get(r.Context(), jobID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, j)
}

func (a *API) getTaskResult(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(r.PathValue("taskID"))
	if err != nil {
		a.writeBadRequest(w, "invalid task id")
		return
	}

	j, err := a.eng.Get(r.Context(), jobID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !j.State.Terminal() {
		a.writeJSON(w, http.StatusConflict, errorResponse{Error: "job has not finished"})
		return
	}

	a.writeJSON(w, http.StatusOK, TaskResultResponse{
		ID:       j.ID,
		State:    j.State,
		Result:   json.RawMessage(j.Result),
		Failure:  j.LastError,
		Attempts: j.Attempts,
	})
}

func (a *API) cancelTask(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(r.PathValue("taskID"))
	if err != nil {
		a.writeBadRequest(w, "invalid task id")
		return
	}

	if err := a.eng.Cancel(r.Context(), jobID); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	state := job.State(r.URL.Query().Get("state"))
	if state == "" {
		state = job.StatePending
	}

	opts := job.ListOpts{
		Queue:  r.URL.Query().Get("queue"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	jobs, err := a.eng.Repository().ListByState(r.Context(), state, opts)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	a.writeJSON(w, http.StatusOK, jobs)
}
