package api

import (
	"net/http"
	"strconv"

	"github.com/dreadew/conveyor/dlq"
	"github.com/dreadew/conveyor/id"
)

func (a *API) listDLQ(w http.ResponseWriter, r *http.Request) {
	opts := dlq.ListOpts{
		Queue:  r.URL.Query().Get("queue"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	entries, err := a.eng.DLQService().DLQStore().ListDLQ(r.Context(), opts)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*dlq.Entry{}
	}
	a.writeJSON(w, http.StatusOK, entries)
}

func (a *API) getDLQ(w http.ResponseWriter, r *http.Request) {
	entryID, err := id.ParseDLQID(r.PathValue("entryID"))
	if err != nil {
		a.writeBadRequest(w, "invalid dlq entry id")
		return
	}

	entry, err := a.eng.DLQService().DLQStore().GetDLQ(r.Context(), entryID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, entry)
}

func (a *API) replayDLQ(w http.ResponseWriter, r *http.Request) {
	entryID, err := id.ParseDLQID(r.PathValue("entryID"))
	if err != nil {
		a.writeBadRequest(w, "invalid dlq entry id")
		return
	}

	j, err := a.eng.DLQService().Replay(r.Context(), entryID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, j)
}

// queryInt parses an integer query parameter, falling back to def for
// missing or malformed values.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
