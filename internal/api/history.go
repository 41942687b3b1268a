package api

import (
	"net/http"
	"strconv"

	"github.com/user/minipy/internal/db"
)

func (h *handler) historyAvailable(w http.ResponseWriter) bool {
	if h.runs == nil || h.sessions == nil {
		jsonError(w, http.StatusServiceUnavailable, "history unavailable")
		return false
	}
	return true
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	if !h.historyAvailable(w) {
		return
	}
	runs, err := h.runs.List(r.Context(), r.URL.Query().Get("session_id"), queryLimit(r))
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*db.RunRecord{}
	}
	jsonResponse(w, http.StatusOK, runs)
}

func (h *handler) getRun(w http.ResponseWriter, r *http.Request) {
	if !h.historyAvailable(w) {
		return
	}
	run, err := h.runs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		jsonError(w, http.StatusNotFound, "run not found")
		return
	}
	jsonResponse(w, http.StatusOK, run)
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	if !h.historyAvailable(w) {
		return
	}
	sessions, err := h.sessions.List(r.Context(), queryLimit(r))
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []*db.SessionRecord{}
	}
	jsonResponse(w, http.StatusOK, sessions)
}
