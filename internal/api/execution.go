package api

import (
	"net/http"
	"time"

	"github.com/user/minipy/internal/execution"
)

type runRequest struct {
	Code     string `json:"code"`
	Filename string `json:"filename,omitempty"`
	// Selection is run instead of Code when non-empty.
	Selection string `json:"selection,omitempty"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
}

type runResponse struct {
	RequestID   string    `json:"request_id"`
	Filename    string    `json:"filename"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (h *handler) run(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	buf := execution.Buffer{Text: req.Code, Selection: req.Selection, Path: req.Filename}
	if req.StartLine > 0 || req.EndLine > 0 {
		end := req.EndLine
		if end == 0 {
			end = req.StartLine
		}
		if err := buf.SelectLines(req.StartLine, end); err != nil {
			jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	started, err := h.ctl.RunSelection(r.Context(), buf)
	if err != nil {
		controllerError(w, err)
		return
	}
	jsonResponse(w, http.StatusAccepted, runResponse{
		RequestID:   started.ID,
		Filename:    started.Filename,
		SubmittedAt: started.SubmittedAt,
	})
}

func (h *handler) interrupt(w http.ResponseWriter, r *http.Request) {
	if err := h.ctl.Interrupt(r.Context()); err != nil {
		controllerError(w, err)
		return
	}
	jsonResponse(w, http.StatusAccepted, h.ctl.Status())
}

func (h *handler) clear(w http.ResponseWriter, r *http.Request) {
	if err := h.ctl.Clear(r.Context()); err != nil {
		controllerError(w, err)
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}

func (h *handler) restart(w http.ResponseWriter, r *http.Request) {
	if err := h.ctl.Restart(r.Context()); err != nil {
		controllerError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, h.ctl.Status())
}

type stateResponse struct {
	execution.Status
	CanRun bool `json:"can_run"`
}

func (h *handler) state(w http.ResponseWriter, _ *http.Request) {
	st := h.ctl.Status()
	jsonResponse(w, http.StatusOK, stateResponse{Status: st, CanRun: st.State.CanRun()})
}
