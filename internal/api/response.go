package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/user/minipy/internal/execution"
	"github.com/user/minipy/internal/hub"
	"github.com/user/minipy/internal/kernel"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if data == nil || status == http.StatusNoContent {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, errorBody{Error: message})
}

// controllerError writes err with the status that matches its cause.
func controllerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var startErr *kernel.SessionStartError
	switch {
	case errors.Is(err, execution.ErrBusy), errors.Is(err, execution.ErrNotBusy):
		status = http.StatusConflict
	case errors.Is(err, execution.ErrEmptySource):
		status = http.StatusBadRequest
	case errors.Is(err, execution.ErrNotReady),
		errors.Is(err, execution.ErrFaulted),
		errors.Is(err, execution.ErrSessionCrashed),
		errors.Is(err, execution.ErrTerminated),
		errors.As(err, &startErr):
		status = http.StatusServiceUnavailable
	}
	jsonResponse(w, status, errorBody{Error: err.Error(), Code: hub.ErrorCode(err)})
}
