// Package api is the HTTP control surface of the execution controller.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/user/minipy/internal/db"
	"github.com/user/minipy/internal/execution"
	"github.com/user/minipy/internal/kernel"
)

// Controller is the part of execution.Controller the API drives.
type Controller interface {
	RunSelection(ctx context.Context, ed execution.Editor) (kernel.Request, error)
	Interrupt(ctx context.Context) error
	Clear(ctx context.Context) error
	Restart(ctx context.Context) error
	Status() execution.Status
}

// Options wires the router. History and Metrics are optional.
type Options struct {
	Controller Controller
	History    *db.DB
	Metrics    http.Handler
	Token      string
}

type handler struct {
	ctl      Controller
	sessions *db.SessionRepo
	runs     *db.RunRepo
}

func NewRouter(opts Options) http.Handler {
	h := &handler{ctl: opts.Controller}
	if opts.History != nil {
		h.sessions = opts.History.Sessions()
		h.runs = opts.History.Runs()
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /api/run", h.run)
	api.HandleFunc("POST /api/interrupt", h.interrupt)
	api.HandleFunc("POST /api/clear", h.clear)
	api.HandleFunc("POST /api/restart", h.restart)
	api.HandleFunc("GET /api/state", h.state)
	api.HandleFunc("GET /api/runs", h.listRuns)
	api.HandleFunc("GET /api/runs/{id}", h.getRun)
	api.HandleFunc("GET /api/sessions", h.listSessions)

	mux := http.NewServeMux()
	mux.Handle("/api/", jsonMiddleware(api))
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	return authMiddleware(opts.Token)(corsMiddleware(mux))
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				if strings.TrimSpace(authHeader[7:]) == token {
					next.ServeHTTP(w, r)
					return
				}
			}

			if r.URL.Query().Get("token") == token {
				next.ServeHTTP(w, r)
				return
			}

			jsonError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return io.ErrUnexpectedEOF
	}
	return nil
}
