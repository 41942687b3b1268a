// Package app assembles the session manager, execution controller, relay
// and displays from configuration, and tears them down on exit.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	redisadapter "github.com/user/minipy/internal/adapters/redis"
	"github.com/user/minipy/internal/api"
	"github.com/user/minipy/internal/config"
	"github.com/user/minipy/internal/db"
	"github.com/user/minipy/internal/execution"
	"github.com/user/minipy/internal/hub"
	"github.com/user/minipy/internal/kernel"
	"github.com/user/minipy/internal/metrics"
	"github.com/user/minipy/internal/registry"
	"github.com/user/minipy/internal/relay"
	"github.com/user/minipy/internal/server"
	"github.com/user/minipy/internal/tracing"
)

// Options selects the optional parts of an App.
type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	Version string
	// Serve adds the websocket hub and the control API.
	Serve bool
	// NoHistory skips the SQLite history database.
	NoHistory bool
	// Displays receive every event in addition to the built-in ones.
	Displays  []relay.Display
	Observers []execution.Observer
}

// App owns every long-lived component. Close is the exit hook.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	Profile    *registry.Profile
	Manager    *kernel.Manager
	Channel    *kernel.Channel
	Relay      *relay.Relay
	Controller *execution.Controller
	Metrics    *metrics.Metrics
	Hub        *hub.Hub
	DB         *db.DB
	Recorder   *db.Recorder
	Tracer     *tracing.Tracer
	Mirror     *redisadapter.Mirror

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New builds the App and starts its background goroutines. The session is
// not started until Start.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger, Metrics: metrics.New()}

	reg, err := registry.NewRegistry(cfg.ProfilesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load interpreter profiles: %w", err)
	}
	a.Profile, err = reg.Lookup(cfg.Profile)
	if err != nil {
		return nil, err
	}
	backend, err := registry.NewBackend(a.Profile, logger)
	if err != nil {
		return nil, err
	}

	displays := append([]relay.Display(nil), opts.Displays...)
	observers := []execution.Observer{a.Metrics}

	if !opts.NoHistory {
		a.DB, err = db.Open(context.Background(), cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		a.Recorder = db.NewRecorder(a.DB, logger)
		displays = append(displays, a.Recorder)
		observers = append(observers, a.Recorder)
	}

	if cfg.TraceFile != "" {
		a.Tracer, err = tracing.Open(cfg.TraceFile, opts.Version)
		if err != nil {
			a.closeStores()
			return nil, fmt.Errorf("failed to open trace file: %w", err)
		}
		observers = append(observers, a.Tracer)
	}

	if cfg.RedisAddr != "" {
		mirror := redisadapter.New(cfg.RedisAddr, redisadapter.WithChannel(cfg.RedisChannel), redisadapter.WithLogger(logger))
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := mirror.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Warn("redis mirror disabled", "addr", cfg.RedisAddr, "error", err)
			_ = mirror.Close()
		} else {
			a.Mirror = mirror
			displays = append(displays, mirror)
			observers = append(observers, mirror)
		}
	}

	a.Manager = kernel.NewManager(backend,
		kernel.WithLogger(logger),
		kernel.WithStartTimeout(cfg.StartTimeout),
		kernel.WithShutdownGrace(cfg.ShutdownGrace),
	)
	a.Channel = kernel.NewChannel(a.Manager, kernel.WithChannelLogger(logger))

	// Displays join the tee once the controller exists; the hub needs it.
	tee := relay.Tee{}
	a.Relay = relay.New(&tee,
		relay.WithCapacity(cfg.RelayCapacity),
		relay.WithLogger(logger),
		relay.WithOverflowHook(a.Metrics.Dropped),
	)

	ctlOpts := []execution.Option{
		execution.WithLogger(logger),
		execution.WithInterruptGrace(cfg.InterruptGrace),
		execution.WithAutoRestart(cfg.AutoRestart),
	}
	for _, o := range append(observers, opts.Observers...) {
		ctlOpts = append(ctlOpts, execution.WithObserver(o))
	}
	a.Controller = execution.New(a.Manager, a.Channel, a.Relay, ctlOpts...)

	if opts.Serve {
		a.Hub = hub.New(cfg.Token, a.Controller, hub.WithLogger(logger))
		displays = append(displays, a.Hub)
		a.Controller.AddObserver(a.Hub)
	}
	tee = append(tee, displays...)

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.goRun(func() { _ = a.Relay.Run(ctx) })
	if a.Recorder != nil {
		a.goRun(func() { _ = a.Recorder.Run(ctx) })
	}
	if a.Hub != nil {
		a.goRun(func() { a.Hub.Run(ctx) })
	}
	return a, nil
}

func (a *App) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Start brings the interpreter session up.
func (a *App) Start(ctx context.Context) error {
	return a.Controller.Start(ctx)
}

// Handler returns the control API.
func (a *App) Handler() http.Handler {
	return api.NewRouter(api.Options{
		Controller: a.Controller,
		History:    a.DB,
		Metrics:    a.Metrics.Handler(),
		Token:      a.cfg.Token,
	})
}

// Serve runs the HTTP server until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	if a.Hub == nil {
		return errors.New("app: built without Serve")
	}
	srv, err := server.New("0.0.0.0:"+strconv.Itoa(a.cfg.Port), http.HandlerFunc(a.Hub.HandleWebSocket), a.Handler(), a.logger)
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

// Flush waits until every display has caught up.
func (a *App) Flush(ctx context.Context) error {
	if err := a.Relay.Flush(ctx); err != nil {
		return err
	}
	if a.Recorder != nil {
		return a.Recorder.Flush(ctx)
	}
	return nil
}

// Close shuts the session down, drains the displays and closes every
// store. It is safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		grace := a.cfg.ShutdownGrace + time.Second
		ctx, cancel := context.WithTimeout(context.Background(), grace+2*time.Second)
		defer cancel()

		var errs []error
		if err := a.Controller.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.Relay.Flush(ctx); err != nil {
			a.logger.Warn("display did not drain before exit", "pending", a.Relay.Pending())
		}
		a.cancel()
		a.wg.Wait()

		if a.Tracer != nil {
			if err := a.Tracer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracing: %w", err))
			}
		}
		if a.Mirror != nil {
			_ = a.Mirror.Close()
		}
		if err := a.closeStores(); err != nil {
			errs = append(errs, err)
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func (a *App) closeStores() error {
	if a.DB == nil {
		return nil
	}
	if err := a.DB.Close(); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	return nil
}
