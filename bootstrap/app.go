package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/config"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/degradation"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/queue"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/redisconn"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/scripts"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/stream"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options adjusts NewApp for the calling command
type Options struct {
	// ConfigPath is an explicit config file; empty searches . and ./config
	ConfigPath string
	// StartupMode overrides startup_mode when set
	StartupMode string
	// LogLevel overrides logging.level when set
	LogLevel string
	// Config skips loading when set (tests)
	Config *config.Config
	// InMemoryFallback keeps the fallback store in RAM (tests)
	InMemoryFallback bool
	// LogToStderr keeps stdout free for command output
	LogToStderr bool
}

// App holds every component of the service, wired once at startup.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Redis       *redisconn.Manager
	Queue       *queue.Controller
	Scripts     *scripts.Executor
	Cache       *scripts.Cache
	Stream      *stream.Manager
	Fallback    *degradation.FallbackStore
	Degradation *degradation.Manager

	// StoreConnected is false when graceful startup could not reach the store
	StoreConnected bool

	opsServer    *http.Server
	workerCancel context.CancelFunc
	serviceWg    sync.WaitGroup
	closeOnce sync.Once
}

// NewApp loads configuration and builds every component. In strict mode an
// unreachable store is fatal; in graceful mode the app starts with the store
// marked down and work is buffered in the fallback queues.
func NewApp(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = InitConfig(opts.ConfigPath); err != nil {
			return nil, err
		}
	}
	if opts.StartupMode != "" {
		cfg.StartupMode = config.StartupMode(opts.StartupMode)
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}

	sink := zapcore.AddSync(os.Stdout)
	if opts.LogToStderr {
		sink = zapcore.AddSync(os.Stderr)
	}
	logger, sugar, err := initLogger(cfg.Logging.Level, cfg.Logging.Format, sink)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	app := &App{Config: cfg, Logger: logger, Sugar: sugar}
	sugar.Info("Home security intelligence pipeline starting...")
	LogConfig(cfg, sugar)

	storeCfg := cfg.FallbackStoreConfig()
	storeCfg.InMemory = opts.InMemoryFallback
	if !storeCfg.InMemory {
		if _, err := EnsureDataDirectory(storeCfg.Dir, sugar); err != nil {
			return nil, fmt.Errorf("pre-flight check failed: %w", err)
		}
	}
	app.Fallback, err = degradation.OpenFallbackStore(storeCfg, sugar.Named("fallback"))
	if err != nil {
		return nil, err
	}

	app.Redis = redisconn.NewManager(cfg.RedisConfig(), sugar.Named("redis"))
	connectErr := app.Redis.Connect(ctx)
	if connectErr != nil {
		sugar.Error(ClassifyConnectionError(connectErr, cfg.Redis.Addr))
		if !cfg.IsGracefulMode() {
			_ = app.Fallback.Close()
			return nil, fmt.Errorf("failed to connect to store: %w", connectErr)
		}
		sugar.Warn("Graceful startup: continuing with the store marked down")
	}
	app.StoreConnected = connectErr == nil

	app.Queue = queue.NewController(app.Redis, cfg.QueueConfig(), sugar.Named("queue"))
	app.Scripts = scripts.NewExecutor(app.Redis, sugar.Named("scripts"))
	app.Cache = scripts.NewCache(app.Redis, app.Scripts, cfg.CacheConfig(), sugar.Named("cache"))
	app.Stream = stream.NewManager(app.Redis, cfg.StreamConfig(), sugar.Named("stream"))

	app.Degradation, err = degradation.NewManager(cfg.DegradationConfig(), app.Queue, app.Fallback, sugar.Named("degradation"))
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Degradation.RegisterService(degradation.StoreService, app.probeStore, true)

	if connectErr != nil {
		app.Degradation.UpdateServiceHealth(degradation.StoreService, false, connectErr.Error())
		return app, nil
	}

	if err := app.Scripts.Preload(ctx); err != nil {
		sugar.Warnw("Failed to preload scripts, they will load on first use", "error", err)
	}
	if err := app.Stream.EnsureGroup(ctx); err != nil {
		sugar.Warnw("Failed to create consumer group, will retry on first consume", "error", err)
	}
	return app, nil
}

// probeStore reconnects if needed, then pings
func (a *App) probeStore(ctx context.Context) error {
	client, err := a.Redis.EnsureConnected(ctx)
	if err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}

// Start launches the health loop and, when enabled, the stream worker and
// the ops listener
func (a *App) Start(ctx context.Context) error {
	a.Degradation.Start(ctx)

	if a.Config.Stream.WorkerEnabled {
		a.startStreamWorker(ctx)
	}

	if !a.Config.Ops.Enabled {
		return nil
	}

	a.opsServer = &http.Server{
		Addr:              a.Config.Ops.Addr,
		Handler:           NewOpsRouter(a, a.Sugar.Named("ops")),
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		a.Sugar.Infow("Ops listener started", "addr", a.Config.Ops.Addr)
		if err := a.opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("Ops listener failed", "error", err)
		}
	}()
	return nil
}

func (a *App) startStreamWorker(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	a.workerCancel = cancel
	consumer := stream.NewConsumerID()

	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		if err := a.Stream.Run(workerCtx, consumer, a.forwardEntry); err != nil {
			a.Sugar.Errorw("Stream worker exited", "consumer", consumer, "error", err)
		}
	}()
}

// forwardEntry hands a stream entry's payload to the forward queue, falling
// back to local buffering when the store is degraded. An entry that could not
// be queued anywhere stays pending and is redelivered.
func (a *App) forwardEntry(ctx context.Context, entry stream.Entry) error {
	raw, ok := entry.Fields[stream.PayloadField]
	if !ok {
		return fmt.Errorf("entry %s has no %s field", entry.ID, stream.PayloadField)
	}

	target := a.Config.Stream.ForwardQueue
	result, err := a.Degradation.QueueWithFallback(ctx, target, json.RawMessage(raw))
	if err != nil {
		return fmt.Errorf("forward %s to %s: %w", entry.ID, target, err)
	}
	if !result.Success {
		return fmt.Errorf("forward %s to %s: %s", entry.ID, target, result.Error)
	}
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown stops background work and releases every resource
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	a.Sugar.Info("Phase 1: Stopping health loop...")
	a.Degradation.Stop()

	a.Sugar.Info("Phase 2: Stopping stream worker and ops listener...")
	if a.workerCancel != nil {
		a.workerCancel()
	}
	if a.opsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.opsServer.Shutdown(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop ops listener", "error", err)
		}
	}

	a.Sugar.Info("Phase 3: Waiting for service goroutines to complete...")
	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.Sugar.Info("All service goroutines stopped successfully")
	case <-time.After(10 * time.Second):
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}

	a.Sugar.Info("Phase 4: Closing connections...")
	a.Close()

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}

// Close releases the store connection and the fallback database
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.Redis != nil {
			a.Redis.Disconnect()
		}
		if a.Fallback != nil {
			if err := a.Fallback.Close(); err != nil {
				a.Sugar.Errorw("Failed to close fallback store", "error", err)
			}
		}
	})
}
