// Package daemon wires the gateway together and owns its lifecycle.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/clawgate/internal/config"
	"github.com/harun/clawgate/internal/logger"
	"github.com/harun/clawgate/internal/observability"
	"github.com/harun/clawgate/internal/tracing"
	"github.com/harun/clawgate/pkg/agent"
	"github.com/harun/clawgate/pkg/commandqueue"
	"github.com/harun/clawgate/pkg/coretools"
	"github.com/harun/clawgate/pkg/gateway"
	"github.com/harun/clawgate/pkg/process"
	"github.com/harun/clawgate/pkg/prompt"
	"github.com/harun/clawgate/pkg/router"
	"github.com/harun/clawgate/pkg/scheduler"
	"github.com/harun/clawgate/pkg/session"
	"github.com/harun/clawgate/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

// Daemon represents the clawgate daemon service
type Daemon struct {
	config *config.Config
	loader *config.Loader
	logger *logger.Logger
	log    zerolog.Logger

	// Core modules
	router       *router.Router
	sessionMgr   *session.Manager
	scheduler    *scheduler.Scheduler
	processes    *process.Manager
	toolExecutor *toolexecutor.ToolExecutor
	prompt       *prompt.Builder
	queue        *commandqueue.CommandQueue
	agentRunner  *agent.Runner

	// Services
	gatewayServer *gateway.Server
	watcher       *config.Watcher

	// Internal
	eventLoop        *EventLoop
	lifecycle        *LifecycleManager
	unsubscribeTasks func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	closing   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// New creates a new daemon instance. loader may be nil, in which case the
// config file is not watched for changes.
func New(cfg *config.Config, loader *config.Loader, log *logger.Logger) (*Daemon, error) {
	if cfg.Workspace == "" {
		return nil, fmt.Errorf("workspace is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	zl := log.Component("daemon")
	tracingEnabled := true
	if err := tracing.InitOpenTelemetry(tracing.Options{
		ServiceName: "clawgate",
		SampleRatio: cfg.Tracing.SampleRatio,
		Workspace:   cfg.Workspace,
	}); err != nil {
		zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		tracingEnabled = false
	}

	d := &Daemon{
		config:         cfg,
		loader:         loader,
		logger:         log,
		log:            zl,
		ctx:            ctx,
		cancel:         cancel,
		tracingEnabled: tracingEnabled,
	}

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		cancel()
		d.closeCoreModules()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCoreModules builds the modules in dependency order.
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config

	if err := os.MkdirAll(cfg.Workspace, 0755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	auditPath := filepath.Join(cfg.Workspace, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.log.Warn().Err(err).Msg("Failed to initialize audit logger, audit events are dropped")
	}

	d.router = router.New(cfg.RouterSettings(), d.logger.GetZerolog())
	d.router.Reload(cfg.Models, cfg.DefaultModel)
	if len(cfg.Models) == 0 {
		d.log.Warn().Str("config", filepath.Join(cfg.Workspace, config.FileName)).Msg("No models configured, every turn will fail until one is added")
	}

	d.sessionMgr = session.New(filepath.Join(cfg.Workspace, "sessions"))
	d.scheduler = scheduler.New(d.logger.GetZerolog())
	d.processes = process.NewManager(d.logger.GetZerolog(), process.Options{})

	d.toolExecutor = toolexecutor.New(toolexecutor.Options{
		Timeout: cfg.ToolTimeout(),
		Logger:  d.logger.GetZerolog(),
	})
	if err := coretools.RegisterCoreTools(d.toolExecutor, coretools.Options{
		Processes:     d.processes,
		Scheduler:     d.scheduler,
		WorkspaceRoot: cfg.Workspace,
	}); err != nil {
		return fmt.Errorf("failed to register core tools: %w", err)
	}
	d.log.Info().Strs("tools", d.toolExecutor.ListTools()).Msg("Tools registered")

	skillDirs := append([]string{filepath.Join(cfg.Workspace, "skills")}, cfg.Agent.SkillDirs...)
	d.prompt = prompt.NewBuilder(prompt.Options{
		WorkspaceDir: cfg.Workspace,
		BasePrompt:   cfg.Agent.SystemPrompt,
		SkillDirs:    skillDirs,
		Logger:       d.logger.GetZerolog(),
	})

	d.queue = commandqueue.New(d.logger.GetZerolog())

	runner, err := agent.NewRunner(agent.Config{
		Sessions:      d.sessionMgr,
		Completer:     d.router,
		Tools:         d.toolExecutor,
		Queue:         d.queue,
		Prompt:        d.prompt,
		Logger:        d.logger.GetZerolog(),
		MaxIterations: cfg.Agent.MaxIterations,
		MaxUserTurns:  cfg.Agent.MaxUserTurns,
		WorkingDir:    cfg.Workspace,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	d.agentRunner = runner

	return nil
}

func (d *Daemon) initializeServices() error {
	cfg := d.config

	server, err := gateway.NewServer(gateway.Config{
		Host:              cfg.Gateway.Host,
		Port:              cfg.Gateway.Port,
		Runner:            d.agentRunner,
		Router:            d.router,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		MaxConcurrent:     cfg.Gateway.MaxConcurrent,
		Logger:            d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server

	d.unsubscribeTasks = d.scheduler.Subscribe(d.deliverReminder)

	if d.loader != nil {
		watcher, err := config.NewWatcher(d.loader, 0, d.applyConfig)
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		d.watcher = watcher
	}

	return nil
}

// applyConfig hot-reloads the provider pool. Other sections need a restart.
func (d *Daemon) applyConfig(cfg *config.Config) {
	d.router.Reload(cfg.Models, cfg.DefaultModel)

	d.mu.Lock()
	d.config.Models = cfg.Models
	d.config.DefaultModel = cfg.DefaultModel
	d.mu.Unlock()

	observability.RecordConfigAudit(context.Background(), "reload:models", map[string]interface{}{
		"providers":    len(cfg.Models),
		"defaultModel": cfg.DefaultModel,
	})
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Str("workspace", d.config.Workspace).Msg("Starting clawgate daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start config watcher, edits need a restart")
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.closing = true
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping clawgate daemon")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}
	d.unsubscribeTasks()
	d.scheduler.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	if err := d.gatewayServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}
	cancelShutdown()

	d.eventLoop.HandleShutdown()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	d.closeCoreModules()

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.shutdownTracing()

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped")
	return nil
}

func (d *Daemon) closeCoreModules() {
	if d.unsubscribeTasks != nil {
		d.unsubscribeTasks()
	}
	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close command queue")
		}
	}
	if d.processes != nil {
		d.processes.Close()
	}
	if d.router != nil {
		d.router.Reload(nil, "")
	}
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.log.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.log.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetRouter returns the provider router
func (d *Daemon) GetRouter() *router.Router {
	return d.router
}

// GetAgentRunner returns the turn runner
func (d *Daemon) GetAgentRunner() *agent.Runner {
	return d.agentRunner
}

// GetScheduler returns the task scheduler
func (d *Daemon) GetScheduler() *scheduler.Scheduler {
	return d.scheduler
}

// GetSessionManager returns the session log
func (d *Daemon) GetSessionManager() *session.Manager {
	return d.sessionMgr
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
