// Command agentcom runs the coordination hub: goal backlog, task
// queue, scheduler, agent WebSocket gateway, and the autonomous hub
// FSM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/basket/agentcom/internal/agents"
	"github.com/basket/agentcom/internal/auth"
	"github.com/basket/agentcom/internal/bus"
	"github.com/basket/agentcom/internal/config"
	"github.com/basket/agentcom/internal/endpoints"
	"github.com/basket/agentcom/internal/gateway"
	"github.com/basket/agentcom/internal/goal"
	"github.com/basket/agentcom/internal/hub"
	"github.com/basket/agentcom/internal/llm"
	"github.com/basket/agentcom/internal/maintenance"
	"github.com/basket/agentcom/internal/orchestrator"
	"github.com/basket/agentcom/internal/otel"
	"github.com/basket/agentcom/internal/presence"
	"github.com/basket/agentcom/internal/queue"
	"github.com/basket/agentcom/internal/repos"
	"github.com/basket/agentcom/internal/router"
	"github.com/basket/agentcom/internal/scheduler"
	"github.com/basket/agentcom/internal/store"
	"github.com/basket/agentcom/internal/task"
	"github.com/basket/agentcom/internal/telemetry"
	"github.com/basket/agentcom/internal/ws"
)

// Exit codes: 0 normal shutdown, 1 unrecoverable storage, 2 bad config.
const (
	exitOK      = 0
	exitStorage = 1
	exitConfig  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	homeFlag := flag.String("home", "", "hub home directory (default $AGENTCOM_HOME or ~/.agentcom)")
	flag.Parse()

	home := *homeFlag
	if home == "" {
		home = config.HomeDir()
	}

	cfg, err := config.Load(home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	logger, logCloser, err := telemetry.NewLogger(home, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		return exitConfig
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		logger.Error("otel init failed", "error", err)
		return exitConfig
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otel.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("metric instruments failed", "error", err)
		return exitConfig
	}

	kv, err := store.Open(store.DefaultDBPath(home))
	if err != nil {
		logger.Error("store open failed", "error", err)
		return exitStorage
	}
	defer kv.Close()

	eventBus := bus.NewWithLogger(logger)

	authStore, err := auth.New(ctx, kv)
	if err != nil {
		logger.Error("auth store load failed", "error", err)
		return exitStorage
	}
	for _, entry := range cfg.Tokens {
		if err := authStore.Add(ctx, entry.Token, entry.AgentID); err != nil {
			logger.Error("token registration failed", "agent_id", entry.AgentID, "error", err)
			return exitConfig
		}
	}

	resourceTable := endpoints.NewResourceTable(cfg.Endpoints.ResourceTTL)
	endpointReg, err := endpoints.NewRegistry(ctx, kv, eventBus, resourceTable)
	if err != nil {
		logger.Error("endpoint registry load failed", "error", err)
		return exitStorage
	}
	prober := endpoints.NewProber(endpoints.ProberConfig{
		Registry:    endpointReg,
		Interval:    cfg.Endpoints.ProbeInterval,
		Concurrency: cfg.Endpoints.ProbeConcurrency,
		Logger:      logger,
	})
	prober.Start(ctx)

	workspace := repos.NewWorkspace(home)
	repoReg, err := repos.New(ctx, kv, cfg.DefaultRepo)
	if err != nil {
		logger.Error("repo registry load failed", "error", err)
		return exitStorage
	}
	scanner := repos.NewScanner(repoReg, workspace, logger)

	taskQueue, err := queue.New(ctx, queue.Config{
		Store:      kv,
		Bus:        eventBus,
		Repos:      repoReg,
		Logger:     logger,
		MaxRetries: cfg.Queue.MaxRetries,
	})
	if err != nil {
		logger.Error("task queue load failed", "error", err)
		return exitStorage
	}

	agentReg := agents.NewRegistry(taskQueue, eventBus, agents.Timeouts{
		Accept:           cfg.Agents.AcceptTimeout,
		ProgressWatchdog: cfg.Agents.ProgressWatchdog,
	}, logger)

	tracker := presence.NewTracker()
	reaper := presence.NewReaper(tracker, agentReg, cfg.Agents.ReapInterval, cfg.Agents.ReapThreshold, logger)
	reaper.Start(ctx)

	wsServer := ws.NewServer(ws.Config{
		Auth:            authStore,
		Registry:        agentReg,
		Presence:        tracker,
		Queue:           taskQueue,
		Endpoints:       endpointReg,
		Resources:       resourceTable,
		Logger:          logger,
		ProtocolVersion: cfg.Gateway.ProtocolVersion,
		PingInterval:    cfg.Agents.PingInterval,
		PongTimeout:     cfg.Agents.PongTimeout,
	})

	routerCfg := router.Config{
		StandardModels: cfg.Router.StandardModels,
		CloudModel:     cfg.Router.CloudModel,
		CloudEnabled:   cfg.Router.CloudEnabled,
	}
	sched := scheduler.New(scheduler.Config{
		Queue:     taskQueue,
		Agents:    agentReg,
		Endpoints: endpointReg,
		Repos:     repoReg,
		Bus:       eventBus,
		Router:    routerCfg,
		Tunables: scheduler.Tunables{
			SweepInterval:  cfg.Scheduler.SweepInterval,
			StuckThreshold: cfg.Scheduler.StuckThreshold,
			TaskTTL:        cfg.Queue.TaskTTL,
			FallbackWait:   cfg.Scheduler.FallbackWait,
		},
		Logger: logger,
	})
	sched.Start(ctx)

	backlog, err := goal.New(ctx, goal.Config{Store: kv, Bus: eventBus, Logger: logger})
	if err != nil {
		logger.Error("goal backlog load failed", "error", err)
		return exitStorage
	}

	budget := orchestrator.NewLedger(cfg.LLM.BudgetUSD)
	var cloud llm.Client
	if cfg.Router.CloudEnabled {
		if key := os.Getenv(cfg.LLM.AnthropicKeyEnv); key != "" {
			cloud = llm.NewAnthropicClient(key)
		} else {
			logger.Warn("cloud routing enabled but no API key present", "env", cfg.LLM.AnthropicKeyEnv)
		}
	}
	selector := llm.NewSelector(func() []llm.EndpointInfo {
		var out []llm.EndpointInfo
		for _, e := range endpointReg.List() {
			out = append(out, llm.EndpointInfo{
				URL:     e.URL,
				Models:  e.Models,
				Healthy: e.Health == endpoints.Healthy,
			})
		}
		return out
	}, cfg.Router.StandardModels, cloud, cfg.Router.CloudModel, http.DefaultClient)

	orch, err := orchestrator.New(orchestrator.Config{
		Backlog:     backlog,
		Queue:       taskQueue,
		Workspace:   workspace,
		Client:      selector,
		Model:       cfg.Router.CloudModel,
		Budget:      budget,
		Bus:         eventBus,
		Logger:      logger,
		CallTimeout: cfg.LLM.CallTimeout,
	})
	if err != nil {
		logger.Error("orchestrator setup failed", "error", err)
		return exitConfig
	}

	failures := newFailureWindow(time.Hour)
	go func() {
		sub := eventBus.Subscribe("task.")
		defer eventBus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				if ev.Topic == bus.TopicTaskFailed || ev.Topic == bus.TopicTaskDeadLettered {
					failures.record()
				}
			}
		}
	}()

	healthAgg := hub.NewAggregator(func() hub.Sample {
		counts := taskQueue.Counts()
		completed := counts[task.StatusCompleted]
		// Tasks that exhaust their retries leave the main table for the
		// dead-letter table; those count as failed.
		failed := counts[task.StatusFailed]
		if dls, err := taskQueue.DeadLetters(ctx); err == nil {
			failed += len(dls)
		}
		failureRate := 0.0
		if completed+failed > 0 {
			failureRate = float64(failed) / float64(completed+failed)
		}
		eps := endpointReg.List()
		allUnhealthy := len(eps) > 0
		for _, e := range eps {
			if e.Health != endpoints.Unhealthy {
				allUnhealthy = false
				break
			}
		}
		return hub.Sample{
			QueueBacklog:          counts[task.StatusQueued],
			FailureRate:           failureRate,
			StuckTasks:            len(taskQueue.Stuck(cfg.Scheduler.StuckThreshold + cfg.Scheduler.SweepInterval)),
			AgentsOnline:          agentReg.Count(),
			ErrorsLastHour:        failures.count(),
			AllEndpointsUnhealthy: allUnhealthy,
		}
	}, eventBus, logger)

	healer := hub.NewHealer(taskQueue, endpointReg, cfg.Scheduler.StuckThreshold, logger)
	hubFSM := hub.New(hub.Config{
		Orchestrator: orch,
		Health:       healthAgg,
		Budget:       budget,
		Bus:          eventBus,
		Logger:       logger,
		Heal: func(ctx context.Context) error {
			return healer.Heal(ctx)
		},
		Improve: func(ctx context.Context) error {
			// Self-improvement analysis is an external collaborator;
			// the cycle records its pass and returns.
			logger.Info("improvement cycle ran")
			return nil
		},
		Contemplate: func(ctx context.Context) error {
			logger.Info("contemplation cycle ran")
			return nil
		},
		TickInterval:    cfg.Hub.TickInterval,
		IdleThreshold:   cfg.Hub.IdleThreshold,
		Watchdog:        cfg.Hub.Watchdog,
		HealingCooldown: cfg.Hub.HealingCooldown,
		HealingAttempts: cfg.Hub.HealingAttempts,
	})
	hubFSM.Run(ctx)

	// Health checks run on their own 5-second ticker, independent of the
	// hub tick.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				healthAgg.Check()
			}
		}
	}()

	// Bus-driven metric recording.
	go recordMetrics(ctx, eventBus, metrics)

	// Maintenance schedules from config.
	maint := maintenance.NewScheduler(logger)
	backupDir := filepath.Join(home, "backups")
	if err := maint.Add(maintenance.Job{
		Name: "backup",
		Spec: cfg.Maintenance.BackupSchedule,
		Run: func(ctx context.Context) error {
			dest := filepath.Join(backupDir, fmt.Sprintf("hub-%s.db", time.Now().UTC().Format("20060102-150405")))
			return kv.Backup(ctx, dest)
		},
	}); err != nil {
		logger.Error("maintenance setup failed", "error", err)
		return exitConfig
	}
	if err := maint.Add(maintenance.Job{
		Name: "repo-scan",
		Spec: cfg.Maintenance.ScanSchedule,
		Run: func(ctx context.Context) error {
			scanner.Scan(ctx)
			return nil
		},
	}); err != nil {
		logger.Error("maintenance setup failed", "error", err)
		return exitConfig
	}
	maint.Start(ctx)
	defer maint.Stop()

	// Hot reload of scheduler tunables on config changes.
	watcher := config.NewWatcher(home, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.Load(home)
				if err != nil {
					logger.Warn("config reload rejected", "error", err)
					continue
				}
				sched.SetTunables(scheduler.Tunables{
					SweepInterval:  reloaded.Scheduler.SweepInterval,
					StuckThreshold: reloaded.Scheduler.StuckThreshold,
					TaskTTL:        reloaded.Queue.TaskTTL,
					FallbackWait:   reloaded.Scheduler.FallbackWait,
				})
				logger.Info("scheduler tunables reloaded")
			}
		}()
	}

	gw := gateway.NewServer(gateway.Config{
		Queue:      taskQueue,
		Backlog:    backlog,
		Repos:      repoReg,
		Scanner:    scanner,
		Endpoints:  endpointReg,
		Hub:        hubFSM,
		Store:      kv,
		Auth:       authStore,
		WSHandler:  wsServer.Handler(),
		AdminToken: cfg.Gateway.AdminToken,
		RatePerMin: cfg.Gateway.RatePerMinute,
		BackupDir:  backupDir,
		Logger:     logger,
		AgentCount: agentReg.Count,
	})

	logger.Info("hub listening", "addr", cfg.Gateway.ListenAddr)
	if err := gw.Serve(ctx, cfg.Gateway.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if errors.Is(err, store.ErrCorrupt) {
			return exitStorage
		}
		logger.Error("gateway exited", "error", err)
		return exitStorage
	}
	logger.Info("shutdown complete")
	return exitOK
}

// failureWindow counts failures inside a sliding window.
type failureWindow struct {
	mu     sync.Mutex
	window time.Duration
	stamps []time.Time
}

func newFailureWindow(window time.Duration) *failureWindow {
	return &failureWindow{window: window}
}

func (w *failureWindow) record() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stamps = append(w.stamps, time.Now())
	w.trimLocked()
}

func (w *failureWindow) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trimLocked()
	return len(w.stamps)
}

func (w *failureWindow) trimLocked() {
	cutoff := time.Now().Add(-w.window)
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept
}

// recordMetrics translates bus events into metric instrument updates.
func recordMetrics(ctx context.Context, eventBus *bus.Bus, m *otel.Metrics) {
	sub := eventBus.Subscribe("")
	defer eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch ev.Topic {
			case bus.TopicTaskSubmitted, bus.TopicTaskRequeued:
				m.QueueDepth.Add(ctx, 1)
			case bus.TopicTaskAssigned:
				m.QueueDepth.Add(ctx, -1)
			case bus.TopicTaskCompleted:
				m.TasksCompleted.Add(ctx, 1)
			case bus.TopicTaskDeadLettered:
				m.TasksDeadLettered.Add(ctx, 1)
			case bus.TopicHubStateChanged:
				m.HubTransitions.Add(ctx, 1)
			case bus.TopicAgentConnected:
				m.WSConnections.Add(ctx, 1)
			case bus.TopicAgentDisconnected:
				m.WSConnections.Add(ctx, -1)
			}
		}
	}
}
