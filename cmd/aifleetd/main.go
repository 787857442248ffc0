// Command aifleetd runs the fleet daemon: it builds the backend pool
// from a YAML config, starts the health monitor, the interval event
// log and the admin HTTP API, and shuts everything down cleanly on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aifleet/adminapi"
	"aifleet/core"
	"aifleet/eventlog"
	"aifleet/fleet"
	"aifleet/transport"
)

const statsReportInterval = 5 * time.Minute

func main() {
	configPath := flag.String("config", "aifleet.yaml", "path to the config file")
	flag.Parse()

	logger := core.NewProductionLogger("aifleetd")

	if err := run(*configPath, logger); err != nil {
		logger.Error("Daemon failed", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
}

func run(configPath string, logger *core.ProductionLogger) error {
	cfg, err := fleet.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.LogLevel != "" {
		logger.SetLevel(cfg.LogLevel)
	}

	manager := fleet.NewManager(fleet.ManagerConfig{
		BaseCheckInterval: cfg.Manager.BaseCheckInterval(),
		FirstCheckDelay:   cfg.Manager.FirstCheckDelay(),
		Logger:            logger,
	})
	for group, limit := range cfg.Groups {
		manager.SetGroupLimit(group, limit)
	}

	eventLog, err := eventlog.Open(eventlog.Config{
		DBPath:            cfg.EventLog.DBPath(),
		HeartbeatInterval: cfg.EventLog.HeartbeatInterval(),
		HeartbeatGrace:    cfg.EventLog.HeartbeatGrace(),
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer eventLog.Close()

	manager.SetEventSink(eventLog)

	for _, backend := range cfg.Backends {
		client, err := buildClient(backend, logger)
		if err != nil {
			return err
		}
		if err := manager.RegisterClient(client); err != nil {
			return err
		}
		eventLog.AttachClient(client)
	}

	if err := eventLog.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := manager.StartMonitoring(ctx); err != nil {
		return err
	}

	listen := cfg.Listen
	if listen == "" {
		listen = ":8080"
	}
	server := adminapi.NewServer(manager, eventLog, adminapi.Config{
		Listen: listen,
		Logger: logger,
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	go reportStats(ctx, manager, logger)

	logger.Info("Fleet daemon started", map[string]interface{}{
		"backends": len(cfg.Backends),
		"listen":   listen,
		"run_id":   eventLog.RunID(),
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", map[string]interface{}{
			"signal": sig.String(),
		})
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	if err := manager.StopMonitoring(); err != nil {
		logger.Warn("Monitor stop failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := eventLog.Stop(); err != nil {
		logger.Warn("Event log stop failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return nil
}

// buildClient assembles the adapter and client for one configured
// backend.
func buildClient(backend fleet.BackendConfig, logger core.Logger) (*fleet.Client, error) {
	adapter, err := transport.NewOpenAIClient(transport.Config{
		BaseURL:  backend.APIBaseURL,
		APIToken: backend.APIToken,
		Model:    backend.DefaultModel,
		ProxyURL: backend.Proxy,
		Stream:   backend.Stream,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", backend.Name, err)
	}

	client, err := fleet.NewClient(fleet.ClientConfig{
		Name:             backend.Name,
		GroupID:          backend.GroupID,
		Priority:         backend.Priority,
		DefaultAvailable: backend.DefaultAvailable,
		Adapter:          adapter,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	if len(backend.Models) > 0 {
		client.SetModelRotation(backend.Models, backend.ModelsPerRotation)
	}
	if len(backend.Tokens) > 0 {
		client.SetTokenRotation(backend.Tokens, backend.TokensPerRotation)
	}
	return client, nil
}

// reportStats logs the plain-text fleet report periodically.
func reportStats(ctx context.Context, manager *fleet.Manager, logger core.Logger) {
	ticker := time.NewTicker(statsReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("Fleet status report", map[string]interface{}{
				"report": "\n" + manager.FormatStatsReport(),
			})
		}
	}
}
