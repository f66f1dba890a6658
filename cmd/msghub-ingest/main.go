package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stacknerd/msghub/internal/buildinfo"
	"github.com/stacknerd/msghub/internal/busws"
	"github.com/stacknerd/msghub/internal/config"
	"github.com/stacknerd/msghub/internal/engine"
	"github.com/stacknerd/msghub/internal/hostapi"
	"github.com/stacknerd/msghub/internal/managed"
	"github.com/stacknerd/msghub/internal/scanloop"
	"github.com/stacknerd/msghub/internal/store/sqlitestore"
)

func main() {
	// 1. Load and validate environment config
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	log.Printf("msghub-ingest %s (%s, built %s), namespace=%s instance=%s",
		buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime,
		envCfg.Namespace, envCfg.Instance)

	// 2. Open the message store
	store, err := sqlitestore.Open(envCfg.StorePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	// 3. Wire the bus client and the engine. The handler closes over eng,
	// which is assigned before the client goroutine starts.
	var eng *engine.Engine
	client := busws.New(envCfg.BusURL, busws.Handler{
		OnStateChange:  func(id string, st *hostapi.State) { eng.OnStateChange(id, st) },
		OnObjectChange: func(id string) { eng.OnObjectChange(id) },
	})
	eng = engine.New(engine.Config{
		Namespace:          envCfg.Namespace,
		Instance:           envCfg.Instance,
		Bus:                client,
		Reader:             client,
		Store:              store,
		Managed:            managed.NewReporter(client),
		MetricsMaxInterval: envCfg.MetricsMaxInterval.Milliseconds(),
		Trace:              envCfg.TraceEvents,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	// 4. Wait briefly for the first connection so the initial scan can read.
	waitForConnection(client, 10*time.Second)

	eng.Start()

	// 5. Periodic rescan and evaluation loops. Zero intervals disable them:
	// no scheduled rescans, or event-only evaluation.
	stopCh := make(chan struct{})
	if envCfg.RescanInterval > 0 {
		go scanloop.Run(stopCh, envCfg.RescanInterval, scanloop.DefaultJitterRange, eng.TriggerRescan)
	}
	if envCfg.EvaluateInterval > 0 {
		go scanloop.Run(stopCh, envCfg.EvaluateInterval, 0, eng.Tick)
	}
	if envCfg.RescanCron != "" {
		go func() {
			if err := scanloop.RunCron(stopCh, envCfg.RescanCron, eng.TriggerRescan); err != nil {
				log.Printf("cron rescan loop failed: %v", err)
			}
		}()
	}

	// 6. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("Received signal %s, shutting down...", sig)

	close(stopCh)
	eng.Stop()
	cancel()
	log.Println("Engine stopped")
}

// waitForConnection polls until the bus is connected or the timeout elapses.
// Startup proceeds either way; the engine retries reads on the rescan cadence.
func waitForConnection(client *busws.Client, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if client.IsConnected() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	log.Printf("bus not connected after %s, continuing startup", timeout)
}
