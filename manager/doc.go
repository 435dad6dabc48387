// Package manager provides the high-level checkpoint API used by workflow
// executors and operational tooling.
//
// A Manager wraps a store.CheckpointStore with state serialization, default
// TTLs, structured logging and metrics. SelectStore picks the store a
// process runs on, degrading to volatile in-memory storage when the
// configured durable backend is unreachable at startup.
//
// # Basic Usage
//
//	import (
//		"context"
//		"github.com/smallnest/checkpointgo/config"
//		"github.com/smallnest/checkpointgo/manager"
//	)
//
//	cfg, err := config.Load("checkpoint.yaml")
//	if err != nil {
//		return err
//	}
//
//	st, err := manager.SelectStore(ctx, cfg, nil)
//	if err != nil {
//		return err
//	}
//
//	mgr, err := manager.NewManager(manager.ManagerOptions{
//		Store:      st,
//		DefaultTTL: cfg.DefaultTTL(),
//	})
//	if err != nil {
//		return err
//	}
//	defer mgr.Close()
//
//	// Save workflow state; the returned checkpoint carries its assigned
//	// sequence number.
//	cp, err := mgr.SaveCheckpoint(ctx, "thread-456", "", workflowState, nil, 0)
//
//	// Resume from the latest checkpoint.
//	latest, err := mgr.LoadCheckpoint(ctx, "thread-456", "")
//	if latest != nil {
//		err = latest.DecodeState(&workflowState)
//	}
//
// # Narrow Views
//
// The Manager satisfies two purpose-built interfaces so callers depend only
// on what they use:
//
//   - Saver: SaveCheckpoint, LoadCheckpoint, ListCheckpoints. Hand this to a
//     workflow executor.
//   - Admin: Health, ListCheckpoints, GetThreadMetadata, DeleteThread. Hand
//     this to an API or CLI layer.
//
// # Durable-to-Volatile Fallback
//
// SelectStore builds the configured durable backend and probes it once,
// bounded by cfg.HealthCheckTimeout. When the probe fails, it logs one
// prominent warning and returns a store that serves operations from memory
// while HealthCheck keeps reporting the durable outage. Saves keep working;
// they just stop surviving restarts until the process is brought back up
// against a healthy backend. The decision is never re-evaluated at runtime.
//
// Misconfiguration (an unparseable URL, an unknown backend name) is returned
// as an error instead: retrying cannot fix it, so it should fail loudly.
//
// # Metrics
//
// Operations record an OpenTelemetry counter, latency histogram, error
// counter and state-size histogram when a recorder is configured:
//
//	mgr, err := manager.NewManager(manager.ManagerOptions{
//		Store:   st,
//		Metrics: manager.NewMetricsRecorder(),
//	})
//
// Metrics default to NoopMetrics, so unconfigured deployments pay nothing.
//
// # Best Practices
//
//  1. Select the store once at process start and share one Manager
//  2. Pass an empty checkpoint id to SaveCheckpoint unless resuming a
//     specific protocol that names its own ids
//  3. Run CleanupExpired on long-lived threads from a periodic job
//  4. Alert on Health().Healthy == false; a degraded process keeps running
//     but loses durability
//  5. Keep state blobs small; they round-trip on every load
package manager
