// Package log provides a simple, leveled logging interface for the checkpoint
// store and manager.
//
// This package implements a lightweight logging system with support for different
// log levels and customizable output destinations. Every component of the module
// takes a Logger by injection; nothing logs through hidden globals, so a service
// embedding the manager stays in control of its own output.
//
// # Log Levels
//
// The package supports five log levels, in order of increasing severity:
//
//   - LogLevelDebug: Detailed debugging information for development
//   - LogLevelInfo: General informational messages about normal operation
//   - LogLevelWarn: Warning messages for potentially problematic situations
//   - LogLevelError: Error messages for failures that need attention
//   - LogLevelNone: Disables all logging output
//
// # Example Usage
//
// ## Basic Logging
//
//	// Create a logger with INFO level
//	logger := log.NewDefaultLogger(log.LogLevelInfo)
//
//	logger.Info("manager starting")
//	logger.Debug("saving checkpoint %s to thread %s", cpID, threadID)
//	logger.Warn("durable backend probe failed: %v", err)
//	logger.Error("failed to load checkpoint: %v", err)
//
// ## Custom Output
//
//	file, err := os.OpenFile("app.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer file.Close()
//
//	logger := log.NewCustomLogger(file, log.LogLevelDebug)
//	logger.Debug("This will go to the file")
//
// # Error-Path Isolation
//
// Store and manager code logs failures before returning them. A logging failure
// must never change the outcome of the operation being logged, so error paths
// wrap their log calls with Quietly:
//
//	log.Quietly(func() {
//		logger.Error("failed to put checkpoint %s: %v", cp.ID, err)
//	})
//	return err
//
// Quietly swallows panics raised by a misbehaving Logger implementation; the
// error already computed is returned unchanged.
//
// # golog Integration
//
// For users who prefer the `github.com/kataras/golog` library, we provide a
// minimal wrapper:
//
//	import "github.com/kataras/golog"
//
//	glogger := golog.New()
//	glogger.SetPrefix("[MyApp] ")
//
//	logger := log.NewGologLogger(glogger)
//	logger.Info("Application started")
//	logger.SetLevel(log.LogLevelDebug)
//	logger.Debug("Debug information")
//
// Key points:
//   - `NewGologLogger()` requires an existing golog.Logger instance
//   - Implements the same Logger interface as other loggers
//   - Respects this package's log levels while using golog's formatting
//   - Minimal wrapper - just forwards calls to the underlying golog logger
//
// # Thread Safety
//
// The DefaultLogger implementation is thread-safe and can be used concurrently
// from multiple goroutines. The underlying log.Logger from Go's standard library
// handles synchronization internally.
package log
