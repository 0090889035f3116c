// Package debug serves a read-mostly HTTP view of a running kernel.
//
// Routes:
//   - GET  /health                       liveness
//   - GET  /metrics                      Prometheus exposition of monitoring.Metrics
//   - GET  /debug/stats                  JSON snapshot of the same counters
//   - GET  /debug/jobs                   the task tree under the root job
//   - GET  /debug/processes/:koid        one process with its threads
//   - POST /debug/processes/:koid/kill   kill one process
//   - GET  /debug/log/level              current log level
//   - PUT  /debug/log/level              change it: {"level": "debug"}
//
// Every response carries an X-Trace-ID header. The metrics routes are only
// registered when the server is given a metrics collector.
//
// Example Usage:
//
//	srv := debug.NewServer(debug.Options{
//	    Config:  cfg.Debug,
//	    Metrics: metrics,
//	    Logger:  logger,
//	})
//	go srv.Run(ctx)
package debug
