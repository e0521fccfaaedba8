// Package metrics aggregates request outcomes and user errors published on
// the runner's event bus.
//
// # Collector
//
// The [Collector] keeps an HDR latency histogram for the whole run and one
// per request (method and name), plus a deduplicated error table:
//
//	collector := metrics.NewCollector()
//	collector.RecordRequest("GET", "/api/users", latency, 512, "")
//	stats := collector.Stats(elapsed)
//
// Errors are keyed by method, name and normalized message; memory addresses
// such as "0xc000123456" are masked so one failure mode maps to one row.
//
// # Exporter
//
// The [Exporter] mirrors the same events into Prometheus collectors on its
// own registry and serves them with promhttp:
//
//	exporter := metrics.NewExporter(metrics.DefaultBuckets)
//	go exporter.Serve(ctx, ":8089")
//
// # Sink
//
// A [Sink] subscribes a Collector and an Exporter to an [events.Bus]. On a
// coordinator it consumes WorkerReport events; locally it consumes Request
// and UserError events directly.
package metrics
