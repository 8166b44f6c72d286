// Package telemetry wires OpenTelemetry tracing and metrics into the bus.
//
// Spans are started per outgoing effect and per local handler execution; the
// W3C trace context travels in envelope headers so a receiving process can
// continue the trace. MetricsCollector records dispatch and handler counters
// and latencies through an OTel meter.
package telemetry
