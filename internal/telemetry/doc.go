// Package telemetry bootstraps the OpenTelemetry SDK for TaskFlow.
// With telemetry disabled the global providers stay noop and nothing
// connects to a collector.
package telemetry
