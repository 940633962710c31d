// Package server runs the optional HTTP listener that exposes Prometheus
// metrics and a liveness probe next to a TaskFlow CLI run.
package server
