// Package dsl reads workflow definitions and scheduler task files written
// in YAML and compiles them into workflow graphs and task lists. Edge
// conditions and node "set" values are small expressions over the
// workflow state, compiled once at load time.
package dsl
