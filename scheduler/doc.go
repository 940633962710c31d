// Package scheduler turns task lists into dependency-ordered batches and runs
// them against a pool of workers.
//
// TaskGraph validates the list and computes batches with Kahn's algorithm.
// BatchExecutor runs one batch concurrently; a failing task never cancels
// its siblings. Scheduler ties them together in PARALLEL, SERIAL or AUTO
// mode and optionally checkpoints after each batch so a run can be resumed.
package scheduler
