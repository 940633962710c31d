// Copyright (c) TaskFlow Authors.
// Licensed under the MIT License.

/*
Package workflow runs directed workflow graphs over a shared key-value
state.

# Graphs

A Graph holds nodes (start, end, task, condition, parallel, loop) and edges
(normal, conditional, loop_back). Builder offers a fluent way to assemble
one; Validate reports structural problems such as unreachable nodes or
missing END nodes as warnings.

# Execution

Engine walks a graph from its START node. Each node's Handler receives a
copy of the State and returns an Update, merged through the per-key
Reducer (last write wins by default). When several edges qualify the walk
forks: every branch runs concurrently on its own copy of the state until
the branches reconverge, and the branch updates are replayed in edge order.

Loop-back edges carry an iteration counter bounded by a ceiling
(DefaultMaxLoopIterations unless the run, graph or engine sets one).

# Checkpoints

With WithCheckpoints the engine writes a RUNNING checkpoint as it moves
between nodes and a final COMPLETED, FAILED or PAUSED checkpoint when the
run ends. Resume continues an execution from its latest checkpoint without
re-running the nodes it records as completed.

The dsl subpackage loads graphs from YAML.
*/
package workflow
