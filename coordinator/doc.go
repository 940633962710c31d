// Package coordinator ties the scheduler, workflow engine, dependency
// injector and checkpoint manager together behind one facade.
//
// Schedule and ResumeSchedule run flat task lists in batches.
// ExecuteWorkflow and ResumeWorkflow walk workflow graphs.
// CreateTaskWorkflow bridges the two by turning a task list into a graph
// whose TASK nodes run on the worker pool.
package coordinator
