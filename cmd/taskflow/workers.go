package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/BaSui01/taskflow/scheduler"
	"github.com/BaSui01/taskflow/types"
)

// Built-in worker names.
const (
	echoWorkerName = "echo"
	execWorkerName = "exec"
)

// echoWorker returns its input. Maps and JSON objects become parsed data so
// downstream input mappings can address their fields.
type echoWorker struct{}

func (echoWorker) Name() string { return echoWorkerName }

func (echoWorker) Execute(_ context.Context, input any) (*types.TaskResult, error) {
	return types.Succeeded("", input, parseOutput(input)), nil
}

// execWorker runs a shell command. A string input is passed to "sh -c"; a
// list input is executed directly as argv. Stdout is the task output and a
// JSON object on stdout is also exposed as parsed data.
type execWorker struct {
	shell string
}

func (execWorker) Name() string { return execWorkerName }

func (w execWorker) Execute(ctx context.Context, input any) (*types.TaskResult, error) {
	cmd, err := w.command(ctx, input)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		res := types.Failed("", err)
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			res.Error = fmt.Sprintf("%v: %s", err, msg)
		}
		res.Output = strings.TrimSpace(stdout.String())
		return res, nil
	}

	out := strings.TrimSpace(stdout.String())
	return types.Succeeded("", out, parseOutput(out)), nil
}

func (w execWorker) command(ctx context.Context, input any) (*exec.Cmd, error) {
	shell := w.shell
	if shell == "" {
		shell = "sh"
	}
	switch v := input.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, types.NewError(types.ErrValidation, "exec worker requires a command")
		}
		return exec.CommandContext(ctx, shell, "-c", v), nil
	case []any:
		argv := make([]string, 0, len(v))
		for _, a := range v {
			argv = append(argv, fmt.Sprint(a))
		}
		if len(argv) == 0 {
			return nil, types.NewError(types.ErrValidation, "exec worker requires a command")
		}
		return exec.CommandContext(ctx, argv[0], argv[1:]...), nil
	case []string:
		if len(v) == 0 {
			return nil, types.NewError(types.ErrValidation, "exec worker requires a command")
		}
		return exec.CommandContext(ctx, v[0], v[1:]...), nil
	default:
		return nil, types.Errorf(types.ErrValidation, "exec worker cannot run input of type %T", input)
	}
}

func parseOutput(v any) map[string]any {
	switch x := v.(type) {
	case map[string]any:
		return x
	case string:
		s := strings.TrimSpace(x)
		if !strings.HasPrefix(s, "{") {
			return nil
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return nil
		}
		return parsed
	}
	return nil
}

// fallbackPolicy honours the "worker" metadata and otherwise routes to a
// fixed default worker instead of round-robin.
type fallbackPolicy struct {
	fallback string
}

func (p fallbackPolicy) Select(task *types.Task, candidates []string) string {
	preferred := task.MetaString(types.MetaWorker)
	if preferred == "" {
		preferred = p.fallback
	}
	for _, c := range candidates {
		if c == preferred {
			return c
		}
	}
	return candidates[0]
}

func newWorkerPool(cfg workerSettings) (*scheduler.WorkerPool, error) {
	pool := scheduler.NewWorkerPool(cfg.logger, scheduler.WithSelectionPolicy(fallbackPolicy{fallback: echoWorkerName}))
	concurrency := max(cfg.concurrency, 1)
	for _, w := range []scheduler.Worker{echoWorker{}, execWorker{}} {
		if err := pool.Register(w, scheduler.WorkerOptions{MaxConcurrent: concurrency}); err != nil {
			return nil, err
		}
	}
	return pool, nil
}
