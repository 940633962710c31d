// =============================================================================
// TaskFlow command line
// =============================================================================
// Usage:
//
//	taskflow run [--config taskflow.yaml] [--execution-id id] [--var k=v] <file>
//	taskflow resume --execution-id id <file>
//	taskflow validate <file>
//	taskflow checkpoints list [--execution-id id] [--status s] [--limit n]
//	taskflow checkpoints cleanup [--execution-id id] [--keep n] [--older-than 24h]
//	taskflow migrate up|down|reset|status|version [--config taskflow.yaml] [--driver postgres]
//	taskflow migrate steps|goto|force <n>
//	taskflow version
//
// <file> is either a task file (top-level "tasks") run by the batch
// scheduler, or a workflow definition (top-level "nodes") run by the graph
// engine.
// =============================================================================

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/BaSui01/taskflow/types"
)

// Set at build time with -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return exitUsage
	}

	var err error
	switch args[0] {
	case "run":
		err = runCommand(ctx, args[1:], stdout, stderr)
	case "resume":
		err = resumeCommand(ctx, args[1:], stdout, stderr)
	case "validate":
		err = validateCommand(args[1:], stdout, stderr)
	case "checkpoints":
		err = checkpointsCommand(ctx, args[1:], stdout, stderr)
	case "migrate":
		err = migrateCommand(ctx, args[1:], stdout, stderr)
	case "version":
		printVersion(stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return exitUsage
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		return exitUsage
	default:
		fmt.Fprintf(stderr, "taskflow: %v\n", err)
		if code := types.GetErrorCode(err); code != "" {
			fmt.Fprintf(stderr, "error code: %s\n", code)
		}
		return exitFailure
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "TaskFlow %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `TaskFlow - task scheduling and workflow execution

Usage:
  taskflow <command> [options]

Commands:
  run          Run a task file or workflow definition
  resume       Resume an interrupted run from its latest checkpoint
  validate     Check a task file or workflow definition without running it
  checkpoints  List or clean up stored checkpoints
  migrate      Manage the postgres/mysql checkpoint schema
  version      Show version information
  help         Show this help message

Common options:
  --config <path>   Configuration file (YAML); TASKFLOW_* env vars override it

Examples:
  taskflow run pipeline.yaml
  taskflow run --var env=prod --execution-id nightly workflow.yaml
  taskflow resume --execution-id nightly workflow.yaml
  taskflow checkpoints list --execution-id nightly
  taskflow checkpoints cleanup --keep 3
  taskflow migrate status --driver mysql`)
}
