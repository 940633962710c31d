package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/taskflow/checkpoint"
	"github.com/BaSui01/taskflow/coordinator"
	"github.com/BaSui01/taskflow/scheduler"
	"github.com/BaSui01/taskflow/types"
	"github.com/BaSui01/taskflow/workflow"
	"github.com/BaSui01/taskflow/workflow/dsl"
)

type fileKind int

const (
	kindTasks fileKind = iota
	kindWorkflow
)

// detectKind tells task files from workflow definitions by their top-level keys.
func detectKind(path string) (fileKind, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, types.NewError(types.ErrValidation, "failed to read "+path).WithCause(err)
	}
	var top map[string]any
	if err := yaml.Unmarshal(data, &top); err != nil {
		return 0, types.NewError(types.ErrValidation, "invalid YAML in "+path).WithCause(err)
	}
	switch {
	case top["nodes"] != nil:
		return kindWorkflow, nil
	case top["tasks"] != nil:
		return kindTasks, nil
	default:
		return 0, types.Errorf(types.ErrValidation, "%s has neither tasks nor nodes", path)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// run / resume
// =============================================================================

type runFlags struct {
	configPath  string
	executionID string
	vars        varFlags
	file        string
}

func newRunFlags(name string, stderr io.Writer) (*flag.FlagSet, *runFlags) {
	rf := &runFlags{vars: varFlags{}}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&rf.configPath, "config", "", "Path to config file")
	fs.StringVar(&rf.executionID, "execution-id", "", "Execution id (generated when empty)")
	fs.Var(rf.vars, "var", "Workflow variable as key=value (repeatable)")
	return fs, rf
}

func (rf *runFlags) parse(fs *flag.FlagSet, args []string) error {
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(fs.Output(), "%s: exactly one file is required\n", fs.Name())
		return errUsage
	}
	rf.file = fs.Arg(0)
	return nil
}

func runCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, rf := newRunFlags("run", stderr)
	if err := rf.parse(fs, args); err != nil {
		return err
	}
	if rf.executionID == "" {
		rf.executionID = uuid.NewString()
	}
	return execute(ctx, rf, false, stdout)
}

func resumeCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, rf := newRunFlags("resume", stderr)
	if err := rf.parse(fs, args); err != nil {
		return err
	}
	if rf.executionID == "" {
		fmt.Fprintln(stderr, "resume: --execution-id is required")
		return errUsage
	}
	return execute(ctx, rf, true, stdout)
}

func execute(ctx context.Context, rf *runFlags, resume bool, stdout io.Writer) error {
	kind, err := detectKind(rf.file)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, rf.configPath, nil)
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.Info("starting",
		zap.String("file", rf.file),
		zap.String("execution_id", rf.executionID),
		zap.Bool("resume", resume))

	if kind == kindWorkflow {
		err = a.runWorkflow(ctx, rf, resume, stdout)
	} else {
		err = a.runTasks(ctx, rf, resume, stdout)
	}
	a.prune(context.WithoutCancel(ctx), rf.executionID)
	return err
}

func (a *app) runTasks(ctx context.Context, rf *runFlags, resume bool, stdout io.Writer) error {
	tf, err := dsl.NewParser(a.logger).ParseTaskFile(rf.file)
	if err != nil {
		return err
	}
	tasks := tf.ToTasks()

	if d := tf.RunTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var result *types.ExecutionResult
	if resume {
		result, err = a.coord.ResumeSchedule(ctx, rf.executionID, tasks)
	} else {
		mode := tf.ExecutionMode()
		if tf.Mode == "" {
			mode = types.ExecutionMode(strings.ToLower(a.cfg.Scheduler.DefaultMode))
		}
		result, err = a.coord.ScheduleWithID(ctx, rf.executionID, tasks, mode)
	}
	if result != nil {
		if werr := writeJSON(stdout, result); werr != nil && err == nil {
			err = werr
		}
	}
	if err != nil {
		return err
	}
	if failed := result.Failed(); len(failed) > 0 {
		return types.Errorf(types.ErrTaskExecution, "%d of %d tasks did not succeed", len(failed), len(result.Results)).
			WithIDs(failed...)
	}
	return nil
}

func (a *app) runWorkflow(ctx context.Context, rf *runFlags, resume bool, stdout io.Writer) error {
	parser := dsl.NewParser(a.logger, dsl.WithTaskHandler(a.coord.TaskHandler))
	compiled, err := parser.ParseFile(rf.file, rf.vars)
	if err != nil {
		return err
	}

	var state *workflow.State
	if resume {
		state, err = a.coord.ResumeWorkflow(ctx, rf.executionID, compiled.Graph)
	} else {
		state, err = a.coord.ExecuteWorkflow(ctx, compiled.Graph, coordinator.ExecuteOptions{
			ExecutionID:  rf.executionID,
			InitialState: compiled.InitialState,
		})
	}
	if state != nil {
		if werr := writeJSON(stdout, state); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// =============================================================================
// validate
// =============================================================================

func validateCommand(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	vars := varFlags{}
	fs.Var(vars, "var", "Workflow variable as key=value (repeatable)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "validate: exactly one file is required")
		return errUsage
	}
	path := fs.Arg(0)

	kind, err := detectKind(path)
	if err != nil {
		return err
	}

	if kind == kindTasks {
		tf, err := dsl.NewParser(nil).ParseTaskFile(path)
		if err != nil {
			return err
		}
		// Planning surfaces unknown dependencies and cycles.
		graph, err := scheduler.BuildTaskGraph(tf.ToTasks())
		if err != nil {
			return err
		}
		batches, err := graph.Batches()
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s: valid task file (%d tasks, %d batches, mode %s)\n",
			path, graph.Len(), len(batches), tf.ExecutionMode())
		return nil
	}

	stub := func(*types.Task) workflow.Handler {
		return func(context.Context, *workflow.State) (workflow.Update, error) { return nil, nil }
	}
	compiled, err := dsl.NewParser(nil, dsl.WithTaskHandler(stub)).ParseFile(path, vars)
	if err != nil {
		return err
	}
	for _, finding := range workflow.Validate(compiled.Graph) {
		fmt.Fprintf(stdout, "warning: %s\n", finding)
	}
	fmt.Fprintf(stdout, "%s: valid workflow %q (%d nodes)\n", path, compiled.Definition.Name, len(compiled.Definition.Nodes))
	return nil
}

// =============================================================================
// checkpoints
// =============================================================================

func checkpointsCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "checkpoints: expected list or cleanup")
		return errUsage
	}

	fs := flag.NewFlagSet("checkpoints "+args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	executionID := fs.String("execution-id", "", "Restrict to one execution")

	switch args[0] {
	case "list":
		status := fs.String("status", "", "Filter by status")
		limit := fs.Int("limit", 0, "Maximum number of checkpoints")
		asJSON := fs.Bool("json", false, "Print JSON")
		if err := parseFlags(fs, args[1:]); err != nil {
			return err
		}
		store, closeAll, err := openStoreOnly(ctx, *configPath)
		if err != nil {
			return err
		}
		defer closeAll()

		cps, err := store.List(ctx, checkpoint.ListOptions{
			ExecutionID: *executionID,
			Status:      checkpoint.Status(strings.ToLower(*status)),
			Limit:       *limit,
		})
		if err != nil {
			return err
		}
		if *asJSON {
			return writeJSON(stdout, cps)
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CHECKPOINT\tEXECUTION\tSTATUS\tCURRENT\tTIME")
		for _, cp := range cps {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				cp.CheckpointID, cp.ExecutionID, cp.Status, cp.CurrentNode, cp.Time().Format(time.RFC3339))
		}
		return tw.Flush()

	case "cleanup":
		keep := fs.Int("keep", -1, "Checkpoints to keep per execution (default checkpoint.keep_latest)")
		olderThan := fs.Duration("older-than", 0, "Only delete checkpoints older than this")
		if err := parseFlags(fs, args[1:]); err != nil {
			return err
		}
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		store, closeAll, err := openStoreOnly(ctx, *configPath)
		if err != nil {
			return err
		}
		defer closeAll()

		opts := checkpoint.CleanupOptions{ExecutionID: *executionID, KeepLatest: *keep}
		if opts.KeepLatest < 0 {
			opts.KeepLatest = cfg.Checkpoint.KeepLatest
		}
		if *olderThan > 0 {
			opts.OlderThan = time.Now().Add(-*olderThan)
		}
		n, err := store.Cleanup(ctx, opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "deleted %d checkpoints\n", n)
		return nil

	default:
		fmt.Fprintf(stderr, "checkpoints: unknown subcommand %q\n", args[0])
		return errUsage
	}
}

func openStoreOnly(ctx context.Context, configPath string) (checkpoint.Store, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := initLogger(cfg.Log)
	store, closer, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		store.Close()
		closer.Close()
		_ = logger.Sync()
	}, nil
}
