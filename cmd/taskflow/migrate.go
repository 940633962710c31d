package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/BaSui01/taskflow/internal/migration"
)

// schemaMigrator is the part of *migration.Migrator the migrate command drives.
type schemaMigrator interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	Reset(ctx context.Context) error
	Steps(ctx context.Context, n int) error
	Goto(ctx context.Context, version uint) error
	Force(ctx context.Context, version int) error
	Version(ctx context.Context) (uint, bool, error)
	Status(ctx context.Context) ([]migration.Status, error)
	Close() error
}

func openMigrator(ctx context.Context, configPath, driver string) (*migration.Migrator, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := initLogger(cfg.Log)
	dbCfg := cfg.Database
	switch {
	case driver != "":
		dbCfg.Driver = driver
	case isSQLBackend(cfg.Checkpoint.Backend):
		dbCfg.Driver = cfg.Checkpoint.Backend
	}
	return migration.Open(ctx, dbCfg, logger)
}

func isSQLBackend(backend string) bool {
	switch strings.ToLower(backend) {
	case "postgres", "mysql":
		return true
	}
	return false
}

func migrateCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "migrate: expected up, down, reset, steps, goto, force, version or status")
		return errUsage
	}
	sub := args[0]
	switch sub {
	case "up", "down", "reset", "steps", "goto", "force", "version", "status":
	default:
		fmt.Fprintf(stderr, "migrate: unknown subcommand %q\n", sub)
		return errUsage
	}

	fs := flag.NewFlagSet("migrate "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	driver := fs.String("driver", "", "Database driver (postgres or mysql); defaults to the checkpoint backend")
	if err := parseFlags(fs, args[1:]); err != nil {
		return err
	}

	var arg int
	if sub == "steps" || sub == "goto" || sub == "force" {
		if fs.NArg() != 1 {
			fmt.Fprintf(stderr, "migrate %s: expected one numeric argument\n", sub)
			return errUsage
		}
		n, err := strconv.Atoi(fs.Arg(0))
		if err != nil || (sub == "goto" && n < 0) {
			fmt.Fprintf(stderr, "migrate %s: invalid number %q\n", sub, fs.Arg(0))
			return errUsage
		}
		arg = n
	}

	m, err := openMigrator(ctx, *configPath, *driver)
	if err != nil {
		return err
	}
	defer m.Close()
	return runMigration(ctx, m, sub, arg, stdout)
}

func runMigration(ctx context.Context, m schemaMigrator, sub string, arg int, w io.Writer) error {
	var err error
	switch sub {
	case "up":
		err = m.Up(ctx)
	case "down":
		err = m.Down(ctx)
	case "reset":
		err = m.Reset(ctx)
	case "steps":
		err = m.Steps(ctx, arg)
	case "goto":
		err = m.Goto(ctx, uint(arg))
	case "force":
		err = m.Force(ctx, arg)
	case "status":
		return printMigrationStatus(ctx, m, w)
	}
	if err != nil {
		return err
	}

	version, dirty, err := m.Version(ctx)
	if err != nil {
		return err
	}
	switch {
	case version == 0:
		fmt.Fprintln(w, "No migrations applied yet")
	case dirty:
		fmt.Fprintf(w, "Current version: %d (dirty)\n", version)
	default:
		fmt.Fprintf(w, "Current version: %d\n", version)
	}
	return nil
}

func printMigrationStatus(ctx context.Context, m schemaMigrator, w io.Writer) error {
	statuses, err := m.Status(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS")
	for _, s := range statuses {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", s.Version, s.Name, state)
	}
	return tw.Flush()
}
