package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// =============================================================================
// Embedded Migration Files
// =============================================================================

//go:embed migrations/postgres/*.sql
var postgresFS embed.FS

//go:embed migrations/mysql/*.sql
var mysqlFS embed.FS

// =============================================================================
// Types
// =============================================================================

// Dialect is a server database with versioned checkpoint schema migrations.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// DefaultTable records the applied schema version.
const DefaultTable = "taskflow_schema_migrations"

// Migration is one embedded up/down pair.
type Migration struct {
	Version uint
	Name    string
}

// Status is a migration together with whether it has been applied.
type Status struct {
	Version uint
	Name    string
	Applied bool
	Dirty   bool
}

// Info summarizes the schema state of a database.
type Info struct {
	CurrentVersion    uint
	Dirty             bool
	TotalMigrations   int
	AppliedMigrations int
	PendingMigrations int
}

// Config configures a Migrator.
type Config struct {
	Dialect Dialect
	// Table defaults to DefaultTable.
	Table string
	// LockTimeout bounds the wait for the migration lock; default 15s.
	LockTimeout time.Duration
}

// Migrator applies the embedded checkpoint schema migrations with
// golang-migrate.
type Migrator struct {
	dialect Dialect
	migrate *migrate.Migrate
	closer  io.Closer
	logger  *zap.Logger
}

// New builds a migrator on db. The migrator takes ownership of db and
// closes it in Close.
func New(db *sql.DB, cfg Config, logger *zap.Logger) (*Migrator, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 15 * time.Second
	}

	driver, err := databaseDriver(db, cfg)
	if err != nil {
		return nil, err
	}
	src, err := sourceDriver(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	mg, err := migrate.NewWithInstance("iofs", src, string(cfg.Dialect), driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	mg.LockTimeout = cfg.LockTimeout

	logger = logger.With(zap.String("component", "migration"), zap.String("dialect", string(cfg.Dialect)))
	mg.Log = migrateLogger{logger: logger.Sugar()}

	return &Migrator{dialect: cfg.Dialect, migrate: mg, logger: logger}, nil
}

func databaseDriver(db *sql.DB, cfg Config) (database.Driver, error) {
	switch cfg.Dialect {
	case DialectPostgres:
		return postgres.WithInstance(db, &postgres.Config{MigrationsTable: cfg.Table})
	case DialectMySQL:
		return mysql.WithInstance(db, &mysql.Config{MigrationsTable: cfg.Table})
	default:
		return nil, fmt.Errorf("unsupported migration dialect: %q", cfg.Dialect)
	}
}

func embedded(d Dialect) (fs.FS, string, error) {
	switch d {
	case DialectPostgres:
		return postgresFS, "migrations/postgres", nil
	case DialectMySQL:
		return mysqlFS, "migrations/mysql", nil
	default:
		return nil, "", fmt.Errorf("unsupported migration dialect: %q", d)
	}
}

func sourceDriver(d Dialect) (source.Driver, error) {
	fsys, path, err := embedded(d)
	if err != nil {
		return nil, err
	}
	return iofs.New(fsys, path)
}

// =============================================================================
// Operations
// =============================================================================

// run executes op and asks golang-migrate to stop after the current
// migration once ctx is done.
func (m *Migrator) run(ctx context.Context, op string, fn func() error) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			select {
			case m.migrate.GracefulStop <- true:
			default:
			}
		case <-stop:
		}
	}()

	start := time.Now()
	err := fn()
	if errors.Is(err, migrate.ErrNoChange) {
		m.logger.Debug("schema already current", zap.String("op", op))
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration %s failed: %w", op, err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("migration %s interrupted: %w", op, ctx.Err())
	}
	m.logger.Info("migration applied", zap.String("op", op), zap.Duration("duration", time.Since(start)))
	return nil
}

// Up applies all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	return m.run(ctx, "up", m.migrate.Up)
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.run(ctx, "down", func() error { return m.migrate.Steps(-1) })
}

// Reset rolls back every migration.
func (m *Migrator) Reset(ctx context.Context) error {
	return m.run(ctx, "reset", m.migrate.Down)
}

// Steps applies (n > 0) or rolls back (n < 0) n migrations.
func (m *Migrator) Steps(ctx context.Context, n int) error {
	return m.run(ctx, "steps", func() error { return m.migrate.Steps(n) })
}

// Goto migrates up or down to version.
func (m *Migrator) Goto(ctx context.Context, version uint) error {
	return m.run(ctx, "goto", func() error { return m.migrate.Migrate(version) })
}

// Force records version as applied and clears the dirty flag without
// running any SQL.
func (m *Migrator) Force(_ context.Context, version int) error {
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("migration force failed: %w", err)
	}
	return nil
}

// Version returns the applied version; 0 when nothing was applied.
func (m *Migrator) Version(_ context.Context) (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return version, dirty, nil
}

// Status lists every embedded migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]Status, error) {
	version, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	migrations, err := Available(m.dialect)
	if err != nil {
		return nil, err
	}
	return statusAt(migrations, version, dirty), nil
}

// Info summarizes Status.
func (m *Migrator) Info(ctx context.Context) (*Info, error) {
	statuses, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	version, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	return summarize(statuses, version, dirty), nil
}

// Close releases the source, the database driver and any pool opened by
// Open.
func (m *Migrator) Close() error {
	var errs []error
	srcErr, dbErr := m.migrate.Close()
	if srcErr != nil {
		errs = append(errs, srcErr)
	}
	if dbErr != nil {
		errs = append(errs, dbErr)
	}
	if m.closer != nil {
		if err := m.closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Embedded migration listing
// =============================================================================

// Available lists the embedded migrations of d in version order.
func Available(d Dialect) ([]Migration, error) {
	fsys, path, err := embedded(d)
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}

	seen := make(map[uint]bool)
	var out []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		// 000001_create_checkpoints.up.sql
		num, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.ParseUint(num, 10, 32)
		if err != nil || seen[uint(version)] {
			continue
		}
		seen[uint(version)] = true
		out = append(out, Migration{Version: uint(version), Name: strings.TrimSuffix(rest, ".up.sql")})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func statusAt(migrations []Migration, version uint, dirty bool) []Status {
	out := make([]Status, 0, len(migrations))
	for _, mg := range migrations {
		out = append(out, Status{
			Version: mg.Version,
			Name:    mg.Name,
			Applied: mg.Version <= version,
			Dirty:   dirty && mg.Version == version,
		})
	}
	return out
}

func summarize(statuses []Status, version uint, dirty bool) *Info {
	info := &Info{CurrentVersion: version, Dirty: dirty, TotalMigrations: len(statuses)}
	for _, s := range statuses {
		if s.Applied {
			info.AppliedMigrations++
		}
	}
	info.PendingMigrations = info.TotalMigrations - info.AppliedMigrations
	return info
}

// ParseDialect maps a database driver name to a migration dialect. SQLite
// is rejected: the embedded checkpoint store manages its own schema.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return "", fmt.Errorf("sqlite checkpoint databases are migrated by the store itself")
	default:
		return "", fmt.Errorf("unsupported migration dialect: %q", s)
	}
}

// migrateLogger routes golang-migrate's log lines to zap.
type migrateLogger struct {
	logger *zap.SugaredLogger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Debugf(strings.TrimSuffix(format, "\n"), v...)
}

func (l migrateLogger) Verbose() bool { return false }
