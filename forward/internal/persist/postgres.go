package persist

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/telhawk-forward/common/database"
	"github.com/telhawk-systems/telhawk-forward/common/logging"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/batch"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var recordColumns = []string{
	"destination", "recv_time", "correlator_id", "transaction_id",
	"fiware_service", "fiware_servicepath", "entity_id", "entity_type",
	"attr_name", "attr_type", "attr_value", "attr_md",
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	URL           string
	MaxConns      int32
	MinConns      int32
	RunMigrations bool
}

// Postgres writes one row per attribute into the forward_records table.
type Postgres struct {
	pool   *pgxpool.Pool
	naming Naming
	logger *logging.Logger
}

// NewPostgres connects to PostgreSQL and optionally applies the schema migrations.
func NewPostgres(ctx context.Context, cfg PostgresConfig, naming Naming, logger *logging.Logger) (*Postgres, error) {
	if logger == nil {
		logger = logging.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnLifetime = 5 * time.Minute
	poolCfg.MaxConnIdleTime = time.Minute

	if cfg.RunMigrations {
		logger.InfoContext(ctx, "Running database migrations")
		if err := Migrate(cfg.URL); err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "Database migrations completed")
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{pool: pool, naming: naming, logger: logger}, nil
}

// Migrate applies the embedded schema migrations to the database at url.
func Migrate(url string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (p *Postgres) Persist(ctx context.Context, b *batch.Batch) error {
	var rows [][]any
	for _, sb := range b.SubBatches() {
		dest := p.naming.Name(sb.Destination)
		for _, rec := range Records(sb.Destination, sb.Events) {
			for _, attr := range rec.Attributes {
				rows = append(rows, []any{
					dest, rec.RecvTime, rec.CorrelatorID, rec.TransactionID,
					rec.FiwareService, rec.FiwareServicePath, rec.EntityID, rec.EntityType,
					attr.Name, attr.Type, jsonOrNil(attr.Value), jsonOrNil(attr.Metadata),
				})
			}
		}
	}
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return classifyPgError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"forward_records"}, recordColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return classifyPgError(fmt.Errorf("failed to copy records: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(fmt.Errorf("failed to commit records: %w", err))
	}

	p.logger.DebugContext(ctx, "Batch inserted", "rows", n)
	return nil
}

// Ping checks a pooled connection.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := database.PingContext(ctx)
	defer cancel()
	return p.pool.Ping(ctx)
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func jsonOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// classifyPgError maps a PostgreSQL failure to a persistence class by SQLSTATE
// class: data exceptions and constraint violations are bad payloads, syntax,
// authorization and catalog errors are bad configuration, anything else
// (connection loss, resource exhaustion, shutdown) is transient.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return Transient(err)
	}
	if len(pgErr.Code) < 2 {
		return Runtime(err)
	}
	switch pgErr.Code[:2] {
	case "22", "23":
		return BadPayload(err)
	case "28", "3D", "3F", "42":
		return BadConfiguration(err)
	default:
		return Transient(err)
	}
}
