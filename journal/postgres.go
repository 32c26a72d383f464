package journal

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // postgres driver for golang_migrate
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"

	"github.com/oasisprotocol/govkeeper/log"
)

const postgresModuleName = "journal_postgres"

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded schema migrations to the database at endpoint.
func Migrate(endpoint string, logger *log.Logger) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, endpoint)
	if err != nil {
		return fmt.Errorf("initializing migrations: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Warn("failed to close migrator", "source_err", srcErr, "db_err", dbErr)
		}
	}()

	switch err = m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		logger.Info("no migrations needed to be applied")
	case err != nil:
		return fmt.Errorf("migrating journal schema: %w", err)
	default:
		logger.Info("migrations completed")
	}
	return nil
}

// pgxLogger routes pgx trace logs into our logger.
type pgxLogger struct {
	logger *log.Logger
}

func (l *pgxLogger) Log(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]interface{}) {
	args := make([]interface{}, 0, 2*len(data))
	for k, v := range data {
		args = append(args, k, v)
	}
	switch level {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		l.logger.Debug(msg, args...)
	case tracelog.LogLevelInfo:
		l.logger.Info(msg, args...)
	case tracelog.LogLevelWarn:
		l.logger.Warn(msg, args...)
	default:
		l.logger.Error(msg, args...)
	}
}

type postgresJournal struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

var _ Journal = (*postgresJournal)(nil)

// OpenPostgres connects to a migrated journal database.
func OpenPostgres(ctx context.Context, connString string, logger *log.Logger) (Journal, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	logger = logger.WithModule(postgresModuleName)
	cfg.ConnConfig.Tracer = &tracelog.TraceLog{
		LogLevel: tracelog.LogLevelWarn,
		Logger:   &pgxLogger{logger: logger.With("db", cfg.ConnConfig.Database)},
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &postgresJournal{pool: pool, logger: logger}, nil
}

const (
	columns = `id, label, target, value::TEXT, data, predecessor, salt, ready_at, schedule_tx, execute_tx, status, failure_reason, created_at, updated_at`

	upsertQuery = `
		INSERT INTO journal_operations (id, label, target, value, data, predecessor, salt, ready_at, schedule_tx, execute_tx, status, failure_reason)
			VALUES ($1, $2, $3, $4::TEXT::NUMERIC, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			label = excluded.label,
			ready_at = excluded.ready_at,
			schedule_tx = COALESCE(excluded.schedule_tx, journal_operations.schedule_tx),
			execute_tx = COALESCE(excluded.execute_tx, journal_operations.execute_tx),
			status = excluded.status,
			failure_reason = excluded.failure_reason,
			updated_at = now()`

	selectQuery = `SELECT ` + columns + ` FROM journal_operations WHERE id = $1`

	listQuery = `
		SELECT ` + columns + ` FROM journal_operations
			WHERE ($1::TEXT = '' OR status = $1::TEXT)
			ORDER BY ready_at, id`

	markQuery = `
		UPDATE journal_operations
			SET status = $2, execute_tx = COALESCE($3, execute_tx), failure_reason = $4, updated_at = now()
			WHERE id = $1`
)

func hashOrNil(h *ethCommon.Hash) []byte {
	if h == nil {
		return nil
	}
	return h.Bytes()
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e                             Entry
		id, target, predecessor, salt []byte
		scheduleTx, executeTx         []byte
		value, status                 string
		readyAt, createdAt, updatedAt time.Time
	)
	if err := row.Scan(&id, &e.Label, &target, &value, &e.Data, &predecessor, &salt, &readyAt, &scheduleTx, &executeTx, &status, &e.FailureReason, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.ID = ethCommon.BytesToHash(id)
	e.Target = ethCommon.BytesToAddress(target)
	if _, ok := e.Value.SetString(value, 10); !ok {
		return nil, fmt.Errorf("malformed value '%s'", value)
	}
	e.Predecessor = ethCommon.BytesToHash(predecessor)
	e.Salt = ethCommon.BytesToHash(salt)
	if scheduleTx != nil {
		h := ethCommon.BytesToHash(scheduleTx)
		e.ScheduleTx = &h
	}
	if executeTx != nil {
		h := ethCommon.BytesToHash(executeTx)
		e.ExecuteTx = &h
	}
	e.Status = Status(status)
	e.ReadyAt, e.CreatedAt, e.UpdatedAt = readyAt.UTC(), createdAt.UTC(), updatedAt.UTC()
	return &e, nil
}

// Record implements Journal.
func (j *postgresJournal) Record(ctx context.Context, e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	_, err := j.pool.Exec(ctx, upsertQuery,
		e.ID.Bytes(), e.Label, e.Target.Bytes(), e.Value.String(), []byte(e.Data),
		e.Predecessor.Bytes(), e.Salt.Bytes(), e.ReadyAt, hashOrNil(e.ScheduleTx), hashOrNil(e.ExecuteTx), string(e.Status), e.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("recording %s: %w", e.ID.Hex(), err)
	}
	return nil
}

// Get implements Journal.
func (j *postgresJournal) Get(ctx context.Context, id ethCommon.Hash) (*Entry, error) {
	e, err := scanEntry(j.pool.QueryRow(ctx, selectQuery, id.Bytes()))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", id.Hex(), err)
	}
	return e, nil
}

// List implements Journal.
func (j *postgresJournal) List(ctx context.Context, status Status) ([]*Entry, error) {
	rows, err := j.pool.Query(ctx, listQuery, string(status))
	if err != nil {
		return nil, fmt.Errorf("listing journal: %w", err)
	}
	defer rows.Close()

	entries := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (j *postgresJournal) mark(ctx context.Context, id ethCommon.Hash, status Status, executeTx *ethCommon.Hash, reason string) error {
	tag, err := j.pool.Exec(ctx, markQuery, id.Bytes(), string(status), hashOrNil(executeTx), reason)
	if err != nil {
		return fmt.Errorf("marking %s %s: %w", id.Hex(), status, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDone implements Journal.
func (j *postgresJournal) MarkDone(ctx context.Context, id ethCommon.Hash, executeTx *ethCommon.Hash) error {
	return j.mark(ctx, id, StatusDone, executeTx, "")
}

// MarkClosed implements Journal.
func (j *postgresJournal) MarkClosed(ctx context.Context, id ethCommon.Hash) error {
	return j.mark(ctx, id, StatusClosed, nil, "")
}

// MarkFailed implements Journal.
func (j *postgresJournal) MarkFailed(ctx context.Context, id ethCommon.Hash, reason string) error {
	return j.mark(ctx, id, StatusFailed, nil, reason)
}

// Reopen implements Journal.
func (j *postgresJournal) Reopen(ctx context.Context, id ethCommon.Hash) error {
	return j.mark(ctx, id, StatusOpen, nil, "")
}

// Close implements Journal.
func (j *postgresJournal) Close() error {
	j.logger.Info("closing journal")
	j.pool.Close()
	return nil
}
