// Package sqlite stores the dump catalogue in SQLite.
//
// The schema is embedded and applied on open; every statement is
// prepared once. Statements run in autocommit mode: each dump row is
// committed as soon as it is recorded, so a run that dies half way
// leaves a catalogue matching the files already on disk.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/frobware/go-bufdump"
	"github.com/frobware/go-bufdump/catalog"
	"github.com/frobware/go-bufdump/logging"
)

//go:embed schema.sql
var schemaSQL string

// Store is a SQLite-backed dump catalogue.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	stmtInsertRun  *sql.Stmt
	stmtFinishRun  *sql.Stmt
	stmtGetRun     *sql.Stmt
	stmtListRuns   *sql.Stmt
	stmtInsertDump *sql.Stmt
	stmtListDumps  *sql.Stmt
}

var _ catalog.Recorder = (*Store)(nil)

// New opens, creating if needed, the catalogue at dbPath. Failures
// are *bufdump.FileError with Op "catalog", as are those of BeginRun
// and FinishRun.
func New(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "catalog", "db", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, catalogError(dbPath, fmt.Errorf("failed to create catalog directory: %w", err))
	}

	db, err := sql.Open(driverName, dsn(dbPath, [][2]string{{"journal_mode", "WAL"}, {"foreign_keys", "1"}}))
	if err != nil {
		return nil, catalogError(dbPath, fmt.Errorf("failed to open catalog: %w", err))
	}
	return open(ctx, db, dbPath, logger)
}

// NewInMemory opens a private in-memory catalogue.
func NewInMemory(ctx context.Context, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "catalog", "db", ":memory:")

	db, err := sql.Open(driverName, dsn(":memory:", [][2]string{{"foreign_keys", "1"}}))
	if err != nil {
		return nil, catalogError(":memory:", fmt.Errorf("failed to open in-memory catalog: %w", err))
	}
	// Each connection to :memory: is a different database.
	db.SetMaxOpenConns(1)
	return open(ctx, db, ":memory:", logger)
}

func open(ctx context.Context, db *sql.DB, path string, logger *slog.Logger) (*Store, error) {
	s := &Store{db: db, path: path, logger: logger}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, catalogError(path, fmt.Errorf("failed to apply catalog schema: %w", err))
	}
	if err := s.prepare(ctx); err != nil {
		s.Close()
		return nil, catalogError(path, err)
	}
	logger.Debug("opened catalog")
	return s, nil
}

func (s *Store) prepare(ctx context.Context) error {
	stmts := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.stmtInsertRun, `INSERT INTO runs (id, started_at, mode, core, exec, swap, symbol, head)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`},
		{&s.stmtFinishRun, `UPDATE runs SET finished_at = ?, nodes = ?, bytes = ? WHERE id = ?`},
		{&s.stmtGetRun, `SELECT id, started_at, finished_at, mode, core, exec, swap, symbol, head, nodes, bytes
			FROM runs WHERE id = ?`},
		{&s.stmtListRuns, `SELECT id FROM runs ORDER BY started_at, id`},
		{&s.stmtInsertDump, `INSERT INTO dumps (run_id, seq, node, next, owner, data, size, file)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`},
		{&s.stmtListDumps, `SELECT run_id, seq, node, next, owner, data, size, file
			FROM dumps WHERE run_id = ? ORDER BY seq`},
	}

	for _, st := range stmts {
		stmt, err := s.db.PrepareContext(ctx, st.query)
		if err != nil {
			return fmt.Errorf("failed to prepare catalog statement: %w", err)
		}
		*st.dst = stmt
	}
	return nil
}

// Close closes the prepared statements and the database.
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.stmtInsertRun,
		s.stmtFinishRun,
		s.stmtGetRun,
		s.stmtListRuns,
		s.stmtInsertDump,
		s.stmtListDumps,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

// BeginRun records the start of a run.
func (s *Store) BeginRun(ctx context.Context, r catalog.Run) error {
	_, err := s.stmtInsertRun.ExecContext(ctx,
		r.ID, r.StartedAt.UTC().Format(time.RFC3339Nano),
		r.Mode, r.Core, r.Exec, r.Swap, r.Symbol, r.Head.String())
	if err != nil {
		return catalogError(s.path, fmt.Errorf("begin run %s: %w", r.ID, err))
	}
	s.logger.Debug("began run", "run", r.ID, "mode", r.Mode, "head", r.Head)
	return nil
}

// FinishRun records the totals of a completed run.
func (s *Store) FinishRun(ctx context.Context, id string, finishedAt time.Time, nodes int, bytes int64) error {
	res, err := s.stmtFinishRun.ExecContext(ctx, finishedAt.UTC().Format(time.RFC3339Nano), nodes, bytes, id)
	if err != nil {
		return catalogError(s.path, fmt.Errorf("finish run %s: %w", id, err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return catalogError(s.path, fmt.Errorf("finish run %s: no such run", id))
	}
	return nil
}

// GetRun returns a recorded run.
func (s *Store) GetRun(ctx context.Context, id string) (catalog.Run, error) {
	var (
		r                catalog.Run
		started, head    string
		finished         sql.NullString
		mode, core, exec string
		swap, symbol     string
	)
	err := s.stmtGetRun.QueryRowContext(ctx, id).Scan(
		&r.ID, &started, &finished, &mode, &core, &exec, &swap, &symbol, &head, &r.Nodes, &r.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Run{}, fmt.Errorf("run %s: not found", id)
	}
	if err != nil {
		return catalog.Run{}, fmt.Errorf("get run %s: %w", id, err)
	}

	if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return catalog.Run{}, fmt.Errorf("run %s: started_at: %w", id, err)
	}
	if finished.Valid {
		if r.FinishedAt, err = time.Parse(time.RFC3339Nano, finished.String); err != nil {
			return catalog.Run{}, fmt.Errorf("run %s: finished_at: %w", id, err)
		}
	}
	if r.Head, err = parseAddress(head); err != nil {
		return catalog.Run{}, fmt.Errorf("run %s: head: %w", id, err)
	}
	r.Mode, r.Core, r.Exec, r.Swap, r.Symbol = mode, core, exec, swap, symbol
	return r, nil
}

// ListRuns returns every recorded run, oldest first.
func (s *Store) ListRuns(ctx context.Context) ([]catalog.Run, error) {
	rows, err := s.stmtListRuns.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("list runs: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	// The in-memory store has a single connection, so the rows must be
	// closed before GetRun can run.
	runs := make([]catalog.Run, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}

// RecordDump records one exported buffer.
func (s *Store) RecordDump(ctx context.Context, d catalog.Dump) error {
	_, err := s.stmtInsertDump.ExecContext(ctx,
		d.RunID, d.Seq,
		d.Node.Addr.String(), d.Node.Next.String(), d.Node.Owner.String(), d.Node.Data.String(),
		d.Node.Size, d.File)
	if err != nil {
		return fmt.Errorf("record dump %s: %w", d.File, err)
	}
	s.logger.Log(ctx, logging.LevelTrace.ToSlog(), "recorded dump", "run", d.RunID, "seq", d.Seq, "file", d.File)
	return nil
}

// ListDumps returns a run's dumps in walk order.
func (s *Store) ListDumps(ctx context.Context, runID string) ([]catalog.Dump, error) {
	rows, err := s.stmtListDumps.QueryContext(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list dumps of run %s: %w", runID, err)
	}
	defer rows.Close()

	var dumps []catalog.Dump
	for rows.Next() {
		var (
			d                       catalog.Dump
			node, next, owner, data string
		)
		if err := rows.Scan(&d.RunID, &d.Seq, &node, &next, &owner, &data, &d.Node.Size, &d.File); err != nil {
			return nil, fmt.Errorf("list dumps of run %s: %w", runID, err)
		}

		addrs := []struct {
			s   string
			dst *bufdump.Address
		}{
			{node, &d.Node.Addr},
			{next, &d.Node.Next},
			{owner, &d.Node.Owner},
			{data, &d.Node.Data},
		}
		for _, a := range addrs {
			if *a.dst, err = parseAddress(a.s); err != nil {
				return nil, fmt.Errorf("list dumps of run %s: %w", runID, err)
			}
		}
		dumps = append(dumps, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dumps of run %s: %w", runID, err)
	}
	return dumps, nil
}

func catalogError(path string, err error) error {
	return &bufdump.FileError{Op: "catalog", Path: path, Err: err}
}

func parseAddress(s string) (bufdump.Address, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed address %q: %w", s, err)
	}
	return bufdump.Address(v), nil
}
