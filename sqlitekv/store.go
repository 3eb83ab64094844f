// Package sqlitekv is the reference KVStore backing implementation: a
// sharded SQLite relational store with prepared statements.
package sqlitekv

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	epengine "github.com/CaptTofu/ep-engine"
)

// maxSteps bounds how many times a single statement execution will retry
// past SQLITE_BUSY before giving up.
const maxSteps = 10000

// Store is a sharded SQLite-backed epengine.KVStore. Keys are routed to
// one of numShards tables by an FNV hash, each with its own prepared
// statements.
type Store struct {
	db        *sql.DB
	numShards int
	log       zerolog.Logger

	insertStmts []*sql.Stmt
	deleteStmts []*sql.Stmt
	selectAll   []*sql.Stmt

	tx *sql.Tx
}

// Option configures a Store at Open time.
type Option func(*openConfig)

type openConfig struct {
	initFile string
}

// WithInitFile names a SQL script executed against the database right
// after it is opened, before the shard tables are created.
func WithInitFile(path string) Option {
	return func(c *openConfig) { c.initFile = path }
}

// Open creates (if needed) numShards tables in the SQLite database at path
// and prepares the statements each operation uses.
func Open(path string, numShards int, log zerolog.Logger, opts ...Option) (*Store, error) {
	var cfg openConfig
	for _, o := range opts {
		o(&cfg)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitekv: open: %w", err)
	}

	s := &Store{db: db, numShards: numShards, log: log.With().Str("component", "sqlitekv").Logger()}

	if cfg.initFile != "" {
		script, err := os.ReadFile(cfg.initFile)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitekv: read init file: %w", err)
		}
		if _, err := db.Exec(string(script)); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitekv: apply init file: %w", err)
		}
	}

	for i := 0; i < numShards; i++ {
		table := shardTable(i)
		_, err := db.Exec(fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (
				k TEXT PRIMARY KEY,
				v BLOB,
				flags INTEGER,
				exptime INTEGER,
				cas INTEGER
			)`, table))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitekv: create table %s: %w", table, err)
		}

		insertStmt, err := db.Prepare(fmt.Sprintf(
			`INSERT INTO %s (k, v, flags, exptime, cas) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(k) DO UPDATE SET v=excluded.v, flags=excluded.flags,
			 exptime=excluded.exptime, cas=excluded.cas`, table))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitekv: prepare insert %s: %w", table, err)
		}
		s.insertStmts = append(s.insertStmts, insertStmt)

		deleteStmt, err := db.Prepare(fmt.Sprintf(`DELETE FROM %s WHERE k = ?`, table))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitekv: prepare delete %s: %w", table, err)
		}
		s.deleteStmts = append(s.deleteStmts, deleteStmt)

		selectStmt, err := db.Prepare(fmt.Sprintf(`SELECT k, v, flags, exptime, cas FROM %s`, table))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitekv: prepare select %s: %w", table, err)
		}
		s.selectAll = append(s.selectAll, selectStmt)
	}

	return s, nil
}

func shardTable(i int) string { return fmt.Sprintf("ep_shard_%d", i) }

func (s *Store) shardOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()) % s.numShards
}

// Begin starts the transaction the current flush batch will run in.
func (s *Store) Begin(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitekv: begin: %w", err)
	}
	s.tx = tx
	return nil
}

// Set upserts it into its shard table within the current transaction.
func (s *Store) Set(ctx context.Context, it *epengine.Item, cb func(ok bool)) {
	stmt := s.txStmt(s.insertStmts[s.shardOf(it.Key)])
	ok := s.execWithRetry(ctx, stmt, it.Key, it.Value, it.Flags, it.Exptime, it.Cas)
	cb(ok)
}

// Del removes key from its shard table within the current transaction.
func (s *Store) Del(ctx context.Context, key string, cb func(ok bool)) {
	stmt := s.txStmt(s.deleteStmts[s.shardOf(key)])
	ok := s.execWithRetry(ctx, stmt, key)
	cb(ok)
}

func (s *Store) txStmt(stmt *sql.Stmt) *sql.Stmt {
	if s.tx != nil {
		return s.tx.Stmt(stmt)
	}
	return stmt
}

// execWithRetry runs stmt, retrying on SQLITE_BUSY up to maxSteps times.
func (s *Store) execWithRetry(ctx context.Context, stmt *sql.Stmt, args ...interface{}) bool {
	for step := 0; step < maxSteps; step++ {
		_, err := stmt.ExecContext(ctx, args...)
		if err == nil {
			return true
		}
		if !isBusy(err) {
			s.log.Error().Err(err).Msg("exec failed")
			return false
		}
	}
	return false
}

func isBusy(err error) bool {
	// mattn/go-sqlite3 surfaces SQLITE_BUSY as sqlite3.Error{Code: ErrBusy};
	// matching on the message avoids a hard dependency on the driver's
	// error type.
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "busy")
}

// Commit finalizes the current transaction.
func (s *Store) Commit(ctx context.Context) bool {
	if s.tx == nil {
		return true
	}
	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		s.log.Error().Err(err).Msg("commit failed")
		return false
	}
	return true
}

// Dump streams every row across every shard table to fn, used for warmup.
func (s *Store) Dump(ctx context.Context, fn func(*epengine.Item)) error {
	for _, stmt := range s.selectAll {
		rows, err := stmt.QueryContext(ctx)
		if err != nil {
			return fmt.Errorf("sqlitekv: dump query: %w", err)
		}
		for rows.Next() {
			var (
				key     string
				value   []byte
				flags   uint32
				exptime int64
				cas     uint64
			)
			if err := rows.Scan(&key, &value, &flags, &exptime, &cas); err != nil {
				rows.Close()
				return fmt.Errorf("sqlitekv: dump scan: %w", err)
			}
			fn(epengine.NewItem(key, flags, exptime, value, cas))
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
	}
	return nil
}

// Close releases the database handle and every prepared statement.
func (s *Store) Close() error {
	for _, stmt := range s.insertStmts {
		stmt.Close()
	}
	for _, stmt := range s.deleteStmts {
		stmt.Close()
	}
	for _, stmt := range s.selectAll {
		stmt.Close()
	}
	return s.db.Close()
}
