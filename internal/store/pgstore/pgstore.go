// Package pgstore is the production store.Backend: a Postgres-backed
// moduli store using database/sql and lib/pq, grounded on
// cmd/distri-checkupstream/checkupstream.go's use of the same pair.
package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	_ "github.com/lib/pq"
	"golang.org/x/xerrors"

	"github.com/moduli-generator/moduli-generator/internal/codec"
	"github.com/moduli-generator/moduli-generator/internal/store"
	"github.com/moduli-generator/moduli-generator/internal/validate"
)

// Config names the schema objects this Backend talks to. TableName and
// ArchiveName are concatenated directly into SQL text (the wire
// protocol never parameterizes identifiers), so every name here is
// structurally validated before use, per spec §6.
type Config struct {
	DBName        string
	TableName     string
	ViewName      string
	ArchiveName   string
	ConstantsName string
	Credentials   Credentials

	// PoolSize bounds the number of open connections (spec §4.5: "a
	// fixed-size pooled connection manager, pool size configurable,
	// default 10"). Zero means the default.
	PoolSize int
}

const defaultPoolSize = 10

func (c Config) validate() error {
	for _, id := range []string{c.DBName, c.TableName, c.ViewName, c.ArchiveName, c.ConstantsName} {
		if err := validate.Identifier(id); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) connString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Credentials.Host, c.Credentials.Port, c.DBName, c.Credentials.User, c.Credentials.Password, c.Credentials.SSLMode)
}

// Backend is a store.Backend backed by a live Postgres connection pool.
type Backend struct {
	cfg Config
	db  *sql.DB

	insertStmt *sql.Stmt
}

// Open validates cfg, connects to Postgres and prepares the insert
// statement used by Store.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", cfg.connString())
	if err != nil {
		return nil, &store.ConnectionFailed{Err: err}
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &store.ConnectionFailed{Err: err}
	}

	// modulus_hash is a GENERATED ALWAYS AS (...) STORED column (spec
	// §4.5): Postgres computes it from modulus itself and rejects an
	// explicit INSERT into it, so it is named only as the ON CONFLICT
	// target, never in the column/value lists. A modulus whose hash is
	// already in the archive is skipped as well, so it counts as a
	// duplicate instead of re-entering the live table.
	insertStmt, err := db.PrepareContext(ctx, fmt.Sprintf(`
INSERT INTO %s (ts, type, tests, trials, size, generator, modulus)
SELECT $1, $2, $3, $4, $5, $6, $7
WHERE NOT EXISTS (SELECT 1 FROM %s WHERE modulus_hash = $8)
ON CONFLICT (modulus_hash) DO NOTHING
`, cfg.TableName, cfg.ArchiveName))
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("preparing insert statement: %w", err)
	}

	return &Backend{cfg: cfg, db: db, insertStmt: insertStmt}, nil
}

func (b *Backend) Store(ctx context.Context, rows []codec.Modulus) (store.Counts, error) {
	var c store.Counts
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return c, &store.ConnectionFailed{Err: err}
	}
	defer tx.Rollback()

	stmt := tx.StmtContext(ctx, b.insertStmt)
	for _, m := range rows {
		res, err := stmt.ExecContext(ctx, m.Timestamp, m.Type, m.Tests, m.Trials, m.Size, m.Generator, m.ModulusHex, m.Hash())
		if err != nil {
			return c, xerrors.Errorf("inserting modulus (size %d): %w", m.Size, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return c, xerrors.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			c.Duplicates++
		} else {
			c.Inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return store.Counts{}, xerrors.Errorf("committing store transaction: %w", err)
	}
	return c, nil
}

func (b *Backend) RetrieveBalanced(ctx context.Context, n int, keyLengths []int) ([]codec.Modulus, error) {
	var out []codec.Modulus
	for _, k := range keyLengths {
		size := k - 1
		rows, err := b.db.QueryContext(ctx, fmt.Sprintf(`
SELECT modulus_hash, ts, type, tests, trials, size, generator, modulus
FROM %s WHERE size = $1 ORDER BY random() LIMIT $2
`, b.cfg.TableName), size, n)
		if err != nil {
			return nil, xerrors.Errorf("querying balanced sample for key length %d: %w", k, err)
		}
		var batch []codec.Modulus
		for rows.Next() {
			var hash string
			var m codec.Modulus
			if err := rows.Scan(&hash, &m.Timestamp, &m.Type, &m.Tests, &m.Trials, &m.Size, &m.Generator, &m.ModulusHex); err != nil {
				rows.Close()
				return nil, xerrors.Errorf("scanning modulus row: %w", err)
			}
			batch = append(batch, m)
		}
		closeErr := rows.Close()
		if err := rows.Err(); err != nil {
			return nil, xerrors.Errorf("iterating balanced sample for key length %d: %w", k, err)
		}
		if closeErr != nil {
			return nil, closeErr
		}
		if len(batch) < n {
			return nil, &store.InsufficientRecords{KeyLength: k, Available: len(batch), Requested: n}
		}
		out = append(out, batch...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Size < out[j].Size })
	return out, nil
}

func (b *Backend) Consume(ctx context.Context, rows []codec.Modulus) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return &store.ConnectionFailed{Err: err}
	}
	defer tx.Rollback()

	// modulus_hash is generated in both the live and archive tables, so
	// the re-insert into the archive must list its columns explicitly
	// rather than SELECT * from the moved CTE (which still carries
	// modulus_hash from the RETURNING clause).
	moveStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
WITH moved AS (
	DELETE FROM %s WHERE modulus_hash = $1 RETURNING ts, type, tests, trials, size, generator, modulus
)
INSERT INTO %s (ts, type, tests, trials, size, generator, modulus)
SELECT ts, type, tests, trials, size, generator, modulus FROM moved
ON CONFLICT (modulus_hash) DO NOTHING
`, b.cfg.TableName, b.cfg.ArchiveName))
	if err != nil {
		return xerrors.Errorf("preparing consume statement: %w", err)
	}

	for _, m := range rows {
		// Absent from the live table is treated as already-archived by a
		// concurrent emitter: the statement simply deletes/inserts zero
		// rows and Consume remains idempotent.
		if _, err := moveStmt.ExecContext(ctx, m.Hash()); err != nil {
			return xerrors.Errorf("archiving modulus (size %d): %w", m.Size, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Errorf("committing consume transaction: %w", err)
	}
	return nil
}

func (b *Backend) CountBySize(ctx context.Context) (map[int]int, error) {
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(`SELECT size, COUNT(*) FROM %s GROUP BY size`, b.cfg.TableName))
	if err != nil {
		return nil, xerrors.Errorf("counting by size: %w", err)
	}
	defer rows.Close()
	out := make(map[int]int)
	for rows.Next() {
		var size, count int
		if err := rows.Scan(&size, &count); err != nil {
			return nil, xerrors.Errorf("scanning count row: %w", err)
		}
		out[size+1] = count
	}
	return out, rows.Err()
}

// VerifySchema checks the tables, view, index, and foreign key spec §4.5
// requires. A missing table or view is fatal (StatusFailed): nothing
// can run without them. A missing index or foreign key is reported as
// StatusPassedWithWarnings — integrity constraints the schema should
// have, but whose absence doesn't stop the pipeline from functioning.
func (b *Backend) VerifySchema(ctx context.Context) (store.SchemaReport, error) {
	required := []store.SchemaCheck{
		b.checkTableExists(ctx, b.cfg.TableName, "moduli"),
		b.checkTableExists(ctx, b.cfg.ArchiveName, "moduli_archive"),
		b.checkTableExists(ctx, b.cfg.ViewName, "moduli_view"),
		b.checkTableExists(ctx, b.cfg.ConstantsName, "constants"),
	}
	advisory := []store.SchemaCheck{
		b.checkIndexExists(ctx, b.cfg.TableName, "modulus_hash"),
		b.checkIndexExists(ctx, b.cfg.ArchiveName, "modulus_hash"),
		b.checkForeignKeyExists(ctx, b.cfg.TableName, b.cfg.ConstantsName),
	}

	status := store.StatusPassed
	for _, c := range required {
		if !c.OK {
			status = store.StatusFailed
		}
	}
	for _, c := range advisory {
		if !c.OK && status == store.StatusPassed {
			status = store.StatusPassedWithWarnings
		}
	}
	return store.SchemaReport{Status: status, Checks: append(required, advisory...)}, nil
}

func (b *Backend) checkTableExists(ctx context.Context, name, label string) store.SchemaCheck {
	var exists bool
	err := b.db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, name).Scan(&exists)
	if err != nil {
		return store.SchemaCheck{Object: label, OK: false, Detail: err.Error()}
	}
	if !exists {
		return store.SchemaCheck{Object: label, OK: false, Detail: fmt.Sprintf("relation %q not found", name)}
	}
	return store.SchemaCheck{Object: label, OK: true}
}

// checkIndexExists reports whether table has an index mentioning
// column in its definition — good enough to confirm the uniqueness
// constraint spec §4.5 relies on for at-most-once insertion without
// hardcoding a constraint name the DBA tooling may have chosen.
func (b *Backend) checkIndexExists(ctx context.Context, table, column string) store.SchemaCheck {
	label := fmt.Sprintf("%s(%s) index", table, column)
	var exists bool
	err := b.db.QueryRowContext(ctx, `
SELECT EXISTS (
	SELECT 1 FROM pg_indexes WHERE tablename = $1 AND indexdef ILIKE '%' || $2 || '%'
)`, table, column).Scan(&exists)
	if err != nil {
		return store.SchemaCheck{Object: label, OK: false, Detail: err.Error()}
	}
	if !exists {
		return store.SchemaCheck{Object: label, OK: false, Detail: fmt.Sprintf("no index on %s covering %q found", table, column)}
	}
	return store.SchemaCheck{Object: label, OK: true}
}

func (b *Backend) checkForeignKeyExists(ctx context.Context, table, referencedTable string) store.SchemaCheck {
	label := fmt.Sprintf("%s -> %s foreign key", table, referencedTable)
	var exists bool
	err := b.db.QueryRowContext(ctx, `
SELECT EXISTS (
	SELECT 1 FROM pg_constraint c
	JOIN pg_class rel ON rel.oid = c.conrelid
	JOIN pg_class ref ON ref.oid = c.confrelid
	WHERE c.contype = 'f' AND rel.relname = $1 AND ref.relname = $2
)`, table, referencedTable).Scan(&exists)
	if err != nil {
		return store.SchemaCheck{Object: label, OK: false, Detail: err.Error()}
	}
	if !exists {
		return store.SchemaCheck{Object: label, OK: false, Detail: fmt.Sprintf("no foreign key from %s to %s found", table, referencedTable)}
	}
	return store.SchemaCheck{Object: label, OK: true}
}

func (b *Backend) Close() error { return b.db.Close() }

var _ store.Backend = (*Backend)(nil)
