package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPgx      = "pgx"
	DriverPostgres = "postgres"

	// sqliteDriver is go-sqlite3 with a connect hook, so every pooled
	// connection gets the same pragmas and not only the first one.
	sqliteDriver = "sqlite3_talka"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

var sqlitePragmas = []string{
	"PRAGMA foreign_keys=ON",
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA cache_size=-64000",
}

func init() {
	sql.Register(sqliteDriver, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			for _, pragma := range sqlitePragmas {
				if _, err := conn.Exec(pragma, []driver.Value{}); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return nil
		},
	})
}

type DB struct {
	conn    *sql.DB
	dialect Dialect
}

// New opens the database for driver (sqlite3, pgx or postgres) and applies
// the schema.
func New(driverName, dsn string) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		database *DB
		err      error
	)
	switch driverName {
	case "", DriverSQLite:
		database, err = openSQLite(ctx, dsn)
	case DriverPgx, DriverPostgres:
		database, err = openPostgres(ctx, driverName, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driverName)
	}
	if err != nil {
		return nil, err
	}

	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return database, nil
}

func openSQLite(ctx context.Context, path string) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	conn, err := sql.Open(sqliteDriver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if isMemoryPath(path) {
		// each connection to :memory: is a separate database
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
	}
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, dialect: DialectSQLite}, nil
}

func openPostgres(ctx context.Context, driverName, dsn string) (*DB, error) {
	normalized := normalizeDSN(dsn)
	if normalized == "" {
		return nil, fmt.Errorf("postgres: database url is not set")
	}

	conn, err := sql.Open(driverName, normalized)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxIdleTime(5 * time.Minute)
	conn.SetConnMaxLifetime(60 * time.Minute)

	return &DB{conn: conn, dialect: DialectPostgres}, nil
}

// normalizeDSN converts SQLAlchemy-style URLs often found in .env files
// (postgresql+asyncpg://) into plain postgres URLs.
func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	for _, prefix := range []string{"postgresql+asyncpg://", "postgresql+pgx://"} {
		s = strings.Replace(s, prefix, "postgresql://", 1)
	}
	for _, prefix := range []string{"postgres+asyncpg://", "postgres+pgx://"} {
		s = strings.Replace(s, prefix, "postgres://", 1)
	}
	return s
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory") || strings.HasPrefix(path, "file::memory:")
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) GetConn() *sql.DB {
	return db.conn
}

func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Ping checks that the database still answers, for health probes.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// DayExpr returns an expression that renders a timestamp column as a
// YYYY-MM-DD string in UTC.
func (db *DB) DayExpr(column string) string {
	if db.dialect == DialectPostgres {
		return fmt.Sprintf("to_char(%s AT TIME ZONE 'UTC', 'YYYY-MM-DD')", column)
	}
	return fmt.Sprintf("substr(%s, 1, 10)", column)
}

// Now is the canonical timestamp written by the application: UTC, whole
// seconds. SQLite stores times as text, so a single layout keeps range
// comparisons lexicographically correct.
func Now() time.Time {
	return Normalize(time.Now())
}

func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// ParseTimestamp parses a timestamp that reached Go as text. SQLite loses the
// declared column type on aggregates such as MAX(sent_at).
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	layouts := append([]string{time.RFC3339Nano}, sqlite3.SQLiteTimestampFormats...)
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}
