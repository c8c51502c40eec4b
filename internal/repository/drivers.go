package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/opensource-finance/clearance/internal/domain"
	_ "modernc.org/sqlite"
)

const pingTimeout = 5 * time.Second

// sqlitePragmas are applied to every SQLite connection. WAL keeps audit
// reads from blocking the writer.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

// open dispatches on the configured driver and verifies the connection.
func open(cfg domain.RepositoryConfig) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg.SQLitePath)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidInput, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach %s database: %w", cfg.Driver, err)
	}
	return db, nil
}

// openSQLite uses modernc.org/sqlite, so no CGO is needed.
func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		path = "./clearance.db"
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

func sqliteDSN(path string) string {
	params := make([]string, len(sqlitePragmas))
	for i, p := range sqlitePragmas {
		params[i] = "_pragma=" + p
	}
	return "file:" + path + "?" + strings.Join(params, "&")
}

func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	connector, err := pq.NewConnector(postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("invalid postgres settings: %w", err)
	}
	return sql.OpenDB(connector), nil
}

// postgresDSN builds a libpq keyword/value string with defaults for the
// host, port, database and sslmode.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "clearance"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	pairs := []struct{ key, value string }{
		{"host", host},
		{"port", fmt.Sprint(port)},
		{"user", cfg.PostgresUser},
		{"password", cfg.PostgresPassword},
		{"dbname", dbname},
		{"sslmode", sslmode},
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.value == "" {
			continue
		}
		parts = append(parts, p.key+"="+quoteDSNValue(p.value))
	}
	return strings.Join(parts, " ")
}

// quoteDSNValue single-quotes a value, escaping backslashes and quotes.
func quoteDSNValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
