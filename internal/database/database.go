package database

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Dialect selects the SQL flavour a store talks to. Queries are written with
// Postgres-style $N placeholders and rebound for SQLite.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// Rebind rewrites $N placeholders into SQLite's ?N form.
func (d Dialect) Rebind(query string) string {
	if d != SQLite {
		return query
	}
	return placeholderRe.ReplaceAllString(query, "?$1")
}

// NewDB creates a new Postgres connection. An empty url falls back to
// DATABASE_URL from the environment or the nearest .env file.
func NewDB(dbURL string) (*sql.DB, error) {
	if strings.TrimSpace(dbURL) == "" {
		var err error
		dbURL, err = LoadDatabaseURL()
		if err != nil {
			return nil, fmt.Errorf("failed to get database URL: %w", err)
		}
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return db, nil
}

// NewSQLiteDB opens (creating if needed) an embedded database file.
func NewSQLiteDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	// one writer at a time; concurrent upserts queue in the pool instead of
	// failing with SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	return db, nil
}

// Open connects to the configured backend and makes sure the schema exists.
func Open(ctx context.Context, driver, dbURL, sqlitePath string) (*sql.DB, Dialect, error) {
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)

	switch driver {
	case "postgres":
		db, err = NewDB(dbURL)
		dialect = Postgres
	case "sqlite":
		db, err = NewSQLiteDB(sqlitePath)
		dialect = SQLite
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, "", err
	}

	if err := EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, "", err
	}

	return db, dialect, nil
}

// LoadDatabaseURL returns DATABASE_URL from the environment, else from the
// nearest .env file walking up from the working directory.
func LoadDatabaseURL() (string, error) {
	if direct := strings.TrimSpace(os.Getenv("DATABASE_URL")); direct != "" {
		return direct, nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	envPath, err := findEnvFile(wd)
	if err != nil {
		return "", err
	}

	file, err := os.Open(envPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", envPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		eqIdx := strings.IndexRune(line, '=')
		if eqIdx <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:eqIdx])
		if key != "DATABASE_URL" {
			continue
		}

		value := strings.TrimSpace(line[eqIdx+1:])
		value = strings.Trim(value, "\"'")
		value = strings.TrimFunc(value, unicode.IsSpace)
		if value == "" {
			return "", errors.New("DATABASE_URL is empty in .env")
		}
		return value, nil
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read %s: %w", envPath, err)
	}

	return "", errors.New("DATABASE_URL not found in environment or .env")
}

func findEnvFile(start string) (string, error) {
	dir := start
	for {
		candidate := filepath.Join(dir, ".env")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf(".env not found starting from %s", start)
}
