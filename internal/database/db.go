package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL that differs between the production MySQL store and
// the embedded SQLite store used for development and tests.
type Dialect string

const (
	MySQL  Dialect = "mysql"
	SQLite Dialect = "sqlite"
)

// LockClause returns the suffix that row-locks a SELECT inside a
// transaction.  SQLite has no row locks; its transactions are opened with
// BEGIN IMMEDIATE instead, which serializes writers on the whole file.
func (d Dialect) LockClause() string {
	if d == MySQL {
		return " FOR UPDATE"
	}
	return ""
}

// Options describes how to reach the store.
type Options struct {
	Driver     Dialect
	User       string
	Pass       string
	Host       string
	Port       string
	Name       string
	SQLitePath string
}

// Open connects to the configured store and verifies the connection.
func Open(opts Options) (*sql.DB, Dialect, error) {
	switch opts.Driver {
	case SQLite:
		db, err := OpenSQLite(opts.SQLitePath)
		return db, SQLite, err
	case MySQL, "":
		db, err := OpenMySQL(opts.User, opts.Pass, opts.Host, opts.Port, opts.Name)
		return db, MySQL, err
	}
	return nil, "", fmt.Errorf("unsupported db driver %q", opts.Driver)
}

// OpenMySQL connects to MySQL and verifies the connection.
func OpenMySQL(user, pass, host, port, name string) (*sql.DB, error) {
	auth := user
	if pass != "" {
		auth = fmt.Sprintf("%s:%s", user, pass)
	}
	// Timestamps are stored as unix millis so loc/parseTime do not matter
	// for our tables; keep UTC anyway for ad-hoc queries.
	dsn := fmt.Sprintf("%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
		auth, host, port, name)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}

	// Pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// OpenSQLite opens (creating if needed) a SQLite database file.  Every
// transaction starts with BEGIN IMMEDIATE so that the per-option lock taken
// by the ledger serializes writers exactly like SELECT ... FOR UPDATE does
// on MySQL.
func OpenSQLite(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return db, nil
}

// ParseMySQLDSN splits a go-sql-driver DSN into connection options.
func ParseMySQLDSN(dsn string) (Options, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return Options{}, fmt.Errorf("parse mysql dsn: %w", err)
	}
	host, port, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return Options{}, fmt.Errorf("parse mysql address %q: %w", cfg.Addr, err)
	}
	return Options{
		Driver: MySQL,
		User:   cfg.User,
		Pass:   cfg.Passwd,
		Host:   host,
		Port:   port,
		Name:   cfg.DBName,
	}, nil
}
