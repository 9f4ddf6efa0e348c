// Package db persists the GitHub App state in Postgres: repositories, releases, assets, authors,
// plugin projections and the webhook audit log.
package db

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/spf13/viper"

	"pluginwarden/logger"
)

// Pool defaults, overridable with DB_MAX_OPEN_CONNS, DB_MAX_IDLE_CONNS and DB_CONN_MAX_LIFETIME.
const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 25
	defaultConnMaxLifetime = 5 * time.Minute
)

// DB represents a database connection
type DB struct {
	conn *sqlx.DB
	// Row timestamps are wall clock in location, matching the ingested GitHub times
	location *time.Location
	clock    func() time.Time
	// Prepared statements for hot lookups outside transactions
	stmtCache struct {
		sync.RWMutex
		statements map[string]*sqlx.Stmt
	}
}

// safeLogInfo safely logs info messages, falling back to standard log if logger is not initialized
func safeLogInfo(msg string, fields ...zap.Field) {
	if logger.Logger != nil {
		logger.Info(msg, fields...)
	} else {
		log.Printf("%s", msg)
	}
}

// dataSourceName prefers DATABASE_URL and otherwise assembles a DSN from the POSTGRES_* keys.
func dataSourceName() string {
	if url := viper.GetString("DATABASE_URL"); url != "" {
		return url
	}
	sslMode := viper.GetString("POSTGRES_SSLMODE")
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"user=%s password=%s dbname=%s port=%s host=%s sslmode=%s",
		viper.GetString("POSTGRES_USER"),
		viper.GetString("POSTGRES_PASSWORD"),
		viper.GetString("POSTGRES_DB"),
		viper.GetString("POSTGRES_PORT"),
		viper.GetString("POSTGRES_HOST"),
		sslMode,
	)
}

// New connects to Postgres and configures the pool.
func New() (*DB, error) {
	safeLogInfo("Connecting to database",
		zap.String("host", viper.GetString("POSTGRES_HOST")),
		zap.String("dbname", viper.GetString("POSTGRES_DB")),
		zap.Bool("database_url", viper.GetString("DATABASE_URL") != ""))

	conn, err := sqlx.Connect("postgres", dataSourceName())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseConnection, err)
	}

	maxOpenConns := defaultMaxOpenConns
	if viper.IsSet("DB_MAX_OPEN_CONNS") {
		if v := viper.GetInt("DB_MAX_OPEN_CONNS"); v > 0 {
			maxOpenConns = v
		}
	}
	maxIdleConns := defaultMaxIdleConns
	if viper.IsSet("DB_MAX_IDLE_CONNS") {
		if v := viper.GetInt("DB_MAX_IDLE_CONNS"); v >= 0 {
			maxIdleConns = v
		}
	}
	connMaxLifetime := defaultConnMaxLifetime
	if viper.IsSet("DB_CONN_MAX_LIFETIME") {
		if v := viper.GetDuration("DB_CONN_MAX_LIFETIME"); v > 0 {
			connMaxLifetime = v
		}
	}

	conn.SetMaxOpenConns(maxOpenConns)
	conn.SetMaxIdleConns(maxIdleConns)
	conn.SetConnMaxLifetime(connMaxLifetime)

	safeLogInfo("Database connection established",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Duration("conn_max_lifetime", connMaxLifetime))
	return NewWithConn(conn), nil
}

// NewWithConn wraps an open connection.
func NewWithConn(conn *sqlx.DB) *DB {
	database := &DB{
		conn:     conn,
		location: time.UTC,
		clock:    time.Now,
	}
	database.stmtCache.statements = make(map[string]*sqlx.Stmt)
	return database
}

// SetLocation sets the zone created_at and updated_at columns are stamped in.
func (db *DB) SetLocation(location *time.Location) {
	if location != nil {
		db.location = location
	}
}

func (db *DB) now() time.Time {
	return db.clock().In(db.location)
}

// getStmt returns a prepared statement from cache or creates a new one.
// Cached statements are bound to the pool, so callers inside a transaction must not use them.
func (db *DB) getStmt(ctx context.Context, query string) (*sqlx.Stmt, error) {
	db.stmtCache.RLock()
	stmt, exists := db.stmtCache.statements[query]
	db.stmtCache.RUnlock()
	if exists {
		return stmt, nil
	}

	db.stmtCache.Lock()
	defer db.stmtCache.Unlock()
	if stmt, exists = db.stmtCache.statements[query]; exists {
		return stmt, nil
	}

	stmt, err := db.conn.PreparexContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	db.stmtCache.statements[query] = stmt
	return stmt, nil
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseConnection, err)
	}
	return nil
}

// Close releases cached statements and the pool.
func (db *DB) Close() error {
	db.stmtCache.Lock()
	for query, stmt := range db.stmtCache.statements {
		if err := stmt.Close(); err != nil {
			safeLogInfo("Failed to close prepared statement", zap.String("query", query), zap.Error(err))
		}
	}
	db.stmtCache.statements = make(map[string]*sqlx.Stmt)
	db.stmtCache.Unlock()

	return db.conn.Close()
}
