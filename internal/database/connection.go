package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Driver selects the SQL backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite3"
	DriverPostgres Driver = "postgres"
)

// DB wraps the store connection. Queries are written with '?' placeholders
// and rebound for Postgres.
type DB struct {
	conn   *sql.DB
	driver Driver
	cipher cipher.AEAD
}

// Config holds database configuration options
type Config struct {
	Driver       Driver
	DatabasePath string // sqlite3 file
	DSN          string // postgres connection string
	// EncryptionKey, when set, encrypts fingerprint templates at rest with
	// AES-GCM. It must be 16, 24 or 32 bytes.
	EncryptionKey []byte
	MaxOpenConns  int
	MaxIdleConns  int
	MaxLifetime   time.Duration
}

// NewDB opens the configured backend and runs migrations.
func NewDB(config Config) (*DB, error) {
	if config.Driver == "" {
		config.Driver = DriverSQLite
	}

	var conn *sql.DB
	var err error
	switch config.Driver {
	case DriverSQLite:
		conn, err = openSQLite(config.DatabasePath)
	case DriverPostgres:
		conn, err = openPostgres(config)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn, driver: config.Driver}

	if len(config.EncryptionKey) > 0 {
		block, err := aes.NewCipher(config.EncryptionKey)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		if db.cipher, err = cipher.NewGCM(block); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
	}

	if db.driver == DriverSQLite {
		if err := db.configurePragmas(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to configure pragmas: %w", err)
		}
	}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer at a time.
	conn.SetMaxOpenConns(1)
	return conn, nil
}

func openPostgres(config Config) (*sql.DB, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}
	conn, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if config.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.MaxLifetime > 0 {
		conn.SetConnMaxLifetime(config.MaxLifetime)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return conn, nil
}

func (db *DB) configurePragmas() error {
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16000",
		"PRAGMA temp_store = memory",
	}

	for _, pragma := range pragmas {
		if _, err := db.conn.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	return nil
}

// Driver returns the backend in use.
func (db *DB) Driver() Driver {
	return db.driver
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Health pings the database.
func (db *DB) Health() error {
	return db.conn.Ping()
}

// Encrypt seals plaintext with AES-GCM and returns base64 text. Without a
// configured key the plaintext is base64 encoded as is.
func (db *DB) Encrypt(plaintext []byte) (string, error) {
	if db.cipher == nil {
		return base64.StdEncoding.EncodeToString(plaintext), nil
	}

	nonce := make([]byte, db.cipher.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := db.cipher.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt.
func (db *DB) Decrypt(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	if db.cipher == nil {
		return data, nil
	}

	nonceSize := db.cipher.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := db.cipher.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// rebind rewrites '?' placeholders to the driver's syntax.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (db *DB) exec(query string, args ...interface{}) (sql.Result, error) {
	return db.conn.Exec(db.rebind(query), args...)
}

func (db *DB) query(query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn.Query(db.rebind(query), args...)
}

func (db *DB) queryRow(query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRow(db.rebind(query), args...)
}
