package storage

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// New opens a SQLite database connection at the given path.
// It enables foreign keys and sets connection pool settings.
func New(path string) (*sql.DB, error) {
	// Foreign keys are off by default in SQLite and the pragma is
	// per-connection, so it goes in the DSN to cover the whole pool.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", path+sep+"_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate runs database migrations to create the required tables and indexes.
// It is idempotent and can be run multiple times safely.
func Migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS notes (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_notes_tenant_updated ON notes (tenant_id, updated_at DESC);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			note_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			text TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			position INTEGER NOT NULL,
			total_chunks INTEGER NOT NULL,
			token_estimate INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL,
			anchor TEXT NOT NULL,
			prev_context TEXT NOT NULL DEFAULT '',
			next_context TEXT NOT NULL DEFAULT '',
			terms TEXT NOT NULL DEFAULT '[]',
			terms_version INTEGER NOT NULL DEFAULT 0,
			embedding BLOB,
			embedding_model TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (note_id) REFERENCES notes(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_tenant_created ON chunks (tenant_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_note_position ON chunks (note_id, position ASC);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

// encodeVector serializes a float32 vector to a little-endian blob.
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector deserializes a little-endian blob into a float32 vector.
func decodeVector(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
