package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrUserNotFound indicates the user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrUsernameTaken indicates the requested username is already registered.
	ErrUsernameTaken = errors.New("username already taken")
)

// DB wraps the SQLite database holding registered users. Pairing and channel
// state never touch it; only the login, signup, and telegram identity paths do.
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (SQLite single-writer)
}

// Open opens the SQLite database at the given path and initializes the schema
// if needed.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// WAL allows multiple readers alongside the single writer.
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait and retry instead of failing immediately with SQLITE_BUSY.
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := conn.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)

	db := &DB{conn: conn, writeConn: writeConn}
	if err := db.initSchema(); err != nil {
		writeConn.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes both connections.
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// initSchema creates all tables and indexes if they don't exist
func (db *DB) initSchema() error {
	schema := `
-- User table. telegram_id is set for accounts created (or linked) through a
-- QR pairing; password_hash is empty for telegram-only accounts.
CREATE TABLE IF NOT EXISTS User (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL DEFAULT '',
	telegram_id INTEGER UNIQUE,
	created_at INTEGER NOT NULL,
	last_seen INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_users_telegram ON User(telegram_id) WHERE telegram_id IS NOT NULL;
`
	_, err := db.conn.Exec(schema)
	return err
}

// User represents a registered account.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	TelegramID   *int64
	CreatedAt    int64 // Unix timestamp in milliseconds
	LastSeen     int64
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// CreateUser registers a password account. Fails with ErrUsernameTaken when
// the username is already registered.
func (db *DB) CreateUser(username, passwordHash string) (*User, error) {
	user := &User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    nowMillis(),
		LastSeen:     nowMillis(),
	}

	_, err := db.writeConn.Exec(`
		INSERT INTO User (id, username, password_hash, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?)
	`, user.ID, user.Username, user.PasswordHash, user.CreatedAt, user.LastSeen)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}

	return user, nil
}

// GetUserByUsername retrieves a user for login validation.
func (db *DB) GetUserByUsername(username string) (*User, error) {
	return db.getUser(`username = ?`, username)
}

// GetUserByID retrieves a user by id.
func (db *DB) GetUserByID(id string) (*User, error) {
	return db.getUser(`id = ?`, id)
}

// GetOrCreateTelegramUser returns the account linked to the given telegram id,
// creating one on first scan. New accounts get the telegram username when
// available, falling back to a deterministic placeholder; collisions with an
// existing username get a short random suffix.
func (db *DB) GetOrCreateTelegramUser(telegramID int64, username string) (*User, error) {
	if user, err := db.getUser(`telegram_id = ?`, telegramID); err == nil {
		db.touchLastSeen(user.ID)
		return user, nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	if username == "" {
		username = fmt.Sprintf("tg_%d", telegramID)
	}

	user := &User{
		ID:         uuid.NewString(),
		Username:   username,
		TelegramID: &telegramID,
		CreatedAt:  nowMillis(),
		LastSeen:   nowMillis(),
	}

	_, err := db.writeConn.Exec(`
		INSERT INTO User (id, username, telegram_id, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?)
	`, user.ID, user.Username, telegramID, user.CreatedAt, user.LastSeen)
	if err != nil && isUniqueViolation(err) {
		// Two possible conflicts. A concurrent redemption for the same
		// telegram id may have inserted the account between our lookup and
		// insert; re-check before assuming a username collision.
		if existing, lookupErr := db.getUser(`telegram_id = ?`, telegramID); lookupErr == nil {
			db.touchLastSeen(existing.ID)
			return existing, nil
		}
		// Username collision with an unlinked account. Retry once with a
		// suffix derived from the fresh uuid.
		user.Username = fmt.Sprintf("%s_%s", username, user.ID[:8])
		_, err = db.writeConn.Exec(`
			INSERT INTO User (id, username, telegram_id, created_at, last_seen)
			VALUES (?, ?, ?, ?, ?)
		`, user.ID, user.Username, telegramID, user.CreatedAt, user.LastSeen)
		if err != nil && isUniqueViolation(err) {
			// The racing insert may have landed after the re-check too.
			if existing, lookupErr := db.getUser(`telegram_id = ?`, telegramID); lookupErr == nil {
				db.touchLastSeen(existing.ID)
				return existing, nil
			}
		}
	}
	if err != nil {
		return nil, err
	}

	return user, nil
}

// UpdateUserLastSeen records activity for a user. Errors are ignored by
// callers; last_seen is advisory.
func (db *DB) UpdateUserLastSeen(id string) error {
	return db.touchLastSeen(id)
}

func (db *DB) touchLastSeen(id string) error {
	_, err := db.writeConn.Exec(`UPDATE User SET last_seen = ? WHERE id = ?`, nowMillis(), id)
	return err
}

func (db *DB) getUser(where string, arg interface{}) (*User, error) {
	var user User
	err := db.conn.QueryRow(`
		SELECT id, username, password_hash, telegram_id, created_at, last_seen
		FROM User
		WHERE `+where,
		arg).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.TelegramID, &user.CreatedAt, &user.LastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
// modernc.org/sqlite does not export a typed error for this, so match the
// message the way SQLite spells it.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE")
}
