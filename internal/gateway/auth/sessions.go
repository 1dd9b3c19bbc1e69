package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Session lifetimes. Refresh tokens outlive access tokens so browsers can
// rotate without re-login.
const (
	DefaultSessionLifetime = 24 * time.Hour
	DefaultRefreshLifetime = 7 * 24 * time.Hour
)

var (
	ErrSessionNotFound = errors.New("auth: session not found")
	ErrSessionExpired  = errors.New("auth: session expired")
	ErrRefreshNotFound = errors.New("auth: refresh token not found")
	ErrRefreshExpired  = errors.New("auth: refresh token expired")
)

// Session is a cookie-backed login. Tokens are stored hashed; a database
// leak does not yield usable cookies.
type Session struct {
	UserID     string    `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastActive time.Time `json:"last_active"`
}

// SessionStore manages sessions and refresh tokens in SQLite. Expiry is
// lazy: expired rows are deleted when touched, and Cleanup sweeps the rest.
type SessionStore struct {
	db              *sql.DB
	lifetime        time.Duration
	refreshLifetime time.Duration
}

// NewSessionStore opens a SQLite-backed session store.
func NewSessionStore(dbPath string, lifetime, refreshLifetime time.Duration) (*SessionStore, error) {
	if lifetime <= 0 {
		lifetime = DefaultSessionLifetime
	}
	if refreshLifetime <= 0 {
		refreshLifetime = DefaultRefreshLifetime
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sessions db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS sessions (
		token_hash  TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		expires_at  TEXT NOT NULL,
		last_active TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS refresh_tokens (
		token_hash TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create refresh_tokens table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expires_at)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_refresh_user ON refresh_tokens(user_id)`)

	return &SessionStore{db: db, lifetime: lifetime, refreshLifetime: refreshLifetime}, nil
}

func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Create opens a session and returns the plaintext token once.
func (s *SessionStore) Create(userID string) (string, *Session, error) {
	token, err := newToken()
	if err != nil {
		return "", nil, err
	}

	now := time.Now().UTC()
	sess := &Session{
		UserID:     userID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.lifetime),
		LastActive: now,
	}

	_, err = s.db.Exec(`INSERT INTO sessions (token_hash, user_id, created_at, expires_at, last_active)
		VALUES (?, ?, ?, ?, ?)`,
		tokenHash(token), userID,
		now.Format(time.RFC3339Nano),
		sess.ExpiresAt.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", nil, fmt.Errorf("create session: %w", err)
	}
	return token, sess, nil
}

// Validate checks a session token, deleting it if expired, and refreshes
// last_active.
func (s *SessionStore) Validate(token string) (*Session, error) {
	hash := tokenHash(token)

	var (
		sess                            Session
		createdAt, expiresAt, lastActive string
	)
	err := s.db.QueryRow(`SELECT user_id, created_at, expires_at, last_active FROM sessions WHERE token_hash = ?`, hash).
		Scan(&sess.UserID, &createdAt, &expiresAt, &lastActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	sess.LastActive, _ = time.Parse(time.RFC3339Nano, lastActive)

	now := time.Now().UTC()
	if now.After(sess.ExpiresAt) {
		_, _ = s.db.Exec(`DELETE FROM sessions WHERE token_hash = ?`, hash)
		return nil, ErrSessionExpired
	}

	if _, err := s.db.Exec(`UPDATE sessions SET last_active = ? WHERE token_hash = ?`, now.Format(time.RFC3339Nano), hash); err != nil {
		return nil, fmt.Errorf("update last_active: %w", err)
	}
	sess.LastActive = now
	return &sess, nil
}

// Delete removes a session by token.
func (s *SessionStore) Delete(token string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE token_hash = ?`, tokenHash(token)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteByUser removes all sessions and refresh tokens for a user.
func (s *SessionStore) DeleteByUser(userID string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete sessions by user: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM refresh_tokens WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete refresh tokens by user: %w", err)
	}
	return nil
}

// CreateRefresh issues a refresh token for the user.
func (s *SessionStore) CreateRefresh(userID string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(`INSERT INTO refresh_tokens (token_hash, user_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		tokenHash(token), userID,
		now.Format(time.RFC3339Nano),
		now.Add(s.refreshLifetime).Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("create refresh token: %w", err)
	}
	return token, nil
}

// Redeem consumes a refresh token and returns the user id it belongs to.
// Tokens are single use: redeemed or expired tokens are deleted.
func (s *SessionStore) Redeem(token string) (string, error) {
	hash := tokenHash(token)

	var userID, expiresAt string
	err := s.db.QueryRow(`SELECT user_id, expires_at FROM refresh_tokens WHERE token_hash = ?`, hash).
		Scan(&userID, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrRefreshNotFound
		}
		return "", fmt.Errorf("get refresh token: %w", err)
	}

	_, _ = s.db.Exec(`DELETE FROM refresh_tokens WHERE token_hash = ?`, hash)

	exp, _ := time.Parse(time.RFC3339Nano, expiresAt)
	if time.Now().UTC().After(exp) {
		return "", ErrRefreshExpired
	}
	return userID, nil
}

// Cleanup sweeps expired sessions and refresh tokens, returning the total
// rows removed.
func (s *SessionStore) Cleanup() (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	total := 0
	for _, table := range []string{"sessions", "refresh_tokens"} {
		res, err := s.db.Exec(`DELETE FROM `+table+` WHERE expires_at <= ?`, now)
		if err != nil {
			return total, fmt.Errorf("cleanup %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

// Ping verifies the database handle is usable.
func (s *SessionStore) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying DB.
func (s *SessionStore) Close() error {
	return s.db.Close()
}
