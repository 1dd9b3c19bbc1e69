package auth

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
	ErrUserNotFound       = errors.New("auth: user not found")
	ErrEmailExists        = errors.New("auth: email already registered")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidEmail       = errors.New("auth: invalid email")
	ErrWeakPassword       = errors.New("auth: password must be at least 8 characters")
	ErrNameTooLong        = errors.New("auth: name exceeds 100 characters")
)

// User is a gateway account.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// UserStore manages accounts persisted in SQLite.
type UserStore struct {
	db *sql.DB
}

// NewUserStore opens (or creates) the SQLite-backed user store.
func NewUserStore(dbPath string) (*UserStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open users db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		name          TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		last_login    TEXT
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create users table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_users_email ON users(email)`)

	return &UserStore{db: db}, nil
}

// ValidateRegistration checks the signup fields without touching storage.
func ValidateRegistration(email, password, name string) error {
	email = strings.TrimSpace(email)
	at := strings.Index(email, "@")
	if at < 1 || !strings.Contains(email[at:], ".") || strings.HasSuffix(email, ".") {
		return ErrInvalidEmail
	}
	if len(password) < 8 {
		return ErrWeakPassword
	}
	if len(name) > 100 {
		return ErrNameTooLong
	}
	return nil
}

// Register validates and creates an account.
func (s *UserStore) Register(email, password, name string) (*User, error) {
	if err := ValidateRegistration(email, password, name); err != nil {
		return nil, err
	}
	email = strings.ToLower(strings.TrimSpace(email))

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	u := &User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		CreatedAt:    now,
	}

	_, err = s.db.Exec(`INSERT INTO users (id, email, name, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.PasswordHash, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: users.email") {
			return nil, ErrEmailExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// Authenticate checks credentials, upgrades legacy hashes in place, and
// stamps last_login.
func (s *UserStore) Authenticate(email, password string) (*User, error) {
	u, err := s.GetByEmail(email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	ok, needsUpgrade, err := VerifyPassword(password, u.PasswordHash)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}

	if needsUpgrade {
		if newHash, hashErr := HashPassword(password); hashErr == nil {
			if _, updErr := s.db.Exec(`UPDATE users SET password_hash = ? WHERE id = ?`, newHash, u.ID); updErr == nil {
				u.PasswordHash = newHash
			}
		}
	}

	now := time.Now().UTC()
	if _, err := s.db.Exec(`UPDATE users SET last_login = ? WHERE id = ?`, now.Format(time.RFC3339Nano), u.ID); err != nil {
		return nil, fmt.Errorf("update last_login: %w", err)
	}
	u.LastLogin = &now
	return u, nil
}

// Get fetches a user by ID.
func (s *UserStore) Get(id string) (*User, error) {
	return s.queryOne(`SELECT id, email, name, password_hash, created_at, last_login FROM users WHERE id = ?`, id)
}

// GetByEmail fetches a user by email, case-insensitively.
func (s *UserStore) GetByEmail(email string) (*User, error) {
	return s.queryOne(`SELECT id, email, name, password_hash, created_at, last_login FROM users WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email)))
}

// Count returns the total number of accounts.
func (s *UserStore) Count() int {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// Ping verifies the database handle is usable.
func (s *UserStore) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying DB.
func (s *UserStore) Close() error {
	return s.db.Close()
}

func (s *UserStore) queryOne(query string, args ...any) (*User, error) {
	var (
		u                    User
		createdAt, lastLogin sql.NullString
	)
	err := s.db.QueryRow(query, args...).Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &createdAt, &lastLogin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	if createdAt.Valid {
		u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt.String)
	}
	if lastLogin.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastLogin.String)
		u.LastLogin = &t
	}
	return &u, nil
}
