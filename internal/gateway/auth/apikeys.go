package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrKeyNotFound = errors.New("auth: api key not found")
	ErrKeyRevoked  = errors.New("auth: api key revoked")
	ErrKeyExpired  = errors.New("auth: api key expired")
)

// APIKey is a stored key. The plaintext exists only at creation time; the
// database holds its SHA-256 so lookup is a single indexed read.
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	Scopes     []string   `json:"scopes"`
	RateLimit  int        `json:"rate_limit,omitempty"` // per-window override, 0 = gateway default
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Enabled    bool       `json:"enabled"`
}

// KeyStore manages API keys with SQLite backing.
type KeyStore struct {
	db *sql.DB
}

// NewKeyStore opens (or creates) a SQLite-backed key store.
func NewKeyStore(dbPath string) (*KeyStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open keys db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS api_keys (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		key_hash   TEXT NOT NULL UNIQUE,
		key_prefix TEXT NOT NULL,
		scopes     TEXT NOT NULL DEFAULT '',
		rate_limit INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		last_used  TEXT,
		expires_at TEXT,
		enabled    INTEGER NOT NULL DEFAULT 1
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create api_keys table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_keys_hash ON api_keys(key_hash)`)

	return &KeyStore{db: db}, nil
}

func hashKey(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// Create generates a key, stores its hash, and returns the plaintext once.
func (ks *KeyStore) Create(name string, scopes []string, rateLimit int, expiresAt *time.Time) (*APIKey, string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	plain := "mg_" + hex.EncodeToString(raw)

	now := time.Now().UTC()
	key := &APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		KeyHash:   hashKey(plain),
		KeyPrefix: plain[:11], // "mg_" + 8 hex chars
		Scopes:    scopes,
		RateLimit: rateLimit,
		CreatedAt: now,
		ExpiresAt: expiresAt,
		Enabled:   true,
	}

	var expiresStr sql.NullString
	if expiresAt != nil {
		expiresStr = sql.NullString{String: expiresAt.Format(time.RFC3339Nano), Valid: true}
	}

	_, err := ks.db.Exec(`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, rate_limit, created_at, expires_at, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, strings.Join(scopes, ","),
		key.RateLimit, now.Format(time.RFC3339Nano), expiresStr,
	)
	if err != nil {
		return nil, "", fmt.Errorf("store key: %w", err)
	}
	return key, plain, nil
}

// Validate looks up the key by hash and checks its state. A valid lookup
// stamps last_used.
func (ks *KeyStore) Validate(plain string) (*APIKey, error) {
	key, err := ks.getByHash(hashKey(plain))
	if err != nil {
		return nil, err
	}
	if !key.Enabled {
		return nil, ErrKeyRevoked
	}
	if key.ExpiresAt != nil && time.Now().UTC().After(*key.ExpiresAt) {
		return nil, ErrKeyExpired
	}

	now := time.Now().UTC()
	key.LastUsedAt = &now
	_, _ = ks.db.Exec(`UPDATE api_keys SET last_used = ? WHERE id = ?`, now.Format(time.RFC3339Nano), key.ID)
	return key, nil
}

// List returns all keys, hashes omitted from JSON.
func (ks *KeyStore) List() ([]APIKey, error) {
	rows, err := ks.db.Query(`SELECT id, name, key_hash, key_prefix, scopes, rate_limit, created_at, last_used, expires_at, enabled
		FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKey, 0)
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			continue
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// Revoke disables a key without deleting it.
func (ks *KeyStore) Revoke(id string) error {
	res, err := ks.db.Exec(`UPDATE api_keys SET enabled = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// Delete removes a key entirely.
func (ks *KeyStore) Delete(id string) error {
	res, err := ks.db.Exec(`DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// HasScope reports whether the key carries the scope. The "admin" scope
// implies all others.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == "admin" || s == scope {
			return true
		}
	}
	return false
}

// Close shuts down the store.
func (ks *KeyStore) Close() error {
	return ks.db.Close()
}

func (ks *KeyStore) getByHash(hash string) (*APIKey, error) {
	row := ks.db.QueryRow(`SELECT id, name, key_hash, key_prefix, scopes, rate_limit, created_at, last_used, expires_at, enabled
		FROM api_keys WHERE key_hash = ?`, hash)
	k, err := scanKey(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return k, nil
}

type keyScanner interface {
	Scan(dest ...any) error
}

func scanKey(sc keyScanner) (*APIKey, error) {
	var (
		k                   APIKey
		scopes, createdAt   string
		lastUsed, expiresAt sql.NullString
		enabled             int
	)
	if err := sc.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &scopes, &k.RateLimit,
		&createdAt, &lastUsed, &expiresAt, &enabled); err != nil {
		return nil, err
	}
	k.Enabled = enabled == 1
	k.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if scopes != "" {
		k.Scopes = strings.Split(scopes, ",")
	}
	if lastUsed.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastUsed.String)
		k.LastUsedAt = &t
	}
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
		k.ExpiresAt = &t
	}
	return &k, nil
}
