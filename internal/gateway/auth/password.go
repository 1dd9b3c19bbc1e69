// Package auth implements the gateway's identity layer: password hashing,
// JWT issuance, API keys, sessions, and the request authentication
// middleware.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2 parameters for new hashes. Stored hashes carry their own iteration
// count so the floor can be raised without invalidating old credentials.
const (
	PBKDF2Iterations = 100_000
	saltLen          = 16
	keyLen           = 32
)

var ErrBadHashFormat = errors.New("auth: unrecognized password hash format")

// HashPassword derives a PBKDF2-SHA256 hash in the form
// pbkdf2$<iterations>$<salt-hex>$<key-hex>.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, PBKDF2Iterations, keyLen, sha256.New)
	return fmt.Sprintf("pbkdf2$%d$%s$%s", PBKDF2Iterations, hex.EncodeToString(salt), hex.EncodeToString(key)), nil
}

// VerifyPassword checks password against a stored hash. needsUpgrade is true
// when the hash uses the legacy scheme or fewer iterations than the current
// floor; callers should re-hash and persist on successful login.
func VerifyPassword(password, stored string) (ok bool, needsUpgrade bool, err error) {
	parts := strings.Split(stored, "$")
	switch {
	case len(parts) == 4 && parts[0] == "pbkdf2":
		iters, convErr := strconv.Atoi(parts[1])
		if convErr != nil || iters <= 0 {
			return false, false, ErrBadHashFormat
		}
		salt, saltErr := hex.DecodeString(parts[2])
		want, keyErr := hex.DecodeString(parts[3])
		if saltErr != nil || keyErr != nil {
			return false, false, ErrBadHashFormat
		}
		got := pbkdf2.Key([]byte(password), salt, iters, len(want), sha256.New)
		if !hmac.Equal(got, want) {
			return false, false, nil
		}
		return true, iters < PBKDF2Iterations, nil

	case len(parts) == 3 && parts[0] == "sha256":
		// Legacy scheme: hex(sha256(password + salt)). Accepted for login
		// so existing accounts keep working, then upgraded in place.
		sum := sha256.Sum256([]byte(password + parts[1]))
		want, decErr := hex.DecodeString(parts[2])
		if decErr != nil {
			return false, false, ErrBadHashFormat
		}
		if !hmac.Equal(sum[:], want) {
			return false, false, nil
		}
		return true, true, nil

	default:
		return false, false, ErrBadHashFormat
	}
}

// LegacyHash builds a legacy-format hash. Kept for migration tooling and
// tests; new code always uses HashPassword.
func LegacyHash(password, salt string) string {
	sum := sha256.Sum256([]byte(password + salt))
	return fmt.Sprintf("sha256$%s$%s", salt, hex.EncodeToString(sum[:]))
}
