// Package auth hashes and checks the shared secret chat adapters use to log in
// to the gateway broker.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const DefaultSaltBytes = 16

// HashPasswordWithSalt creates a SHA-256 hash of the password combined with the salt
func HashPasswordWithSalt(password, salt string) string {
	hasher := sha256.New()
	hasher.Write([]byte(password + salt))
	return hex.EncodeToString(hasher.Sum(nil))
}

// Verify reports whether password hashes to hash with salt. The comparison
// takes the same time wherever the hashes differ.
func Verify(password, salt, hash string) bool {
	if hash == "" {
		return false
	}
	got := HashPasswordWithSalt(password, salt)
	return subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(hash))) == 1
}

// RandomHex generates a random hexadecimal string of n bytes
func RandomHex(n int) (string, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// GenerateHashAndSalt creates a new random salt and hashes the password with it
func GenerateHashAndSalt(password string) (hash string, salt string, err error) {
	salt, err = RandomHex(DefaultSaltBytes)
	if err != nil {
		return "", "", err
	}
	hash = HashPasswordWithSalt(password, salt)
	return hash, salt, nil
}
