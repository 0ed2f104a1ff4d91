package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const saltBytes = 16

// NewSalt returns a random hex salt.
func NewSalt() (string, error) {
	buf := make([]byte, saltBytes)
	if _, errRead := rand.Read(buf); errRead != nil {
		return "", fmt.Errorf("security: read salt: %w", errRead)
	}
	return hex.EncodeToString(buf), nil
}

// HashPassword hashes salt+password with bcrypt.
func HashPassword(salt, password string) (string, error) {
	hash, errHash := bcrypt.GenerateFromPassword([]byte(salt+password), bcrypt.DefaultCost)
	if errHash != nil {
		return "", fmt.Errorf("security: hash password: %w", errHash)
	}
	return string(hash), nil
}

// ComparePassword reports whether password matches the stored salt and hash.
func ComparePassword(hash, salt, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(salt+password)) == nil
}
