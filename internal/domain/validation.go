package domain

import (
	"encoding/hex"
	"path"
	"strings"
)

// Accepted content hash lengths in hex characters: MD5, SHA-1, SHA-256.
var validHashLengths = map[int]bool{32: true, 40: true, 64: true}

// NormalizeContentHash validates a hex digest and returns it lowercased.
func NormalizeContentHash(hash string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(hash))
	if !validHashLengths[len(h)] {
		return "", ValidationError("contentHash", "must be a hex MD5, SHA-1 or SHA-256 digest")
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", ValidationError("contentHash", "must be hexadecimal")
	}
	return h, nil
}

// ValidateFileName rejects empty names and names carrying path separators.
func ValidateFileName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ValidationError("fileName", "must not be empty")
	}
	if len(name) > 255 {
		return ValidationError("fileName", "must be at most 255 characters")
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return ValidationError("fileName", "must not contain path separators")
	}
	return nil
}

// FileExtension returns the lowercased extension of name including the dot.
func FileExtension(name string) string {
	return strings.ToLower(path.Ext(name))
}
