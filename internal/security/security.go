package security

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
)

var (
	ErrNullByte      = errors.New("path contains null byte")
	ErrPathTraversal = errors.New("path contains traversal segment")
	ErrPathEscape    = errors.New("path escapes its root")
	ErrEmptyPath     = errors.New("path is empty")
)

// LocationHidden replaces coordinates that a feed is not allowed to show
const LocationHidden = "hidden"

// redacted replaces secret values in logs and URLs
const redacted = "***REDACTED***"

// SanitizeIdentifier strips every character outside [A-Za-z0-9_-].
// The second return value reports whether anything was removed.
func SanitizeIdentifier(id string) (string, bool) {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		if isIdentifierRune(r) {
			b.WriteRune(r)
		}
	}
	clean := b.String()
	return clean, clean != id
}

func isIdentifierRune(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '_' || r == '-'
}

// Validator guards resolved remote paths
type Validator struct {
	roots []string
}

// NewValidator creates a validator that only accepts paths under one of roots.
// With no roots every absolute path is accepted.
func NewValidator(roots ...string) *Validator {
	cleaned := make([]string, 0, len(roots))
	for _, r := range roots {
		if r == "" {
			continue
		}
		cleaned = append(cleaned, path.Clean("/"+strings.TrimPrefix(r, "/")))
	}
	if len(cleaned) == 0 {
		cleaned = append(cleaned, "/")
	}
	return &Validator{roots: cleaned}
}

// ValidatePath rejects null bytes, ".." segments (also when percent-encoded or
// written with backslashes) and any path that normalizes outside the roots.
// It returns the normalized path.
func (v *Validator) ValidatePath(p string) (string, error) {
	if p == "" {
		return "", ErrEmptyPath
	}
	if strings.ContainsRune(p, '\x00') {
		return "", ErrNullByte
	}

	candidates := []string{p}
	if decoded, err := url.PathUnescape(p); err == nil && decoded != p {
		if strings.ContainsRune(decoded, '\x00') {
			return "", ErrNullByte
		}
		candidates = append(candidates, decoded)
	}
	for _, c := range candidates {
		for _, seg := range strings.Split(strings.ReplaceAll(c, `\`, "/"), "/") {
			if seg == ".." {
				return "", ErrPathTraversal
			}
		}
	}

	normalized := path.Clean("/" + strings.TrimPrefix(p, "/"))
	for _, root := range v.roots {
		if root == "/" || normalized == root || strings.HasPrefix(normalized, root+"/") {
			return normalized, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrPathEscape, normalized)
}

// SecretManager resolves secret references from configuration
type SecretManager struct{}

// NewSecretManager creates a new secret manager
func NewSecretManager() *SecretManager {
	return &SecretManager{}
}

// GetSecret retrieves a secret by key
// Supports format: env:VAR_NAME, file:/path/to/secret, or plain text
func (sm *SecretManager) GetSecret(key string) (string, error) {
	if strings.HasPrefix(key, "env:") {
		envVar := strings.TrimPrefix(key, "env:")
		value := os.Getenv(envVar)
		if value == "" {
			return "", fmt.Errorf("environment variable %s not found", envVar)
		}
		return value, nil
	}

	if strings.HasPrefix(key, "file:") {
		filePath := strings.TrimPrefix(key, "file:")
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("failed to read secret from file %s: %w", filePath, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	return key, nil
}

// RedactURL hides credential-bearing query parameters so a URL can be logged
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.User != nil {
		u.User = url.User(redacted)
	}
	q := u.Query()
	changed := false
	for key := range q {
		lk := strings.ToLower(key)
		if strings.Contains(lk, "token") || strings.Contains(lk, "key") || strings.Contains(lk, "secret") {
			q.Set(key, redacted)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
