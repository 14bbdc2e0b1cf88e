package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandKey expands a cache key template. Two tokens are recognized:
//
//	{os}          the worker OS label
//	{hash:<path>} lowercase hex SHA-256 of the named manifest file
//
// Unknown tokens are an error, as is a hash token whose manifest cannot be
// read. hashFile resolves paths relative to the run workspace.
func ExpandKey(tmpl string, osLabel string, hashFile func(string) (string, error)) (string, error) {
	var out strings.Builder
	rest := tmpl
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		out.WriteString(rest[:start])
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated token in key template %q", tmpl)
		}
		token := rest[start+1 : start+end]
		rest = rest[start+end+1:]

		switch {
		case token == "os":
			out.WriteString(osLabel)
		case strings.HasPrefix(token, "hash:"):
			path := strings.TrimPrefix(token, "hash:")
			if path == "" {
				return "", fmt.Errorf("hash token with empty path in key template %q", tmpl)
			}
			sum, err := hashFile(path)
			if err != nil {
				return "", fmt.Errorf("hash manifest %s: %w", path, err)
			}
			out.WriteString(sum)
		default:
			return "", fmt.Errorf("unknown token {%s} in key template %q", token, tmpl)
		}
	}
}

// ValidateKeyTemplate checks template syntax without touching any files.
func ValidateKeyTemplate(tmpl string) error {
	_, err := ExpandKey(tmpl, "os", func(string) (string, error) { return "0", nil })
	return err
}

// WorkspaceFileHasher returns a hashFile func rooted at dir, for use with
// ExpandKey against a checked-out run workspace.
func WorkspaceFileHasher(dir string) func(string) (string, error) {
	return func(rel string) (string, error) {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return "", err
		}
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	}
}
