package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// Config holds configuration for the worktree manager.
type Config struct {
	// Enabled controls whether worktree isolation is active. When disabled,
	// sessions run directly in the base repository.
	Enabled bool `mapstructure:"enabled"`

	// BasePath is the base directory for worktree storage.
	// Supports ~ expansion for home directory.
	// Default: ~/.sessiond/worktrees
	BasePath string `mapstructure:"base_path"`

	// BranchPrefix is the prefix used for worktree branch names.
	// Default: session/
	BranchPrefix string `mapstructure:"branch_prefix"`
}

// DefaultBranchPrefix is used when no prefix is configured.
const DefaultBranchPrefix = "session/"

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.BranchPrefix == "" {
		c.BranchPrefix = DefaultBranchPrefix
	}
	if err := ValidateBranchPrefix(c.BranchPrefix); err != nil {
		return err
	}
	if c.BasePath == "" {
		c.BasePath = "~/.sessiond/worktrees"
	}
	return nil
}

// ExpandedBasePath returns the base path with ~ expanded to the user's home directory.
func (c *Config) ExpandedBasePath() (string, error) {
	path := c.BasePath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

// WorktreePath returns the full path for a thread's worktree directory.
func (c *Config) WorktreePath(threadID string) (string, error) {
	basePath, err := c.ExpandedBasePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(basePath, SanitizeForPath(threadID)), nil
}

// BranchName returns the branch name for a thread's worktree.
// Format: {prefix}{threadID} e.g. session/1234567890
func (c *Config) BranchName(threadID string) string {
	return c.BranchPrefix + SanitizeForPath(threadID)
}

var consecutiveHyphens = regexp.MustCompile(`-+`)

// SanitizeForPath converts an opaque thread identifier into a safe directory
// and branch name component: lowercase alphanumerics and hyphens only.
func SanitizeForPath(id string) string {
	if id == "" {
		return ""
	}

	var sb strings.Builder
	for _, r := range strings.ToLower(id) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	result := consecutiveHyphens.ReplaceAllString(sb.String(), "-")
	return strings.Trim(result, "-")
}

// ValidateBranchPrefix ensures a prefix contains only safe branch characters.
func ValidateBranchPrefix(prefix string) error {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return nil
	}
	for _, r := range trimmed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '/' || r == '-' || r == '_' || r == '.' {
			continue
		}
		return fmt.Errorf("invalid branch prefix")
	}
	if strings.Contains(trimmed, "..") || strings.Contains(trimmed, "@{") {
		return fmt.Errorf("invalid branch prefix")
	}
	return nil
}
