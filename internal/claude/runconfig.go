package claude

import (
	"os"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/ebibibi/claude-discord/internal/common/errors"
)

// promptSeparator terminates flag parsing so a prompt starting with "-" can
// never be read as a flag by the agent CLI.
const promptSeparator = "--"

var (
	// Resume tokens are opaque but must stay inside a strict character set
	// before they are placed in an argument vector.
	sessionIDPattern = regexp.MustCompile(`^[a-f0-9-]+$`)

	// Tool and skill names passed as arguments.
	toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// envDenyList holds environment keys stripped from every subprocess
// environment: platform auth tokens, the engine's own API secret, and the
// CLI's nesting-detection marker.
var envDenyList = []string{
	"DISCORD_TOKEN",
	"DISCORD_BOT_TOKEN",
	"DISCORD_WEBHOOK_URL",
	"SESSIOND_SERVER_AUTH_TOKEN",
	"CLAUDECODE",
}

// RunConfig is the immutable parameter bundle for one subprocess invocation.
// A new run gets a new RunConfig; nothing mutates one after construction.
type RunConfig struct {
	Command         string
	Model           string
	PermissionMode  string
	WorkingDir      string
	Timeout         time.Duration
	ResumeSessionID string
	Prompt          string
	AllowedTools    []string

	// ExtraEnv holds additive entries (thread correlation id, control-plane
	// URL and token) layered on after the deny-list strip.
	ExtraEnv map[string]string
}

// Validate rejects untrusted input before anything reaches the argument
// vector. Validation failures never spawn a subprocess.
func (c *RunConfig) Validate() error {
	if c.Command == "" {
		return apperrors.ValidationError("command", "must not be empty")
	}
	if c.Prompt == "" {
		return apperrors.ValidationError("prompt", "must not be empty")
	}
	if c.ResumeSessionID != "" && !sessionIDPattern.MatchString(c.ResumeSessionID) {
		return apperrors.ValidationError("resume_session_id", "must contain only hex digits and hyphens")
	}
	for _, tool := range c.AllowedTools {
		if !toolNamePattern.MatchString(tool) {
			return apperrors.ValidationError("allowed_tools", "tool name "+tool+" contains invalid characters")
		}
	}
	return nil
}

// ValidateSkillName checks an externally supplied skill identifier before it
// is embedded in a prompt or argument.
func ValidateSkillName(name string) error {
	if !toolNamePattern.MatchString(name) {
		return apperrors.ValidationError("skill", "must match word characters and hyphens")
	}
	return nil
}

// Args builds the argument vector (excluding argv[0]). The prompt always
// follows the separator token, so a prompt beginning with "-" cannot be
// misread as a flag. No shell is ever involved.
func (c *RunConfig) Args() []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
	}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	if c.PermissionMode != "" {
		args = append(args, "--permission-mode", c.PermissionMode)
	}
	if len(c.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(c.AllowedTools, ","))
	}
	if c.ResumeSessionID != "" {
		args = append(args, "--resume", c.ResumeSessionID)
	}
	args = append(args, promptSeparator, c.Prompt)
	return args
}

// Env builds the subprocess environment: the parent environment minus the
// deny-list, plus the additive entries.
func (c *RunConfig) Env() []string {
	denied := make(map[string]struct{}, len(envDenyList))
	for _, key := range envDenyList {
		denied[key] = struct{}{}
	}

	env := make([]string, 0, len(os.Environ())+len(c.ExtraEnv))
	for _, entry := range os.Environ() {
		key := entry
		if idx := strings.IndexByte(entry, '='); idx >= 0 {
			key = entry[:idx]
		}
		if _, drop := denied[key]; drop {
			continue
		}
		env = append(env, entry)
	}
	for key, value := range c.ExtraEnv {
		env = append(env, key+"="+value)
	}
	return env
}
