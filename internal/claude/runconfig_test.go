package claude

import (
	"strings"
	"testing"
	"time"
)

func baseConfig() RunConfig {
	return RunConfig{
		Command:        "claude",
		Model:          "sonnet",
		PermissionMode: "acceptEdits",
		Timeout:        300 * time.Second,
		Prompt:         "hello",
	}
}

func TestRunConfig_Validate(t *testing.T) {
	cfg := baseConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg = baseConfig()
	cfg.Command = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected rejection of empty command")
	}

	cfg = baseConfig()
	cfg.Prompt = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected rejection of empty prompt")
	}
}

func TestRunConfig_ValidateResumeToken(t *testing.T) {
	valid := []string{
		"0f2a9c7e-1b3d-4e5f-8a9b-0c1d2e3f4a5b",
		"deadbeef",
		"a-b-c",
	}
	for _, id := range valid {
		cfg := baseConfig()
		cfg.ResumeSessionID = id
		if err := cfg.Validate(); err != nil {
			t.Errorf("valid resume token %q rejected: %v", id, err)
		}
	}

	invalid := []string{
		"UPPER-CASE",
		"abc123;rm -rf /",
		"../../etc/passwd",
		"abc 123",
		"токен",
		"--resume",
	}
	for _, id := range invalid {
		cfg := baseConfig()
		cfg.ResumeSessionID = id
		if err := cfg.Validate(); err == nil {
			t.Errorf("invalid resume token %q accepted", id)
		}
	}
}

func TestRunConfig_ValidateAllowedTools(t *testing.T) {
	cfg := baseConfig()
	cfg.AllowedTools = []string{"Bash", "Read", "my-skill_2"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid tool list rejected: %v", err)
	}

	cfg.AllowedTools = []string{"Bash", "rm -rf"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected rejection of tool name with spaces")
	}

	cfg.AllowedTools = []string{"a;b"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected rejection of tool name with metacharacters")
	}
}

func TestValidateSkillName(t *testing.T) {
	if err := ValidateSkillName("deploy-docs_v2"); err != nil {
		t.Errorf("valid skill name rejected: %v", err)
	}
	for _, name := range []string{"", "a b", "x;y", "../skill"} {
		if err := ValidateSkillName(name); err == nil {
			t.Errorf("invalid skill name %q accepted", name)
		}
	}
}

// The prompt must always sit strictly after the separator so a prompt that
// looks like a flag can never be parsed as one.
func TestRunConfig_ArgsPromptAfterSeparator(t *testing.T) {
	prompts := []string{
		"hello",
		"-rf /",
		"--resume stolen-id",
		"; rm -rf / ;",
		"$(cat /etc/passwd)",
		"`whoami`",
		"-",
	}

	for _, prompt := range prompts {
		cfg := baseConfig()
		cfg.Prompt = prompt
		args := cfg.Args()

		sepIdx := -1
		for i, arg := range args {
			if arg == promptSeparator {
				sepIdx = i
				break
			}
		}
		if sepIdx < 0 {
			t.Fatalf("prompt %q: no separator in argv %v", prompt, args)
		}
		if sepIdx != len(args)-2 {
			t.Errorf("prompt %q: separator not immediately before prompt: %v", prompt, args)
		}
		if args[len(args)-1] != prompt {
			t.Errorf("prompt %q: final arg is %q", prompt, args[len(args)-1])
		}
	}
}

func TestRunConfig_ArgsFlags(t *testing.T) {
	cfg := baseConfig()
	cfg.AllowedTools = []string{"Bash", "Read"}
	cfg.ResumeSessionID = "deadbeef"
	args := cfg.Args()

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-p",
		"--output-format stream-json",
		"--verbose",
		"--model sonnet",
		"--permission-mode acceptEdits",
		"--allowedTools Bash,Read",
		"--resume deadbeef",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("argv missing %q: %v", want, args)
		}
	}
}

func TestRunConfig_ArgsOmitsEmptyFlags(t *testing.T) {
	cfg := baseConfig()
	cfg.Model = ""
	cfg.PermissionMode = ""
	args := cfg.Args()

	joined := strings.Join(args, " ")
	if strings.Contains(joined, "--model") {
		t.Error("empty model must not produce a --model flag")
	}
	if strings.Contains(joined, "--permission-mode") {
		t.Error("empty permission mode must not produce a flag")
	}
	if strings.Contains(joined, "--resume") {
		t.Error("absent resume token must not produce a --resume flag")
	}
}

func TestRunConfig_EnvStripsDenyList(t *testing.T) {
	for _, key := range envDenyList {
		t.Setenv(key, "secret-value")
	}
	t.Setenv("HARMLESS_VAR", "keep-me")

	cfg := baseConfig()
	env := cfg.Env()

	seen := map[string]string{}
	for _, entry := range env {
		if idx := strings.IndexByte(entry, '='); idx >= 0 {
			seen[entry[:idx]] = entry[idx+1:]
		}
	}

	for _, key := range envDenyList {
		if _, ok := seen[key]; ok {
			t.Errorf("deny-listed key %s leaked into subprocess environment", key)
		}
	}
	if seen["HARMLESS_VAR"] != "keep-me" {
		t.Error("unrelated environment entries must be preserved")
	}
}

func TestRunConfig_EnvAdditiveEntries(t *testing.T) {
	cfg := baseConfig()
	cfg.ExtraEnv = map[string]string{
		"SESSIOND_THREAD_ID": "t-42",
		"SESSIOND_API_URL":   "http://127.0.0.1:8080",
	}
	env := cfg.Env()

	found := 0
	for _, entry := range env {
		if entry == "SESSIOND_THREAD_ID=t-42" || entry == "SESSIOND_API_URL=http://127.0.0.1:8080" {
			found++
		}
	}
	if found != 2 {
		t.Errorf("expected both additive entries, found %d in %d total", found, len(env))
	}
}
