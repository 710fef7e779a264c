package session

import (
	"fmt"
	"strings"
)

const baseConcurrencyNotice = `[CONCURRENCY NOTICE — MANDATORY] You are one of MULTIPLE agent sessions ` +
	`running simultaneously. Other sessions ARE active right now. ` +
	`You MUST follow these rules to avoid destroying each other's work:

1. **Git — USE A WORKTREE (REQUIRED)**: Run ` +
	"`git worktree add ../wt-%[1]s -b session/%[1]s`" + ` BEFORE making ` +
	`any changes. Work ONLY inside your worktree. NEVER modify the main working ` +
	`directory directly. Always commit and push before finishing — uncommitted ` +
	`changes WILL be lost.
2. **Files**: Another session may be editing the same files RIGHT NOW. ` +
	"Check `git status` and recent file modification times before overwriting.\n" +
	`3. **Ports & processes**: Shared network ports or lock files may already be in use.
4. **Resources**: Shared databases, APIs with rate limits, or singleton processes ` +
	`may be accessed concurrently.

CRITICAL: If your target repository is the same as another active session's, ` +
	`you MUST use a separate worktree or stop and warn the user. ` +
	`Do NOT proceed without isolation.`

const otherSessionsHeader = "\n⚠️ ACTIVE SESSIONS RIGHT NOW (you MUST avoid conflicts with these):\n"

const sameRepoWarning = "\nIf your work targets the same repository as any session above, " +
	"you MUST use a git worktree. Do NOT proceed without isolation.\n"

// ConcurrencyNotice builds the mutual-awareness preamble injected into a new
// session's prompt. Returns "" when no other session is active.
func (r *Registry) ConcurrencyNotice(threadID string) string {
	others := r.Others(threadID)
	if len(others) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, baseConcurrencyNotice, threadID)
	b.WriteString(otherSessionsHeader)
	for _, s := range others {
		b.WriteString("- ")
		if s.Description != "" {
			b.WriteString(s.Description)
		} else {
			b.WriteString("thread " + s.ThreadID)
		}
		if s.WorkingDir != "" {
			fmt.Fprintf(&b, " (working in %s)", s.WorkingDir)
		}
		b.WriteString("\n")
	}
	b.WriteString(sameRepoWarning)
	return b.String()
}
