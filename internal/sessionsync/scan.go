// Package sessionsync discovers sessions from the agent CLI's on-disk
// storage, so conversations started outside the engine can be attached and
// resumed.
package sessionsync

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Session file names are the agent session id (a UUID) plus .jsonl.
var sessionFilePattern = regexp.MustCompile(`^[a-f0-9-]{36}\.jsonl$`)

const (
	maxSummaryChars = 100

	defaultScanLimit   = 50
	defaultMaxLines    = 20
	maxSessionLineSize = 1024 * 1024
)

// CLISession is a session discovered from CLI storage.
type CLISession struct {
	SessionID  string
	WorkingDir string
	Summary    string
	Timestamp  string
}

// ScanOptions bounds a scan.
type ScanOptions struct {
	// Limit caps how many files are parsed, newest first by modification
	// time. Zero means the default; negative means no limit.
	Limit int
	// MaxLinesPerFile caps how far into each file the parser reads when
	// looking for the first real user message. Session files can be
	// multi-megabyte; the metadata is always near the top.
	MaxLinesPerFile int
}

// Scan discovers sessions under basePath. The path can be a project
// directory containing .jsonl files directly, or a parent directory of
// project subdirectories. Results are sorted newest first.
func Scan(basePath string, opts ScanOptions) ([]*CLISession, error) {
	if opts.Limit == 0 {
		opts.Limit = defaultScanLimit
	}
	if opts.MaxLinesPerFile <= 0 {
		opts.MaxLinesPerFile = defaultMaxLines
	}

	info, err := os.Stat(basePath)
	if err != nil || !info.IsDir() {
		return nil, nil
	}

	files := collectSessionFiles(basePath)
	sort.Slice(files, func(i, j int) bool { return files[i].modTime > files[j].modTime })
	if opts.Limit > 0 && len(files) > opts.Limit {
		files = files[:opts.Limit]
	}

	var sessions []*CLISession
	for _, f := range files {
		if session := parseSessionFile(f.path, opts.MaxLinesPerFile); session != nil {
			sessions = append(sessions, session)
		}
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Timestamp > sessions[j].Timestamp })
	return sessions, nil
}

type sessionFile struct {
	path    string
	modTime int64
}

func collectSessionFiles(basePath string) []sessionFile {
	var files []sessionFile
	appendMatches := func(dir string) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, entry := range entries {
			if entry.IsDir() || !sessionFilePattern.MatchString(entry.Name()) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			files = append(files, sessionFile{
				path:    filepath.Join(dir, entry.Name()),
				modTime: info.ModTime().UnixNano(),
			})
		}
	}

	appendMatches(basePath)
	entries, err := os.ReadDir(basePath)
	if err != nil {
		return files
	}
	for _, entry := range entries {
		if entry.IsDir() {
			appendMatches(filepath.Join(basePath, entry.Name()))
		}
	}
	return files
}

// sessionLine is the subset of a CLI transcript record the scanner needs.
type sessionLine struct {
	Type      string          `json:"type"`
	IsMeta    bool            `json:"isMeta"`
	Timestamp string          `json:"timestamp"`
	CWD       string          `json:"cwd"`
	Message   json.RawMessage `json:"message"`
}

// parseSessionFile reads the head of one transcript looking for the first
// real user message to use as the summary. Returns nil when none is found.
func parseSessionFile(path string, maxLines int) *CLISession {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	sessionID := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	var timestamp string

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxSessionLineSize)
	linesRead := 0
	for scanner.Scan() {
		linesRead++
		if linesRead > maxLines {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var record sessionLine
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue
		}
		if record.Type != "user" {
			continue
		}
		if timestamp == "" && record.Timestamp != "" {
			timestamp = record.Timestamp
		}
		if record.IsMeta {
			continue
		}

		content := userMessageContent(record.Message)
		// XML-prefixed content is an internal command, not a user message.
		if content == "" || strings.HasPrefix(content, "<") {
			continue
		}

		summary := content
		if len(summary) > maxSummaryChars {
			summary = summary[:maxSummaryChars]
		}
		return &CLISession{
			SessionID:  sessionID,
			WorkingDir: record.CWD,
			Summary:    summary,
			Timestamp:  timestamp,
		}
	}
	return nil
}

// userMessageContent extracts the text of a user message, whose content is
// either a plain string or a list of content blocks.
func userMessageContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var message struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &message); err != nil {
		return ""
	}

	var text string
	if err := json.Unmarshal(message.Content, &text); err == nil {
		return text
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(message.Content, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}
