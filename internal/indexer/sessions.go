package indexer

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/memsync/internal/record"
)

const (
	maxTranscriptLine = 10 * 1024 * 1024
	summaryRunes      = 120
)

// SessionSource enumerates JSONL session transcripts below a directory.
// Each transcript becomes one session record holding its user and
// assistant messages.
type SessionSource struct {
	dir string
}

// NewSessionSource validates dir.
func NewSessionSource(dir string) (*SessionSource, error) {
	clean, err := validateRoot(dir)
	if err != nil {
		return nil, err
	}
	return &SessionSource{dir: clean}, nil
}

func (s *SessionSource) Name() string { return "sessions" }

func (s *SessionSource) Prefix() string { return "session:" }

// Root returns the transcript directory.
func (s *SessionSource) Root() string { return s.dir }

func (s *SessionSource) Items(ctx context.Context, yield func(Item) error) error {
	return filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(p) != ".jsonl" {
			return nil
		}
		item, err := s.load(p)
		if err != nil {
			return err
		}
		return yield(item)
	})
}

// ItemForPath returns the item for one transcript.
func (s *SessionSource) ItemForPath(path string) (Item, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Item{}, err
	}
	rel, err := filepath.Rel(s.dir, abs)
	if err != nil || strings.HasPrefix(rel, "..") || filepath.Ext(abs) != ".jsonl" {
		return Item{}, ErrNotCovered
	}
	if _, err := os.Stat(abs); errors.Is(err, os.ErrNotExist) {
		return Item{SourceID: s.Prefix() + filepath.ToSlash(rel), Path: filepath.ToSlash(rel), Deleted: true}, nil
	}
	return s.load(abs)
}

func (s *SessionSource) load(path string) (Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Item{}, fmt.Errorf("reading transcript: %w", err)
	}
	rel, err := filepath.Rel(s.dir, path)
	if err != nil {
		return Item{}, err
	}
	rel = filepath.ToSlash(rel)
	sum := sha256.Sum256(data)
	return Item{
		SourceID:    s.Prefix() + rel,
		Fingerprint: hex.EncodeToString(sum[:]),
		Path:        rel,
		Drafts:      func() ([]Draft, error) {
			t, err := ParseTranscript(bytes.NewReader(data), strings.TrimSuffix(filepath.Base(path), ".jsonl"))
			if err != nil {
				return nil, err
			}
			if len(t.Messages) == 0 {
				return nil, nil
			}
			return []Draft{{Key: "0", Record: t.Record(rel)}}, nil
		},
	}, nil
}

// Transcript is a parsed session file.
type Transcript struct {
	SessionID  string
	Messages   []record.Message
	Cwd        string
	ErrorCount int
}

// Record renders the transcript as a session record.
func (t *Transcript) Record(rel string) *record.Record {
	var b strings.Builder
	summary := ""
	for i, m := range t.Messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		if summary == "" && m.Role == "user" {
			summary = truncateRunes(firstLine(m.Content), summaryRunes)
		}
	}
	meta := map[string]string{"transcript": rel, "messages": fmt.Sprint(len(t.Messages))}
	if t.Cwd != "" {
		meta["cwd"] = t.Cwd
	}
	return &record.Record{
		Kind:      record.KindSession,
		Content:   b.String(),
		Summary:   summary,
		SessionID: t.SessionID,
		Messages:  append([]record.Message(nil), t.Messages...),
		Tags:      []string{"session"},
		Source:    record.Source{File: rel, Tool: "transcript"},
		CreatedAt: t.Messages[0].Timestamp,
		Metadata:  meta,
	}
}

// transcriptLine is one JSONL line. Two shapes are accepted: agent logs
// ({"type":"user","message":{...}}) and flat messages ({"role","content"}).
type transcriptLine struct {
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message,omitempty"`
	Role      string          `json:"role,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Cwd       string          `json:"cwd,omitempty"`
}

type nestedMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

// ParseTranscript reads JSONL messages. Lines that fail to parse are
// counted and skipped rather than failing the transcript.
func ParseTranscript(r io.Reader, fallbackID string) (*Transcript, error) {
	t := &Transcript{SessionID: fallbackID}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxTranscriptLine)

	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var tl transcriptLine
		if err := json.Unmarshal(line, &tl); err != nil {
			t.ErrorCount++
			continue
		}
		if tl.SessionID != "" {
			t.SessionID = tl.SessionID
		}
		if tl.Cwd != "" && t.Cwd == "" {
			t.Cwd = tl.Cwd
		}

		role, raw := tl.Role, tl.Content
		if tl.Type != "" {
			if tl.Type != "user" && tl.Type != "assistant" {
				continue
			}
			role = tl.Type
			var nm nestedMessage
			if err := json.Unmarshal(tl.Message, &nm); err == nil && nm.Role != "" {
				raw = nm.Content
			} else {
				raw = tl.Message
			}
		}
		if role != "user" && role != "assistant" {
			continue
		}
		text := extractText(raw)
		if text == "" {
			continue
		}
		t.Messages = append(t.Messages, record.Message{
			Role:      role,
			Content:   text,
			Timestamp: parseTimestamp(tl.Timestamp),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning transcript: %w", err)
	}
	return t, nil
}

// extractText accepts a plain string or a list of content blocks. Tool
// calls are kept as a one-line marker.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case "tool_use":
			if b.Name != "" {
				parts = append(parts, "[tool: "+b.Name+"]")
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
