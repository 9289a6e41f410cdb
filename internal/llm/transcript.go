package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/hookflow/pkg/schema"
)

const maxTranscriptLine = 4 << 20

// Message is one conversational turn extracted from a transcript.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// TranscriptSource loads the conversation of a session.
type TranscriptSource interface {
	Read(ctx context.Context, sessionID, path string) ([]Message, error)
}

// TranscriptReader reads JSONL transcripts. An explicit path wins; otherwise
// the file is <Dir>/<session id>.jsonl.
type TranscriptReader struct {
	Dir string
}

var _ TranscriptSource = (*TranscriptReader)(nil)

// NewTranscriptReader creates a reader rooted at dir.
func NewTranscriptReader(dir string) *TranscriptReader {
	return &TranscriptReader{Dir: dir}
}

// Read returns the user and assistant text turns. Lines that are not JSON or
// carry no text are skipped.
func (r *TranscriptReader) Read(ctx context.Context, sessionID, path string) ([]Message, error) {
	if path == "" {
		if r.Dir == "" || sessionID == "" {
			return nil, schema.NewError(schema.ErrCodeNotFound, "no transcript path for session")
		}
		path = filepath.Join(r.Dir, sessionID+".jsonl")
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "transcript %s not found", path)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "open transcript: %s", err.Error()).WithCause(err)
	}
	defer f.Close()
	return ParseTranscript(ctx, f)
}

// ParseTranscript decodes JSONL turns from rd. Both the nested
// {"type", "message": {"role", "content"}} shape and flat {"role", "content"}
// lines are understood; content may be a string or a list of text blocks.
func ParseTranscript(ctx context.Context, rd io.Reader) ([]Message, error) {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), maxTranscriptLine)

	var out []Message
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var entry transcriptLine
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if msg, ok := entry.message(); ok {
			out = append(out, msg)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "read transcript: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

// Excerpt renders the last turns as "role: text" lines, keeping at most
// maxChars characters from the end of the conversation.
func Excerpt(msgs []Message, maxChars int) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Text)
		b.WriteString("\n")
	}
	s := strings.TrimSpace(b.String())
	if maxChars > 0 && len(s) > maxChars {
		s = s[len(s)-maxChars:]
	}
	return s
}

type transcriptLine struct {
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Message *struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

func (l transcriptLine) message() (Message, bool) {
	role, content := l.Role, l.Content
	if l.Message != nil {
		role, content = l.Message.Role, l.Message.Content
	}
	if role == "" {
		role = l.Type
	}
	if role != "user" && role != "assistant" {
		return Message{}, false
	}
	text := contentText(content)
	if text == "" {
		return Message{}, false
	}
	return Message{Role: role, Text: text}, true
}

func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, strings.TrimSpace(b.Text))
		}
	}
	return strings.Join(parts, "\n")
}
