package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const maxEntries = 10000

// Entry is a single audit log record.
type Entry struct {
	Timestamp  time.Time         `json:"ts"`
	Action     string            `json:"action"`
	BrokerID   string            `json:"broker_id,omitempty"`
	Venue      string            `json:"venue,omitempty"`
	User       string            `json:"user,omitempty"`
	Args       map[string]string `json:"args,omitempty"`
	OrderID    string            `json:"order_id,omitempty"`
	Success    bool              `json:"success"`
	Partial    bool              `json:"partial,omitempty"`
	Error      string            `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms"`
}

// Logger writes structured audit entries to a JSONL file. Safe for
// concurrent use.
type Logger struct {
	path string
	mu   sync.Mutex
}

// New creates an audit logger writing audit.<profile>.jsonl under dir.
func New(dir, profile string) (*Logger, error) {
	if profile == "" {
		profile = "default"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Logger{
		path: filepath.Join(dir, fmt.Sprintf("audit.%s.jsonl", profile)),
	}, nil
}

// Default creates a logger under ~/.config/tradegate.
func Default(profile string) (*Logger, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	return New(filepath.Join(dir, "tradegate"), profile)
}

// Path returns the journal file.
func (l *Logger) Path() string { return l.path }

// Span tracks one in-flight action. Call Finish to write it.
type Span struct {
	l     *Logger
	start time.Time
	entry Entry
}

// Begin starts tracking a new audit entry.
func (l *Logger) Begin(action, brokerID string, args map[string]string) *Span {
	now := time.Now()
	return &Span{l: l, start: now, entry: Entry{
		Timestamp: now.UTC(),
		Action:    action,
		BrokerID:  brokerID,
		Args:      args,
	}}
}

// SetVenue records the venue that served the action.
func (s *Span) SetVenue(v string) { s.entry.Venue = v }

// SetUser records the authenticated caller.
func (s *Span) SetUser(u string) { s.entry.User = u }

// SetOrder records the venue order id and whether protection failed.
func (s *Span) SetOrder(id string, partial bool) {
	s.entry.OrderID = id
	s.entry.Partial = partial
}

// Finish writes the entry with success/error status. A nil span is a no-op
// so callers without an audit logger need no guards.
func (s *Span) Finish(err error) {
	if s == nil || s.l == nil {
		return
	}
	s.entry.DurationMs = time.Since(s.start).Milliseconds()
	if err != nil {
		s.entry.Success = false
		s.entry.Error = err.Error()
	} else {
		s.entry.Success = true
	}
	s.l.write(&s.entry)
}

func (l *Logger) write(e *Entry) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	b = append(b, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	_, _ = f.Write(b)
	info, statErr := f.Stat()
	f.Close()

	if statErr == nil && info.Size() > int64(maxEntries)*512 {
		l.rotate()
	}
}

// Tail returns the last n entries, oldest first. n <= 0 returns all.
func (l *Logger) Tail(n int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// rotate keeps the newest maxEntries lines. Called with mu held.
func (l *Logger) rotate() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return
	}

	lines := make([][]byte, 0)
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			if i > start {
				lines = append(lines, data[start:i+1])
			}
			start = i + 1
		}
	}

	if len(lines) <= maxEntries {
		return
	}

	keep := lines[len(lines)-maxEntries:]
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	for _, line := range keep {
		_, _ = f.Write(line)
	}
}
