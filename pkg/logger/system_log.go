package logger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultSystemLogCapacity = 1000
	defaultLogPageSize       = 50
	maxLogPageSize           = 500
)

type SystemLogEntry struct {
	ID         int64          `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"`
	LoggerName string         `json:"logger_name,omitempty"`
	Message    string         `json:"message"`
	Caller     string         `json:"caller,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// LogQuery filters the in-memory log. Zero values match everything. Field
// filters match on the string form of a structured field, so
// {"account_id": "acc-1"} finds every line logged for that account.
type LogQuery struct {
	Level    string
	From     time.Time
	To       time.Time
	Keyword  string
	Fields   map[string]string
	Page     int
	PageSize int
}

type LogPage struct {
	Items    []SystemLogEntry `json:"items"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// SystemLogStore keeps the most recent log entries, oldest evicted first.
// Sensitive fields are redacted before an entry is stored.
type SystemLogStore struct {
	mu       sync.RWMutex
	entries  *queue.Queue
	capacity int
	seq      int64
}

func NewSystemLogStore(capacity int) *SystemLogStore {
	if capacity <= 0 {
		capacity = defaultSystemLogCapacity
	}
	return &SystemLogStore{entries: queue.New(), capacity: capacity}
}

// WrapZapLogger tees every entry the base logger writes into store.
func WrapZapLogger(base *zap.Logger, store *SystemLogStore) *zap.Logger {
	if base == nil || store == nil {
		return base
	}
	return base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return &systemLogCore{Core: core, store: store}
	}))
}

func (s *SystemLogStore) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries.Length()
}

// Query returns matching entries newest first.
func (s *SystemLogStore) Query(q LogQuery) LogPage {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = defaultLogPageSize
	}
	if q.PageSize > maxLogPageSize {
		q.PageSize = maxLogPageSize
	}
	page := LogPage{Items: []SystemLogEntry{}, Page: q.Page, PageSize: q.PageSize}
	if s == nil {
		return page
	}

	level := strings.ToLower(strings.TrimSpace(q.Level))
	keyword := strings.ToLower(strings.TrimSpace(q.Keyword))

	matched := make([]SystemLogEntry, 0)
	for _, entry := range s.newestFirst() {
		if level != "" && entry.Level != level {
			continue
		}
		if !q.From.IsZero() && entry.Timestamp.Before(q.From.UTC()) {
			continue
		}
		if !q.To.IsZero() && entry.Timestamp.After(q.To.UTC()) {
			continue
		}
		if keyword != "" && !containsKeyword(entry, keyword) {
			continue
		}
		if !matchesFields(entry, q.Fields) {
			continue
		}
		matched = append(matched, entry)
	}

	page.Total = len(matched)
	start := (q.Page - 1) * q.PageSize
	if start >= len(matched) {
		return page
	}
	end := start + q.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	page.Items = matched[start:end]
	return page
}

func containsKeyword(entry SystemLogEntry, keyword string) bool {
	if strings.Contains(strings.ToLower(entry.Message), keyword) ||
		strings.Contains(strings.ToLower(entry.LoggerName), keyword) ||
		strings.Contains(strings.ToLower(entry.Caller), keyword) {
		return true
	}
	for _, value := range entry.Fields {
		if strings.Contains(strings.ToLower(fmt.Sprint(value)), keyword) {
			return true
		}
	}
	return false
}

func matchesFields(entry SystemLogEntry, want map[string]string) bool {
	for key, expected := range want {
		value, ok := entry.Fields[key]
		if !ok || fmt.Sprint(value) != expected {
			return false
		}
	}
	return true
}

func (s *SystemLogStore) add(entry zapcore.Entry, fields []zapcore.Field) {
	item := SystemLogEntry{
		Timestamp:  entry.Time.UTC(),
		Level:      entry.Level.String(),
		LoggerName: entry.LoggerName,
		Message:    entry.Message,
		Caller:     entry.Caller.TrimmedPath(),
		Fields:     redactedMap(fields),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	item.ID = s.seq
	s.entries.Add(item)
	for s.entries.Length() > s.capacity {
		s.entries.Remove()
	}
}

func (s *SystemLogStore) newestFirst() []SystemLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.entries.Length()
	out := make([]SystemLogEntry, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, s.entries.Get(i).(SystemLogEntry))
	}
	return out
}

func redactedMap(fields []zapcore.Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	enc := zapcore.NewMapObjectEncoder()
	for _, field := range fields {
		field.AddTo(enc)
	}
	if len(enc.Fields) == 0 {
		return nil
	}
	out := make(map[string]any, len(enc.Fields))
	for key, value := range enc.Fields {
		out[key] = redactValue(key, value)
	}
	return out
}

// systemLogCore carries the fields added through With so stored entries keep
// their logger context (node_id, account_id and so on).
type systemLogCore struct {
	zapcore.Core
	store   *SystemLogStore
	context []zapcore.Field
}

func (c *systemLogCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.context)+len(fields))
	merged = append(merged, c.context...)
	merged = append(merged, fields...)
	return &systemLogCore{Core: c.Core.With(fields), store: c.store, context: merged}
}

func (c *systemLogCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Core.Check(entry, nil) == nil {
		return checked
	}
	return checked.AddCore(entry, c)
}

func (c *systemLogCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	all := fields
	if len(c.context) > 0 {
		all = make([]zapcore.Field, 0, len(c.context)+len(fields))
		all = append(all, c.context...)
		all = append(all, fields...)
	}
	c.store.add(entry, all)
	return c.Core.Write(entry, fields)
}
