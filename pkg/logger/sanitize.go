package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const redacted = "***"

// Keys are compared with '-' and '_' removed, so "api-key" and "apiKey" both
// match "apikey".
var sensitiveKeys = []string{
	"password",
	"credential",
	"token",
	"secret",
	"authorization",
	"apikey",
}

// SanitizeFields masks fields whose key, or any nested map key, looks like a
// secret.
func SanitizeFields(fields []zap.Field) []zap.Field {
	if len(fields) == 0 {
		return fields
	}

	out := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		if IsSensitiveKey(field.Key) {
			out = append(out, zap.String(field.Key, redacted))
			continue
		}

		enc := zapcore.NewMapObjectEncoder()
		field.AddTo(enc)
		value, ok := enc.Fields[field.Key]
		if !ok {
			out = append(out, field)
			continue
		}
		if _, nested := value.(map[string]any); !nested {
			if _, list := value.([]any); !list {
				out = append(out, field)
				continue
			}
		}
		out = append(out, zap.Any(field.Key, redactValue(field.Key, value)))
	}
	return out
}

func redactValue(key string, value any) any {
	if IsSensitiveKey(key) {
		return redacted
	}
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[k] = redactValue(k, v)
		}
		return out
	case []any:
		out := make([]any, 0, len(typed))
		for _, item := range typed {
			out = append(out, redactValue(key, item))
		}
		return out
	default:
		return typed
	}
}

func IsSensitiveKey(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return false
	}
	normalized = strings.NewReplacer("-", "", "_", "").Replace(normalized)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(normalized, sensitive) {
			return true
		}
	}
	return false
}
