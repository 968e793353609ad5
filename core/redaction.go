package core

import "strings"

const RedactedValue = "[REDACTED]"

var sensitiveKeyTokens = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"api_key",
	"apikey",
	"access_key",
	"refresh",
	"credential",
	"cookie",
	"prompt",
}

var traceabilityKeys = map[string]struct{}{
	"provider_id":     {},
	"tier":            {},
	"model":           {},
	"category":        {},
	"credential_kind": {},
	"classification":  {},
	"idempotency_key": {},
	"trace_id":        {},
	"request_id":      {},
}

func RedactSensitiveMap(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return map[string]any{}
	}
	return redactSensitiveMap(metadata)
}

func redactSensitiveMap(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if shouldRedactKey(key) {
			target[key] = RedactedValue
			continue
		}
		target[key] = redactSensitiveValue(value)
	}
	return target
}

// Raw byte payloads are request or response bodies and never logged.
func redactSensitiveValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return redactSensitiveMap(typed)
	case map[string]string:
		out := make(map[string]string, len(typed))
		for key, item := range typed {
			if shouldRedactKey(key) {
				item = RedactedValue
			}
			out[key] = item
		}
		return out
	case map[string][]string:
		out := make(map[string][]string, len(typed))
		for key, items := range typed {
			if shouldRedactKey(key) {
				items = []string{RedactedValue}
			}
			out[key] = append([]string(nil), items...)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = redactSensitiveValue(typed[i])
		}
		return out
	case []byte:
		if len(typed) == 0 {
			return typed
		}
		return RedactedValue
	default:
		return value
	}
}

func shouldRedactKey(key string) bool {
	key = normalizeFieldKey(key)
	if key == "" {
		return false
	}
	if _, ok := traceabilityKeys[key]; ok {
		return false
	}
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}

// normalizeFieldKey folds header spellings such as X-Goog-Api-Key onto
// x_goog_api_key.
func normalizeFieldKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.ReplaceAll(key, "-", "_")
}
