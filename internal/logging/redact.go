package logging

import (
	"log/slog"
	"strings"
)

const redactedValue = "********"

var secretKeys = []string{"api_key", "apikey", "token", "secret", "signature", "password", "authorization"}

// isSecretKey matches keys such as "api_key", "webhook.secret" or
// "server_token" by their final segment.
func isSecretKey(key string) bool {
	key = strings.ToLower(key)
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		key = key[i+1:]
	}
	for _, s := range secretKeys {
		if key == s || strings.HasSuffix(key, "_"+s) {
			return true
		}
	}
	return false
}

// redact masks non-empty string values logged under a secret key. Other
// kinds pass through so counters like prompt_tokens stay readable.
func redact(key string, v slog.Value) slog.Value {
	v = v.Resolve()
	if v.Kind() != slog.KindString || v.String() == "" || !isSecretKey(key) {
		return v
	}
	return slog.StringValue(redactedValue)
}
