package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing substrings in log/error strings.
var secretPatterns = []*regexp.Regexp{
	// Generic key=value secrets: long opaque values after key-like prefixes.
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Telegram bot tokens: numeric id, colon, long opaque secret.
	regexp.MustCompile(`\b\d{6,12}:[A-Za-z0-9_\-]{30,}\b`),
	// Anthropic-style keys.
	regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
// Every string that might carry credential material must pass through here
// before reaching a log sink.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// Keep the key-like prefix when the pattern captured one.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue returns a placeholder when the key name looks secret.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"api_key", "apikey", "secret", "token", "password", "credential"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
