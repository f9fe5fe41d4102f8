package audit

import (
	"regexp"
	"strings"
)

// sensitiveKeywords lists substrings that mark a key as sensitive,
// case-insensitive. Extended from the teacher's original list with the
// additional names called out in §4.8.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "authorization", "bearer", "private_key", "privatekey",
	"ssn", "card", "cvv", "cookie", "jwt",
}

var (
	ccPattern  = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)
	ssnPattern = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b|\b\d{9}\b`)
	jwtPattern = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\b`)
)

// Redact returns a deep copy of payload with sensitive values scrubbed. The
// original payload is never mutated.
func Redact(payload map[string]interface{}) map[string]interface{} {
	out, _ := redactValue(payload).(map[string]interface{})
	return out
}

func redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			if isSensitiveKey(k) {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = redactValue(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = redactValue(child)
		}
		return out
	case string:
		return redactString(val)
	default:
		return v
	}
}

func redactString(s string) string {
	if jwtPattern.MatchString(s) {
		return jwtPattern.ReplaceAllString(s, "[REDACTED:JWT]")
	}
	if ccPattern.MatchString(s) {
		s = ccPattern.ReplaceAllString(s, "[REDACTED:CC]")
	}
	if ssnPattern.MatchString(s) {
		s = ssnPattern.ReplaceAllString(s, "[REDACTED:SSN]")
	}
	return s
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
