package util

import (
	"regexp"
)

// MaxSanitizeLength caps the input scanned by SanitizeString; longer input
// is truncated first
const MaxSanitizeLength = 64 * 1024

var redactions = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	// credentials embedded in store URLs
	{regexp.MustCompile(`(?i)\b(rediss?|redis-sentinel|unix)://([^:@/\s]*):([^@/\s]+)@`), "$1://$2:REDACTED@"},
	{regexp.MustCompile(`(?i)\b(rediss?)://([^:@/\s]+)@`), "$1://REDACTED@"},

	// AUTH command arguments echoed back in errors
	{regexp.MustCompile(`\bAUTH\s+\S+(\s+\S+)?`), "AUTH REDACTED"},

	{regexp.MustCompile(`(?i)(password|passwd|pwd|requirepass)[\s:=]+[^\s,;]+`), "$1=REDACTED"},
	{regexp.MustCompile(`(?i)"(password|redis_password)"\s*:\s*"[^"]*"`), `"$1":"REDACTED"`},

	// secret provider credentials
	{regexp.MustCompile(`\bhv[sbr]\.[A-Za-z0-9_\-]{20,}`), "REDACTED_VAULT_TOKEN"},
	{regexp.MustCompile(`(?i)(x-vault-token|token)[\s:=]+[^\s,;]+`), "$1=REDACTED"},
	{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-\.]+`), "bearer REDACTED"},
	{regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`), "REDACTED_AWS_KEY"},
	{regexp.MustCompile(`(?i)aws[_-]?secret[_-]?access[_-]?key[\s:=]+[^\s,;]+`), "aws_secret_access_key=REDACTED"},
}

// SanitizeError returns err's message with credentials redacted
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeString(err.Error())
}

// SanitizeString redacts store passwords, AUTH arguments and secret provider
// tokens from s. Use it on anything that ends up in logs, health records or
// HTTP responses.
func SanitizeString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) > MaxSanitizeLength {
		s = s[:MaxSanitizeLength] + "... [truncated]"
	}
	for _, r := range redactions {
		s = r.pattern.ReplaceAllString(s, r.replacement)
	}
	return s
}
