// Package redact masks credential-shaped substrings in analyzer output and
// error text before it is stored on a job or returned to a caller.
package redact

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	CredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	KeyPlaceholder        = "[REDACTED_KEY]"

	// MaxSummaryBytes caps error_message.
	MaxSummaryBytes = 1024
)

var (
	urlCredsRegex = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://)[^/\s:@]+:[^/\s@]+@`)
	passwordRegex = regexp.MustCompile(`(?i)\b(password|passwd|pwd)(\s*[=:]\s*['"]?)[^'"&\s]{3,}`)
	apiKeyRegex   = regexp.MustCompile(
		`(?i)\b(api[_-]?key|access[_-]?token|auth[_-]?token|token|secret|client[_-]?secret)(['"]?\s*[:=]\s*['"]?)[A-Za-z0-9_\-.~+/]{8,}`,
	)
	bearerRegex    = regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9_\-.~+/]{8,}=*`)
	awsKeyRegex    = regexp.MustCompile(`\b(AKIA|ASIA)[A-Z0-9]{16}\b`)
	jwtTokenRegex  = regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`)
	providerRegex  = regexp.MustCompile(`\b(sk-[A-Za-z0-9_-]{16,}|gh[pousr]_[A-Za-z0-9]{20,}|xox[abpr]-[A-Za-z0-9-]{10,})`)
	whitespaceRuns = regexp.MustCompile(`\s+`)
)

// String masks credentials in s.
func String(s string) string {
	if s == "" {
		return s
	}
	s = jwtTokenRegex.ReplaceAllString(s, "[REDACTED_JWT]")
	s = urlCredsRegex.ReplaceAllString(s, "${1}"+CredentialPlaceholder+"@")
	s = passwordRegex.ReplaceAllString(s, "${1}${2}"+CredentialPlaceholder)
	s = apiKeyRegex.ReplaceAllString(s, "${1}${2}"+KeyPlaceholder)
	s = bearerRegex.ReplaceAllString(s, "${1} "+KeyPlaceholder)
	s = awsKeyRegex.ReplaceAllString(s, KeyPlaceholder)
	s = providerRegex.ReplaceAllString(s, KeyPlaceholder)
	return s
}

// Summary masks, collapses whitespace and caps s at MaxSummaryBytes.
func Summary(s string) string {
	return Truncate(strings.TrimSpace(whitespaceRuns.ReplaceAllString(String(s), " ")), MaxSummaryBytes)
}

// Error is Summary of err's text.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return Summary(err.Error())
}

// Truncate shortens s to at most max bytes without splitting a rune.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	const ellipsis = "…"
	cut := max - len(ellipsis)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}
