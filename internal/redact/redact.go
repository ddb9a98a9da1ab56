// Package redact masks credentials in text before it is echoed to a
// console or carried in an audit record, and detects credentials in
// outbound content.
package redact

import (
	"regexp"
	"unicode/utf8"
)

var sensitivePatterns = []*regexp.Regexp{
	// AWS
	regexp.MustCompile(`(?i)(aws_access_key_id|aws_secret_access_key|aws_session_token)\s*[=:]\s*['"]?[A-Za-z0-9/+=]{20,}['"]?`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),

	// GitHub
	regexp.MustCompile(`(?i)(github_token|gh_token|github_pat)\s*[=:]\s*['"]?[A-Za-z0-9_-]{30,}['"]?`),
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36}`),

	// LLM provider and agent platform keys
	regexp.MustCompile(`\bsk-(ant-|proj-)?[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`\b[a-z]{3,16}_(sk|pk|live|api)_[A-Za-z0-9]{16,}`),

	// Generic API keys
	regexp.MustCompile(`(?i)(api_key|apikey|api-key|secret_key|secretkey|secret-key|access_token|auth_token)\s*[=:]\s*['"]?[A-Za-z0-9_-]{16,}['"]?`),

	// Private keys
	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY-----`),

	// Wallet private keys named as such
	regexp.MustCompile(`(?i)\bpriv(ate)?[ _-]?key\b\W{0,8}(0x)?[0-9a-fA-F]{64}\b`),

	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_.-]{20,}`),

	// Basic auth in URLs
	regexp.MustCompile(`https?://[^:\s/]+:[^@\s/]+@`),

	// Slack tokens
	regexp.MustCompile(`xox[baprs]-[0-9]{10,13}-[0-9]{10,13}[a-zA-Z0-9-]*`),

	// Stripe
	regexp.MustCompile(`sk_live_[0-9a-zA-Z]{24}`),
	regexp.MustCompile(`rk_live_[0-9a-zA-Z]{24}`),

	regexp.MustCompile(`(?i)(password|passwd|pwd|secret)\s*[=:]\s*['"]?[^\s'"]{8,}['"]?`),
}

// bareHexKeyPattern has the shape of a raw wallet key but also of every
// transaction hash, block hash and token id, so it masks text and never
// refuses it.
var bareHexKeyPattern = regexp.MustCompile(`\b0x[0-9a-fA-F]{64}\b`)

const redactedPlaceholder = "[REDACTED]"

func Redact(input string) string {
	result := input
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllString(result, redactedPlaceholder)
	}
	return bareHexKeyPattern.ReplaceAllString(result, redactedPlaceholder)
}

// ContainsSecret reports whether input carries a credential. Bare 32-byte
// hex strings are not counted; see bareHexKeyPattern.
func ContainsSecret(input string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(input) {
			return true
		}
	}
	return false
}

// Preview redacts input and truncates it to at most max runes, marking
// the cut with an ellipsis. max <= 0 disables truncation.
func Preview(input string, max int) string {
	s := Redact(input)
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}
