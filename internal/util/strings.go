package util

// SafeTruncate returns at most the first maxLen bytes of s. It is used to log
// a recognizable prefix of a code or token without logging the credential.
// A negative maxLen yields "".
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TokenPrefix is the number of leading characters of a code or token that
// may appear in logs.
const TokenPrefix = 8

// Redact returns the loggable prefix of a code or token.
func Redact(token string) string {
	if token == "" {
		return ""
	}
	return SafeTruncate(token, TokenPrefix) + "..."
}
