// internal/security/scrubber.go
package security

import "regexp"

var (
	// password=..., token: ..., secret=... as printed by scripts and URLs
	credentialPattern = regexp.MustCompile(`(?i)\b(password|passwd|token|secret|api_key|apikey)(\s*[=:]\s*)[^\s&"']+`)
	bearerPattern     = regexp.MustCompile(`Bearer\s+\S{20,}`)
	// user:password@ in URLs
	urlAuthPattern = regexp.MustCompile(`(://[^/\s:@]+):[^/\s@]+@`)
	// Long hex strings (32+ chars), likely API keys or session ids
	hexKeyPattern = regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`)
)

// ScrubOutput redacts credentials from script output before it is stored in
// run history.
func ScrubOutput(output string) string {
	result := bearerPattern.ReplaceAllString(output, "Bearer [REDACTED]")
	result = credentialPattern.ReplaceAllString(result, "${1}${2}[REDACTED]")
	result = urlAuthPattern.ReplaceAllString(result, "${1}:[REDACTED]@")
	result = hexKeyPattern.ReplaceAllString(result, "[REDACTED]")
	return result
}
