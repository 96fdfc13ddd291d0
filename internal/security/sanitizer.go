// internal/security/sanitizer.go
package security

import "strings"

// MaxValueLength bounds a single value placed into script arguments or
// environment.
const MaxValueLength = 1024

// SanitizeValue prepares a controller-supplied value for a script's argv or
// environment:
// - strips control characters (0x00-0x1F and DEL) except tab
// - replaces newlines with a space so one value stays one line
// - truncates to MaxValueLength bytes without splitting a rune
func SanitizeValue(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r':
			b.WriteByte(' ')
		case r == '\t':
			b.WriteRune(r)
		case r < 0x20 || r == 0x7f:
			continue
		default:
			b.WriteRune(r)
		}
	}
	result := b.String()

	if len(result) > MaxValueLength {
		cut := MaxValueLength
		for cut > 0 && !isRuneStart(result[cut]) {
			cut--
		}
		result = result[:cut]
	}

	return result
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
