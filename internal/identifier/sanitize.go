package identifier

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrInvalidFileName is returned when a name sanitizes to the empty string
var ErrInvalidFileName = errors.New("invalid file name")

// letters that do not decompose into a base letter plus combining marks
var specialLetters = strings.NewReplacer(
	"ß", "ss", "ẞ", "SS",
	"æ", "ae", "Æ", "AE",
	"œ", "oe", "Œ", "OE",
	"ø", "o", "Ø", "O",
	"đ", "d", "Đ", "D",
	"ð", "d", "Ð", "D",
	"ł", "l", "Ł", "L",
	"þ", "th", "Þ", "TH",
	"ı", "i",
	"€", "EUR",
)

// SanitizeFileName transliterates name to ASCII and replaces every byte
// outside [.A-Za-z0-9_-] with an underscore. Trailing dots are removed.
func SanitizeFileName(name string) (string, error) {
	ascii := transliterate(name)
	trimmed := strings.TrimSpace(ascii)

	var b strings.Builder
	b.Grow(len(trimmed))
	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]
		if isSafe(c) {
			b.WriteByte(c)
		} else {
			b.WriteByte('_')
		}
	}

	clean := strings.TrimRight(b.String(), ".")
	if clean == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	return clean, nil
}

// SanitizePath sanitizes every segment of a slash separated path on its own
func SanitizePath(p string) (string, error) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, part := range parts {
		clean, err := SanitizeFileName(part)
		if err != nil {
			return "", err
		}
		parts[i] = clean
	}
	return strings.Join(parts, "/"), nil
}

func transliterate(s string) string {
	s = specialLetters.Replace(s)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func isSafe(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.', c == '_', c == '-':
		return true
	}
	return false
}
