package topic

import (
	"strings"
	"unicode"
)

// Key normalizes a title or slug into a topic key: lower case, runs of anything
// that is not a letter or digit collapsed to a single '-', no leading or trailing '-'.
// "Fundamental Theorem of Calculus" and "fundamental-theorem-of-calculus" share a key.
func Key(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	dash := false
	for _, r := range strings.ToLower(raw) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
			continue
		}
		dash = true
	}
	return b.String()
}
