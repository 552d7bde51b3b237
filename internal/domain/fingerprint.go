package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Fingerprint hashes the normalized title+body of an item. Two items
// with the same semantic text produce the same fingerprint even when
// their ids, markdown decoration or spacing differ, which is what the
// duplicate-delivery guard keys on.
func Fingerprint(title, content string) string {
	sum := sha256.Sum256([]byte(Normalize(title + "\n" + content)))
	return hex.EncodeToString(sum[:])
}

// Normalize lowercases the text, strips markdown decoration and
// collapses all whitespace runs to single spaces.
func Normalize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case r == '*' || r == '_' || r == '`' || r == '#' || r == '~':
			// markdown decoration
		case unicode.IsSpace(r):
			space = true
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Preview returns the first n runes of the normalized text, for
// operator-readable ledger entries.
func Preview(s string, n int) string {
	s = Normalize(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
