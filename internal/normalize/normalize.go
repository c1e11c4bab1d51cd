package normalize

import "strings"

// Email returns a normalized form of an email address suitable for
// storage and comparisons. Normalization currently trims surrounding
// whitespace and lower-cases the address.
func Email(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// Username trims surrounding whitespace. Case is preserved for display but
// uniqueness is enforced on the lower-cased key returned by UsernameKey.
func Username(u string) string {
	return strings.TrimSpace(u)
}

// UsernameKey is the case-insensitive lookup key for a username.
func UsernameKey(u string) string {
	return strings.ToLower(Username(u))
}

// Pair returns the two ids in ascending order so that a conversation between
// a and b has one canonical representation regardless of direction.
func Pair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
