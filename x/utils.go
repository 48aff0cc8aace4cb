package x

import (
	"unicode/utf8"
)

func Ternary[T any](cond bool, v1 T, v2 T) T {
	if cond {
		return v1
	}

	return v2
}

// TruncateUTF8 cuts s to at most maxBytes bytes without splitting a multi-byte rune.
func TruncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}

	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	return s[:cut]
}

// Coalesce returns the first non-zero value.
func Coalesce[T comparable](values ...T) T {
	var zero T
	for _, v := range values {
		if v != zero {
			return v
		}
	}

	return zero
}
