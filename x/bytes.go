package x

import (
	"strconv"
	"strings"
)

// FormatBytesLimit renders b as a decimal list ("[1, 2, 3]"), listing at most limit
// elements and marking the remainder with ", ...".
func FormatBytesLimit(b []byte, limit int) string {
	n := len(b)
	if n > limit {
		n = limit
	}

	var sb strings.Builder
	sb.WriteByte('[')

	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(strconv.Itoa(int(b[i])))
	}

	if len(b) > limit {
		sb.WriteString(", ...")
	}

	sb.WriteByte(']')

	return sb.String()
}
