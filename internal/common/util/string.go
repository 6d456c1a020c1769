package util

// Truncate returns s truncated to at most max bytes.
func Truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
