package runstore

import "strings"

// SafeName turns an account id, step or server tag into a file name part.
// Letters, digits and "@._+-" are kept; every other rune becomes "_".
// Progress, result and log files all name themselves through it.
func SafeName(v string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(v) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case strings.ContainsRune("@._+-", r):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
