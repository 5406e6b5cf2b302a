package vfs

import (
	"fmt"
	"strings"
)

// UnixToSQL converts shell-style wildcards to the catalog's LIKE syntax,
// escaping the characters that are special to LIKE.
func UnixToSQL(unix string) string {
	var b strings.Builder
	b.Grow(len(unix))
	for _, c := range unix {
		switch c {
		case '%':
			b.WriteString(`\%`)
		case '_':
			b.WriteString(`\_`)
		case '\\':
			b.WriteString(`\\`)
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

// EscapeSQL escapes a literal string for use in a LIKE pattern, without
// wildcard translation. Used for exact-name resolution.
func EscapeSQL(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Match reports whether text matches the shell-style pattern (* and ?).
// Unlike path.Match, * crosses path separators.
func Match(pattern, text string) bool {
	pi, ti := 0, 0
	star, mark := -1, 0
	for ti < len(text) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == text[ti]):
			pi++
			ti++
		case pi < len(pattern) && pattern[pi] == '*':
			star, mark = pi, ti
			pi++
		case star >= 0:
			// Backtrack: let the last * swallow one more character.
			pi, mark = star+1, mark+1
			ti = mark
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// NormalizePath flattens "." and ".." segments and returns the path without
// a leading slash. Climbing above the root is an error.
func NormalizePath(p string) (string, error) {
	var stack []string
	for _, seg := range strings.Split(strings.ReplaceAll(p, `\`, "/"), "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(stack) == 0 {
				return "", fmt.Errorf("%w: path escapes root: %s", ErrInvalidArgument, p)
			}
			stack = stack[:len(stack)-1]
		default:
			stack = append(stack, seg)
		}
	}
	return strings.Join(stack, "/"), nil
}
