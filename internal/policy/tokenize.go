package policy

import "strings"

// Tokenize splits a command line into arguments the way a POSIX shell would
// for plain words: whitespace separates tokens outside quotes, single quotes
// are literal, and inside double quotes a backslash escapes the next
// character. Unterminated quotes run to the end of the input. Quoted empty
// strings do not produce a token.
func Tokenize(command string) []string {
	out := []string{}
	var current strings.Builder
	inSingle := false
	inDouble := false

	flush := func() {
		if current.Len() > 0 {
			out = append(out, current.String())
			current.Reset()
		}
	}

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inSingle:
			if r == '\'' {
				inSingle = false
				continue
			}
			current.WriteRune(r)
		case inDouble:
			if r == '"' {
				inDouble = false
				continue
			}
			if r == '\\' && i+1 < len(runes) {
				i++
				current.WriteRune(runes[i])
				continue
			}
			current.WriteRune(r)
		case r == '\'':
			inSingle = true
		case r == '"':
			inDouble = true
		case isSpace(r):
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return out
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	default:
		return false
	}
}
