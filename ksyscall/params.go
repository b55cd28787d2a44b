package ksyscall

import (
	"fmt"
	"strings"

	"github.com/kernelcore/xhcimod/errno"
)

// splitParams tokenizes a shell-like parameter string into argv
// entries, per spec §6: single and double quoting, and the escapes
// \n \t \r \b \\ \e (the last producing ASCII ESC, 0x1B). Unquoted
// whitespace separates tokens; a run of quoted-empty text still
// produces a token ("" is a valid, distinct argument).
func splitParams(s string) ([]string, error) {
	var args []string
	var cur strings.Builder
	haveToken := false

	const (
		none = iota
		single
		double
	)
	quote := none

	i := 0
	for i < len(s) {
		c := s[i]

		switch quote {
		case single:
			if c == '\'' {
				quote = none
				i++
				continue
			}
			cur.WriteByte(c)
			i++
			continue

		case double:
			if c == '"' {
				quote = none
				i++
				continue
			}
			if c == '\\' && i+1 < len(s) {
				esc, n, ok := decodeEscape(s[i+1:])
				if ok {
					cur.WriteByte(esc)
					i += 1 + n
					continue
				}
			}
			cur.WriteByte(c)
			i++
			continue
		}

		switch {
		case c == ' ' || c == '\t':
			if haveToken {
				args = append(args, cur.String())
				cur.Reset()
				haveToken = false
			}
			i++

		case c == '\'':
			quote = single
			haveToken = true
			i++

		case c == '"':
			quote = double
			haveToken = true
			i++

		case c == '\\' && i+1 < len(s):
			esc, n, ok := decodeEscape(s[i+1:])
			haveToken = true
			if ok {
				cur.WriteByte(esc)
				i += 1 + n
			} else {
				cur.WriteByte(s[i+1])
				i += 2
			}

		default:
			haveToken = true
			cur.WriteByte(c)
			i++
		}
	}

	if quote != none {
		return nil, fmt.Errorf("ksyscall: unterminated quote in params: %w", errno.EInval)
	}

	if haveToken {
		args = append(args, cur.String())
	}

	return args, nil
}

// decodeEscape reads one escape sequence from the start of rest
// (rest[0] is the character following the backslash) and reports how
// many bytes of rest it consumed.
func decodeEscape(rest string) (b byte, n int, ok bool) {
	if len(rest) == 0 {
		return 0, 0, false
	}

	switch rest[0] {
	case 'n':
		return '\n', 1, true
	case 't':
		return '\t', 1, true
	case 'r':
		return '\r', 1, true
	case 'b':
		return '\b', 1, true
	case '\\':
		return '\\', 1, true
	case 'e':
		return 0x1B, 1, true
	default:
		return 0, 0, false
	}
}
