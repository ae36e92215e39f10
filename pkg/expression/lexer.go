package expression

import "strings"

// promoteIntegerLiterals rewrites integer literals to doubles ("3" becomes
// "3.0") so that arithmetic between literals and state numbers, which are
// always doubles, stays within one numeric type. String literals, hex and
// unsigned literals, digits inside identifiers and index operands directly
// following an indexable expression are left untouched.
func promoteIntegerLiterals(expression string) string {
	var out strings.Builder

	out.Grow(len(expression) + 8)

	for i := 0; i < len(expression); {
		c := expression[i]

		switch {
		case c == '"' || c == '\'':
			end := skipString(expression, i)
			out.WriteString(expression[i:end])
			i = end
		case isDigit(c) && !continuesToken(expression, i):
			end, integer := scanNumber(expression, i)

			out.WriteString(expression[i:end])

			if integer && !isIndexOperand(expression, i) {
				out.WriteString(".0")
			}

			i = end
		default:
			out.WriteByte(c)
			i++
		}
	}

	return out.String()
}

// skipString returns the offset just past the string literal starting at
// start. Raw strings (r"...") do not treat backslashes as escapes.
func skipString(s string, start int) int {
	quote := s[start]
	raw := start > 0 && (s[start-1] == 'r' || s[start-1] == 'R') &&
		(start < 2 || !isIdentChar(s[start-2]) || s[start-2] == 'b' || s[start-2] == 'B')

	delimiter := string(quote)
	if strings.HasPrefix(s[start:], strings.Repeat(delimiter, 3)) {
		delimiter = strings.Repeat(delimiter, 3)
	}

	for i := start + len(delimiter); i < len(s); i++ {
		if s[i] == '\\' && !raw {
			i++

			continue
		}

		if strings.HasPrefix(s[i:], delimiter) {
			return i + len(delimiter)
		}
	}

	return len(s)
}

// continuesToken reports whether the digit at i belongs to an identifier or
// to the fractional part of a number already written.
func continuesToken(s string, i int) bool {
	if i == 0 {
		return false
	}

	prev := s[i-1]

	return isIdentChar(prev) || prev == '.'
}

// scanNumber returns the end of the numeric literal at start and whether it
// is a plain decimal integer.
func scanNumber(s string, start int) (int, bool) {
	end := start
	if strings.HasPrefix(s[start:], "0x") || strings.HasPrefix(s[start:], "0X") {
		end += 2
		for end < len(s) && isIdentChar(s[end]) {
			end++
		}

		return end, false
	}

	for end < len(s) && isDigit(s[end]) {
		end++
	}

	integer := true

	if end+1 < len(s) && s[end] == '.' && isDigit(s[end+1]) {
		integer = false
		end++

		for end < len(s) && isDigit(s[end]) {
			end++
		}
	}

	if end < len(s) && (s[end] == 'e' || s[end] == 'E') {
		integer = false
		end++

		if end < len(s) && (s[end] == '+' || s[end] == '-') {
			end++
		}

		for end < len(s) && isDigit(s[end]) {
			end++
		}
	}

	if end < len(s) && (s[end] == 'u' || s[end] == 'U') {
		return end + 1, false
	}

	return end, integer
}

// isIndexOperand reports whether the literal at start opens an index
// expression such as list[0] or f(x)[1].
func isIndexOperand(s string, start int) bool {
	j := start - 1
	for j >= 0 && s[j] == ' ' {
		j--
	}

	if j < 0 || s[j] != '[' {
		return false
	}

	j--
	for j >= 0 && s[j] == ' ' {
		j--
	}

	return j >= 0 && (isIdentChar(s[j]) || s[j] == ')' || s[j] == ']')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentChar(c byte) bool {
	return c == '_' || isDigit(c) || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
