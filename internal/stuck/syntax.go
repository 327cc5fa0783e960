package stuck

import (
	"regexp"
	"strings"
)

// danglingHeader matches a control-flow or function header with no body yet.
var danglingHeader = regexp.MustCompile(`^\s*(?:if|elif|else\s+if|for|while|def|function|func|fn|class)\b[^:;{]*[:)]\s*$`)

var closers = map[rune]rune{')': '(', ']': '[', '}': '{'}

// LooksIncomplete reports code with unbalanced brackets, an unterminated
// string or a trailing header with no body. It is a cheap lexical check,
// not a parser: comments and string literals are skipped, nothing else is
// understood. An empty language enables both comment styles.
func LooksIncomplete(code, language string) bool {
	if strings.TrimSpace(code) == "" {
		return false
	}
	if !bracketsBalanced(code, commentStyleFor(language)) {
		return true
	}
	return danglingHeader.MatchString(lastCodeLine(code))
}

type commentStyle struct {
	hash    bool
	slashes bool
}

func commentStyleFor(language string) commentStyle {
	switch strings.ToLower(language) {
	case "python", "python3", "ruby", "bash", "shell":
		return commentStyle{hash: true}
	case "":
		return commentStyle{hash: true, slashes: true}
	default:
		return commentStyle{slashes: true}
	}
}

func bracketsBalanced(code string, style commentStyle) bool {
	var stack []rune
	src := []rune(code)
	for i := 0; i < len(src); i++ {
		ch := src[i]
		switch {
		case style.slashes && ch == '/' && i+1 < len(src) && src[i+1] == '/', style.hash && ch == '#':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case style.slashes && ch == '/' && i+1 < len(src) && src[i+1] == '*':
			j := i + 2
			for j+1 < len(src) && (src[j] != '*' || src[j+1] != '/') {
				j++
			}
			if j+1 >= len(src) {
				return false
			}
			i = j + 1
		case (ch == '"' || ch == '\'') && i+2 < len(src) && src[i+1] == ch && src[i+2] == ch:
			j, ok := skipTripleQuoted(src, i)
			if !ok {
				return false
			}
			i = j
		case ch == '"' || ch == '\'' || ch == '`':
			j, ok := skipString(src, i)
			if !ok {
				return false
			}
			i = j
		case ch == '(' || ch == '[' || ch == '{':
			stack = append(stack, ch)
		case ch == ')' || ch == ']' || ch == '}':
			if len(stack) == 0 || stack[len(stack)-1] != closers[ch] {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0
}

// skipString returns the index of the closing quote of the literal opening
// at src[start]. Quote and double-quote literals end at a newline; backtick
// literals may span lines.
func skipString(src []rune, start int) (int, bool) {
	quote := src[start]
	for i := start + 1; i < len(src); i++ {
		switch src[i] {
		case '\\':
			i++
		case quote:
			return i, true
		case '\n':
			if quote != '`' {
				return i, false
			}
		}
	}
	return len(src), false
}

// skipTripleQuoted handles Python's triple-quoted literals, which may span
// lines.
func skipTripleQuoted(src []rune, start int) (int, bool) {
	quote := src[start]
	for i := start + 3; i+2 < len(src); i++ {
		if src[i] == '\\' {
			i++
			continue
		}
		if src[i] == quote && src[i+1] == quote && src[i+2] == quote {
			return i + 2, true
		}
	}
	return len(src), false
}

func lastCodeLine(code string) string {
	lines := strings.Split(code, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "//") || strings.HasPrefix(line, "#") {
			continue
		}
		return line
	}
	return ""
}
