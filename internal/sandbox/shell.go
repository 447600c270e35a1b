package sandbox

import "strings"

// ShellQuote joins a list of tokens into a single shell-interpretable string,
// quoting each token per the rules in ShellQuoteSingle. This is the only trusted
// boundary for embedding arbitrary strings into a final shell command.
func ShellQuote(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = ShellQuoteSingle(arg)
	}
	return strings.Join(quoted, " ")
}

// ShellQuoteSingle quotes a single token for shell execution.
//
//   - An empty token becomes ''.
//   - A token containing whitespace, '"', or '\' but no single quote is wrapped in
//     single quotes, which need no escaping of anything but the quote itself.
//   - A token containing a single quote is wrapped in double quotes, with
//     "\$`! backslash-escaped (these retain special meaning inside double quotes).
//   - Any other token containing shell metacharacters receives per-character
//     backslash escaping instead of being wrapped.
//   - A token with no special characters is returned unchanged.
func ShellQuoteSingle(s string) string {
	if s == "" {
		return "''"
	}

	if strings.ContainsRune(s, '\'') {
		return quoteDouble(s)
	}

	if needsWrappingQuote(s) {
		return "'" + s + "'"
	}

	if needsQuoting(s) {
		return escapePerChar(s)
	}

	return s
}

// needsWrappingQuote reports whether s should be single-quoted: it contains
// whitespace, a double quote, or a backslash, but (by the caller's precondition)
// no single quote.
func needsWrappingQuote(s string) bool {
	return strings.ContainsAny(s, " \t\n\"\\")
}

// quoteDouble wraps s in double quotes, backslash-escaping the characters that
// retain special meaning inside a double-quoted shell string.
func quoteDouble(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, c := range s {
		switch c {
		case '"', '\\', '$', '`', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	b.WriteByte('"')
	return b.String()
}

// escapePerChar backslash-escapes every shell metacharacter in s individually,
// without wrapping it in quotes.
func escapePerChar(s string) string {
	var b strings.Builder
	for _, c := range s {
		if isShellMeta(c) {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

func isShellMeta(c rune) bool {
	switch c {
	case '$', '`', '!', '*', '?', '[', ']', '(', ')', '{', '}', '<', '>', '|', '&', ';', '#', '~':
		return true
	default:
		return false
	}
}

// needsQuoting returns true if a string contains shell metacharacters.
func needsQuoting(s string) bool {
	if s == "" {
		return true
	}
	for _, c := range s {
		if c == ' ' || c == '\t' || c == '\n' || c == '"' || c == '\'' || c == '\\' || isShellMeta(c) {
			return true
		}
	}
	return false
}
