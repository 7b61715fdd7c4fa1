package mcp

// completeJSON returns the byte length of the first balanced top-level JSON
// value in data, or -1 when the value is still incomplete. Braces and
// brackets inside strings (including escaped quotes) do not count.
func completeJSON(data []byte) int {
	depth := 0
	inString := false
	escaped := false
	started := false
	for i, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			started = true
		case '}', ']':
			depth--
			if started && depth <= 0 {
				return i + 1
			}
		}
	}
	return -1
}

// balancedBrackets reports whether the open/close bracket counts match,
// i.e. whether waiting for more data cannot help. Used to distinguish an
// incomplete request from a malformed one.
func balancedBrackets(data []byte) bool {
	openers, closers := 0, 0
	inString := false
	escaped := false
	for _, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			openers++
		case '}', ']':
			closers++
		}
	}
	return closers >= openers
}
