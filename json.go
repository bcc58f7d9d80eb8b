package pfw

import "encoding/json"

// asciiSpace matches the whitespace set trimmed from event lines.
func asciiSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '\v' || c == '\f'
}

// TrimEventLine strips surrounding whitespace and a single trailing
// comma from one archive line. It allocates nothing; the result aliases
// line.
func TrimEventLine(line []byte) []byte {
	start, end := 0, len(line)
	for start < end && asciiSpace(line[start]) {
		start++
	}
	for end > start && asciiSpace(line[end-1]) {
		end--
	}
	if end > start && line[end-1] == ',' {
		end--
		for end > start && asciiSpace(line[end-1]) {
			end--
		}
	}
	return line[start:end]
}

// ValidateEventLine trims line and reports whether the remainder is a
// complete JSON object. Array delimiter lines ("[", "]"), empty lines,
// and malformed records all report false; rejection is a drop, never an
// error. The returned slice aliases line.
func ValidateEventLine(line []byte) ([]byte, bool) {
	t := TrimEventLine(line)
	if len(t) < 2 || t[0] != '{' || t[len(t)-1] != '}' {
		return nil, false
	}
	if !json.Valid(t) {
		return nil, false
	}
	return t, true
}
