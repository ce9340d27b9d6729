package httpapi

import "strings"

// ParseGoal strips a trailing parenthesized "(Key: value, ...)" suffix from
// a submitted goal and parses it into a response_format map, per the goal
// syntax rule: scan from the end for the last balanced "(...)" group, split
// its contents on top-level commas, split each piece on the first ":", and
// trim whitespace on both sides. A goal with no such trailing group is
// returned unchanged with a nil map.
func ParseGoal(goal string) (string, map[string]string) {
	trimmed := strings.TrimRight(goal, " \t\n\r")
	if !strings.HasSuffix(trimmed, ")") {
		return goal, nil
	}

	depth := 0
	openIdx := -1
	for i := len(trimmed) - 1; i >= 0; i-- {
		switch trimmed[i] {
		case ')':
			depth++
		case '(':
			depth--
			if depth == 0 {
				openIdx = i
			}
		}
		if openIdx != -1 {
			break
		}
	}
	if openIdx == -1 {
		return goal, nil
	}

	inner := trimmed[openIdx+1 : len(trimmed)-1]
	pieces := splitTopLevelCommas(inner)
	format := make(map[string]string, len(pieces))
	for _, piece := range pieces {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		idx := strings.Index(piece, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(piece[:idx])
		value := strings.TrimSpace(piece[idx+1:])
		if key == "" {
			continue
		}
		format[key] = value
	}
	if len(format) == 0 {
		return goal, nil
	}

	strippedGoal := strings.TrimRight(trimmed[:openIdx], " \t\n\r")
	return strippedGoal, format
}

func splitTopLevelCommas(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}
