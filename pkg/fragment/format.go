package fragment

import "strings"

// Clean removes the common indentation and blank lines from a template, so
// fragments can be written as indented raw strings.
func Clean(sql string) string {
	lines := strings.Split(sql, "\n")

	// Find minimum indentation (ignoring empty lines)
	minIndent := -1
	for _, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" {
			continue
		}
		if indent := len(line) - len(trimmed); minIndent < 0 || indent < minIndent {
			minIndent = indent
		}
	}

	// Remove common indent and empty lines
	result := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		result = append(result, strings.TrimRight(line[minIndent:], " \t"))
	}
	return strings.Join(result, "\n")
}

// IndentLines prefixes each line of input with indent.
func IndentLines(input, indent string) string {
	if input == "" {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(input), "\n")
	for i, line := range lines {
		lines[i] = indent + line
	}
	return strings.Join(lines, "\n")
}
