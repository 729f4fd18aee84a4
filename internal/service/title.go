package service

import "strings"

// Title returns the note title: the text of a level-one heading on the first
// line. ok is false when the first line is not such a heading or is empty
// after the '#'.
func Title(markdown string) (title string, ok bool) {
	line, _, _ := strings.Cut(markdown, "\n")
	line = strings.TrimSpace(line)

	rest, found := strings.CutPrefix(line, "#")
	if !found || strings.HasPrefix(rest, "#") {
		return "", false
	}

	title = strings.TrimSpace(rest)
	return title, title != ""
}
