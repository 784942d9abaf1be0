package downloader

import (
	"strings"
	"unicode"
)

// unsafeRunes are replaced when an id is used as a path component
var unsafeRunes = map[rune]string{
	'/':  "_",
	'\\': "_",
	':':  "_",
	'*':  "",
	'?':  "",
	'"':  "",
	'<':  "",
	'>':  "",
	'|':  "_",
}

// SanitizeID makes an id safe to use as a single path component
func SanitizeID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		if repl, ok := unsafeRunes[r]; ok {
			b.WriteString(repl)
			continue
		}
		if unicode.IsSpace(r) {
			b.WriteByte('_')
			continue
		}
		if !unicode.IsPrint(r) {
			continue
		}
		b.WriteRune(r)
	}

	cleaned := strings.Trim(b.String(), ".")
	if cleaned == "" {
		return "_"
	}
	return cleaned
}

// WorkDirName is the per-job segment directory name for id
func WorkDirName(id string) string {
	return "temp_" + SanitizeID(id)
}

// OutputName is the finished file name for id
func OutputName(id string) string {
	return SanitizeID(id) + ".mp4"
}
