package hl7v2

import "strings"

var (
	escaper = strings.NewReplacer(
		`\`, `\E\`,
		`|`, `\F\`,
		`^`, `\S\`,
		`&`, `\T\`,
		`~`, `\R\`,
	)
	unescaper = strings.NewReplacer(
		`\E\`, `\`,
		`\F\`, `|`,
		`\S\`, `^`,
		`\T\`, `&`,
		`\R\`, `~`,
	)
)

// Escape escapes HL7v2 delimiter characters in a value using the default
// encoding characters.
func Escape(s string) string {
	if !strings.ContainsAny(s, `\|^&~`) {
		return s
	}
	return escaper.Replace(s)
}

// Unescape reverses Escape.
func Unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	return unescaper.Replace(s)
}
