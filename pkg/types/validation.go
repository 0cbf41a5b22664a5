package types

import (
	"strings"
	"unicode"
)

// IsValidStudentName accepts names made of letters and spaces in any script,
// 1-100 characters. The roster check decides whether the name exists; this
// only guards the format.
func IsValidStudentName(name string) bool {
	if len(name) < 1 || len(name) > 100 {
		return false
	}
	hasLetter := false
	for _, r := range name {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case r == ' ' || r == '-':
		default:
			return false
		}
	}
	return hasLetter
}

// CleanStudentName collapses whitespace and title-cases each word so the
// same student always produces the same session identity.
func CleanStudentName(name string) string {
	words := strings.Fields(name)
	for i, w := range words {
		runes := []rune(strings.ToLower(w))
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}

// NormalizeClass upper-cases and trims a class label ("11a" -> "11A").
func NormalizeClass(class string) string {
	return strings.ToUpper(strings.TrimSpace(class))
}

// Slug builds the session id base from class and name: lower-cased letters
// and digits of any script, everything else collapsed to single hyphens.
func Slug(class, name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(class + " " + name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastHyphen = false
		} else if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
