package schema

import (
	"strings"
	"unicode"
)

// Humanize turns a type key or field path into a space separated, title-cased
// label: "pumpSettings.bgTarget" becomes "Pump Settings Bg Target" and
// "deviceID" becomes "Device ID".
func Humanize(name string) string {
	return strings.Join(splitWords(name), " ")
}

func splitWords(name string) []string {
	runes := []rune(name)
	words := make([]string, 0, 4)
	var current []rune
	flush := func() {
		if len(current) == 0 {
			return
		}
		current[0] = unicode.ToUpper(current[0])
		words = append(words, string(current))
		current = nil
	}
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if len(current) > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		current = append(current, r)
	}
	flush()
	return words
}
