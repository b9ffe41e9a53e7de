package sanitize

import (
	"path"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxTitleLength caps a session title in runes
const MaxTitleLength = 200

var controlChars = regexp.MustCompile(`[\x00-\x1f\x7f]`)

// Title trims a session title, drops control characters and caps its length
func Title(input string) string {
	input = strings.TrimSpace(controlChars.ReplaceAllString(input, ""))
	if utf8.RuneCountInString(input) > MaxTitleLength {
		input = string([]rune(input)[:MaxTitleLength])
	}
	return input
}

// ObjectKey normalises a storage object key. It returns "" when the key is
// empty or tries to escape the bucket with "..".
func ObjectKey(key string) string {
	key = strings.TrimSpace(controlChars.ReplaceAllString(key, ""))
	key = strings.ReplaceAll(key, "\\", "/")
	if key == "" {
		return ""
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return ""
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+key), "/")
	if cleaned == "" || cleaned == "." {
		return ""
	}
	return cleaned
}
