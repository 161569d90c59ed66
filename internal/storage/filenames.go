package storage

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	// CategoryPrefix marks category documents so they sort apart from articles
	CategoryPrefix = "category_"

	maxFilenameLength = 200
	maxUniqueAttempts = 10000
	documentExtension = ".json"
	replacementChar   = "_"
)

var (
	invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f\x7f]`)
	underscoreRuns       = regexp.MustCompile(`_+`)

	// Windows device names that cannot be used as file basenames
	reservedNames = map[string]struct{}{
		"con": {}, "prn": {}, "aux": {}, "nul": {},
		"com1": {}, "com2": {}, "com3": {}, "com4": {}, "com5": {},
		"com6": {}, "com7": {}, "com8": {}, "com9": {},
		"lpt1": {}, "lpt2": {}, "lpt3": {}, "lpt4": {}, "lpt5": {},
		"lpt6": {}, "lpt7": {}, "lpt8": {}, "lpt9": {},
	}
)

// SanitizeFilename converts an arbitrary page title into a name that is safe
// on every major filesystem. The result is deterministic for a given input.
func SanitizeFilename(title string) (string, error) {
	name := norm.NFKC.String(title)

	name = invalidFilenameChars.ReplaceAllString(name, replacementChar)
	name = underscoreRuns.ReplaceAllString(name, replacementChar)
	name = strings.Trim(name, ". ")

	if name == "" {
		return "", fmt.Errorf("title %q is empty after sanitization", title)
	}

	if _, reserved := reservedNames[strings.ToLower(name)]; reserved {
		name += "_file"
	}

	name = truncateRunes(name, maxFilenameLength)

	return name, nil
}

// SanitizeTitle prepares a raw page title for use in a document name:
// the namespace prefix is dropped and underscores become spaces for readability.
func SanitizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if rest, ok := strings.CutPrefix(title, "Category:"); ok {
		title = rest
	}
	return strings.ReplaceAll(title, "_", " ")
}

// DocumentFilename builds the final JSON filename for a page title.
// Category documents get the category_ prefix.
func DocumentFilename(title string, isCategory bool) (string, error) {
	name, err := SanitizeFilename(SanitizeTitle(title))
	if err != nil {
		return "", err
	}
	if isCategory {
		name = CategoryPrefix + name
	}
	return truncateRunes(name, maxFilenameLength-len(documentExtension)) + documentExtension, nil
}

// truncateRunes caps a string at max code points, not bytes, so multibyte
// titles are never cut mid-character.
func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
