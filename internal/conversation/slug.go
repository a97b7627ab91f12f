package conversation

import (
	"iter"
	"regexp"
	"strconv"
	"strings"
)

// maxSlugSuffix caps the collision suffix search in Create.
const maxSlugSuffix = 1000

var (
	slugStrip  = regexp.MustCompile(`[^a-z0-9\s-]`)
	slugSpaces = regexp.MustCompile(`\s+`)
	slugDashes = regexp.MustCompile(`-+`)
)

// Slugify converts a title into a conversation id base: lowercase ASCII
// letters, digits and single hyphens. Titles with nothing usable become
// "conversation".
func Slugify(title string) string {
	s := strings.ToLower(title)
	s = slugStrip.ReplaceAllString(s, "")
	s = slugSpaces.ReplaceAllString(s, "-")
	s = slugDashes.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "conversation"
	}
	return s
}

// slugCandidates returns the ids tried in order for base: base itself,
// then base-1 through base-(maxSlugSuffix-1).
func slugCandidates(base string) iter.Seq[string] {
	return func(yield func(string) bool) {
		if !yield(base) {
			return
		}
		for n := 1; n < maxSlugSuffix; n++ {
			if !yield(base + "-" + strconv.Itoa(n)) {
				return
			}
		}
	}
}
