package citations

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	fencedRe     = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe = regexp.MustCompile("`[^`\n]*`")
	quotedRe     = regexp.MustCompile(`"[^"\n]*"`)
	markerRe     = regexp.MustCompile(`\[(\d+)\]`)
)

// extractMarkers returns the citation indices appearing in the answer, in
// order of appearance. Markers inside fenced code blocks, inline code, or
// double-quoted strings are ignored; the masking replaces those regions
// with spaces so the remaining offsets stay valid.
func extractMarkers(answer string) []int {
	masked := maskRegions(answer, fencedRe)
	masked = maskRegions(masked, inlineCodeRe)
	masked = maskRegions(masked, quotedRe)

	var out []int
	for _, m := range markerRe.FindAllStringSubmatch(masked, -1) {
		k, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, k)
	}
	return out
}

func maskRegions(s string, re *regexp.Regexp) string {
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return strings.Repeat(" ", len(match))
	})
}
