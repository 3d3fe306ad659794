package memory

import (
	"strings"
	"unicode"

	"gearbox/internal/types"
)

// Similarity scores two lessons in [0, 1]. The metric is a pluggable policy;
// the engine only promises the property-level contracts (identical text
// scores 1.0, disjoint text scores 0.0).
type Similarity func(a, b types.LessonItem) float64

// TokenOverlap is the default similarity: Jaccard overlap of the combined
// trigger+lesson token sets, lowercased with punctuation stripped.
func TokenOverlap(a, b types.LessonItem) float64 {
	ta := tokenize(a.Trigger + " " + a.Lesson)
	tb := tokenize(b.Trigger + " " + b.Lesson)

	if len(ta) == 0 && len(tb) == 0 {
		return 1.0
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}

	intersection := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union)
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
