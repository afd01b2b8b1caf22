package guard

import (
	"path"
	"strings"

	"overseer/internal/config"
)

// PathGrade controls how strict a document's modification workflow is.
type PathGrade string

const (
	GradeImmutable PathGrade = "IMMUTABLE"
	GradeMutable   PathGrade = "MUTABLE"
	GradeFeature   PathGrade = "FEATURE"
	GradeUnknown   PathGrade = "UNKNOWN"
)

type gradeMatcher struct {
	pattern string
	grade   PathGrade
}

// Grader classifies file paths into grades using an ordered matcher table.
// First match wins, so stricter grades are listed first.
type Grader struct {
	matchers []gradeMatcher
}

func NewGrader(cfg *config.Config) Grader {
	var g Grader
	for _, p := range cfg.Documents.Immutable {
		g.matchers = append(g.matchers, gradeMatcher{pattern: p, grade: GradeImmutable})
	}
	for _, p := range cfg.Documents.Feature {
		g.matchers = append(g.matchers, gradeMatcher{pattern: p, grade: GradeFeature})
	}
	for _, p := range cfg.Documents.Mutable {
		g.matchers = append(g.matchers, gradeMatcher{pattern: p, grade: GradeMutable})
	}
	return g
}

// Grade returns the grade of the first matching pattern, or GradeUnknown.
func (g Grader) Grade(filePath string) PathGrade {
	normalized := path.Clean(strings.ReplaceAll(filePath, "\\", "/"))
	normalized = strings.TrimPrefix(normalized, "./")
	for _, m := range g.matchers {
		if matchPattern(m.pattern, normalized) {
			return m.grade
		}
	}
	return GradeUnknown
}

// matchPattern matches slash-separated glob patterns. A "**" segment matches
// any number of path segments, including none. A pattern without a slash
// matches against the base name, so "*.md" grades markdown at any depth.
func matchPattern(pattern, name string) bool {
	if !strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(name))
		return ok
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pattern, segments []string) bool {
	if len(pattern) == 0 {
		return len(segments) == 0
	}
	if pattern[0] == "**" {
		for i := 0; i <= len(segments); i++ {
			if matchSegments(pattern[1:], segments[i:]) {
				return true
			}
		}
		return false
	}
	if len(segments) == 0 {
		return false
	}
	if ok, _ := path.Match(pattern[0], segments[0]); !ok {
		return false
	}
	return matchSegments(pattern[1:], segments[1:])
}
