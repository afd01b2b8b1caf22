package guard

import (
	"errors"
	"fmt"
	"regexp"

	"overseer/internal/config"
)

// ErrPolicyViolation marks content blocked by grading rules. The violation is
// recorded in the changelog; callers do not retry it.
var ErrPolicyViolation = errors.New("policy violation")

// PolicyViolationError names the pattern that matched, never the matched text
// itself, so a blocked secret does not leak into logs.
type PolicyViolationError struct {
	FilePath string
	Rule     string
}

func (e PolicyViolationError) Error() string {
	return fmt.Sprintf("content for %s blocked by rule %q", e.FilePath, e.Rule)
}

func (e PolicyViolationError) Is(target error) bool { return target == ErrPolicyViolation }

type policyRule struct {
	name string
	re   *regexp.Regexp
}

// Policy scans content for destructive operations and secret leakage. The
// rule table is fixed at construction; config patterns extend it.
type Policy struct {
	rules        []policyRule
	maxEntrySize int
}

func NewPolicy(cfg *config.Config) (Policy, error) {
	p := Policy{maxEntrySize: cfg.Documents.MaxEntryBytes}
	patterns := append([]string{}, cfg.Documents.ForbiddenContent...)
	patterns = append(patterns, cfg.Documents.ForbiddenContentExtra...)
	for _, raw := range patterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("forbidden content pattern %q: %w", raw, err)
		}
		p.rules = append(p.rules, policyRule{name: raw, re: re})
	}
	return p, nil
}

// Check scans content against every rule and returns the first violation.
func (p Policy) Check(filePath, content string) error {
	for _, rule := range p.rules {
		if rule.re.MatchString(content) {
			return PolicyViolationError{FilePath: filePath, Rule: rule.name}
		}
	}
	return nil
}

// ValidateShape gates input before it is allowed anywhere near the changelog
// chain: required fields and the size cap. Rejected input never enters the
// chain. Content scanning is separate because only some grades require it.
func (p Policy) ValidateShape(filePath, body string) error {
	if filePath == "" {
		return errors.New("file path is required")
	}
	if body == "" {
		return errors.New("entry body is required")
	}
	if p.maxEntrySize > 0 && len(body) > p.maxEntrySize {
		return fmt.Errorf("entry body exceeds %d bytes", p.maxEntrySize)
	}
	return nil
}
