package ctag

import (
	"fmt"
	"regexp"
	"strings"
)

// ReplacePair maps one old tag (or pattern, in regex mode) to its
// replacement. Pairs are kept as an ordered slice rather than a map: regex
// replacement is first-matching-pattern-wins, so the original input order
// must survive.
type ReplacePair struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// CompiledReplace is a ReplacePair whose pattern has been compiled.
type CompiledReplace struct {
	Pattern *regexp.Regexp
	New     string
}

// CompilePatterns compiles tag patterns for regex matching, failing fast on
// the first invalid one.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// CompileReplacePairs compiles the Old side of each pair as a pattern.
func CompileReplacePairs(pairs []ReplacePair) ([]CompiledReplace, error) {
	compiled := make([]CompiledReplace, 0, len(pairs))
	for _, pair := range pairs {
		re, err := regexp.Compile(pair.Old)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", pair.Old, err)
		}
		compiled = append(compiled, CompiledReplace{Pattern: re, New: pair.New})
	}
	return compiled, nil
}

// ResolveRemoveRegex returns the subset of current tags matched by any
// pattern. Matching is case-sensitive and unanchored: a pattern matches if it
// matches anywhere in the tag.
func ResolveRemoveRegex(currentTags []string, patterns []*regexp.Regexp) []string {
	var matched []string
	for _, tag := range currentTags {
		for _, re := range patterns {
			if re.MatchString(tag) {
				matched = append(matched, tag)
				break
			}
		}
	}
	return matched
}

// ResolveReplace restricts a literal mapping to the tags actually present,
// preserving pair order.
func ResolveReplace(currentTags []string, pairs []ReplacePair) []ReplacePair {
	present := make(map[string]bool, len(currentTags))
	for _, tag := range currentTags {
		present[tag] = true
	}

	var resolved []ReplacePair
	for _, pair := range pairs {
		if present[pair.Old] {
			resolved = append(resolved, pair)
		}
	}
	return resolved
}

// ResolveReplaceRegex maps each current tag to the replacement of the first
// pattern that matches it, in supplied pattern order. A tag matches at most
// one replacement.
func ResolveReplaceRegex(currentTags []string, pairs []CompiledReplace) []ReplacePair {
	var resolved []ReplacePair
	for _, tag := range currentTags {
		for _, pair := range pairs {
			if pair.Pattern.MatchString(tag) {
				resolved = append(resolved, ReplacePair{Old: tag, New: pair.New})
				break
			}
		}
	}
	return resolved
}

// ParseTagPairs parses replacement arguments from the command line.
//   - regex=false: each argument is "old=new"
//   - regex=true: arguments are positional (pattern, replacement) pairs
func ParseTagPairs(args []string, regex bool) ([]ReplacePair, error) {
	var pairs []ReplacePair

	if regex {
		if len(args)%2 != 0 {
			return nil, fmt.Errorf(
				"regex mode expects pairs of (old pattern, new tag), got %d arguments", len(args))
		}
		for i := 0; i < len(args); i += 2 {
			old := strings.TrimSpace(args[i])
			new := strings.TrimSpace(args[i+1])
			if old == "" || new == "" {
				return nil, fmt.Errorf("invalid tag pair: old pattern and new tag must be non-empty")
			}
			pairs = append(pairs, ReplacePair{Old: old, New: new})
		}
		return pairs, nil
	}

	for _, arg := range args {
		parts := strings.SplitN(arg, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid tag pair %q: use the format 'oldtag=newtag'", arg)
		}
		old := strings.TrimSpace(parts[0])
		new := strings.TrimSpace(parts[1])
		if old == "" || new == "" {
			return nil, fmt.Errorf("invalid tag pair %q: old and new tags must be non-empty", arg)
		}
		pairs = append(pairs, ReplacePair{Old: old, New: new})
	}
	return pairs, nil
}
