package main

import (
	"fmt"
	"strings"

	"github.com/k-sone/critbitgo"
)

// PatternMatcher maps name patterns to values. Patterns follow the usual
// rule-file conventions: "example.com" also covers subdomains, "ads.*" is a
// prefix, "*tracker*" a substring, and "=example.com" an exact name.
type PatternMatcher struct {
	prefixes   *critbitgo.Trie
	suffixes   *critbitgo.Trie
	substrings []string
	exact      map[string]any
	indirect   map[string]any
}

func NewPatternMatcher() *PatternMatcher {
	return &PatternMatcher{
		prefixes: critbitgo.NewTrie(),
		suffixes: critbitgo.NewTrie(),
		exact:    make(map[string]any),
		indirect: make(map[string]any),
	}
}

func (patternMatcher *PatternMatcher) Add(pattern string, val any, position int) error {
	leadingStar := strings.HasPrefix(pattern, "*")
	trailingStar := strings.HasSuffix(pattern, "*")
	switch {
	case strings.HasPrefix(pattern, "="):
		if len(pattern) < 2 {
			return fmt.Errorf("Syntax error in rule at line %d", position)
		}
		patternMatcher.exact[strings.ToLower(pattern[1:])] = val
	case leadingStar && trailingStar:
		if len(pattern) < 3 {
			return fmt.Errorf("Syntax error in rule at line %d", position)
		}
		pattern = strings.ToLower(pattern[1 : len(pattern)-1])
		patternMatcher.substrings = append(patternMatcher.substrings, pattern)
		patternMatcher.indirect[pattern] = val
	case trailingStar:
		if len(pattern) < 2 {
			return fmt.Errorf("Syntax error in rule at line %d", position)
		}
		patternMatcher.prefixes.Insert([]byte(strings.ToLower(pattern[:len(pattern)-1])), val)
	default:
		if leadingStar {
			pattern = pattern[1:]
		}
		pattern = strings.TrimPrefix(pattern, ".")
		if len(pattern) == 0 {
			return fmt.Errorf("Syntax error in rule at line %d", position)
		}
		patternMatcher.suffixes.Insert([]byte(StringReverse(strings.ToLower(pattern))), val)
	}
	return nil
}

// Eval matches a lowercase name without its trailing dot against the rule
// set and returns the winning pattern along with its value.
func (patternMatcher *PatternMatcher) Eval(qName string) (string, any, bool) {
	if len(qName) < 2 {
		return "", nil, false
	}
	if val, ok := patternMatcher.exact[qName]; ok {
		return "=" + qName, val, true
	}
	revQName := StringReverse(qName)
	if match, val, found := patternMatcher.suffixes.LongestPrefix([]byte(revQName)); found {
		// A suffix rule only matches whole labels.
		if len(match) == len(revQName) || revQName[len(match)] == '.' {
			return StringReverse(string(match)), val, true
		}
	}
	if match, val, found := patternMatcher.prefixes.LongestPrefix([]byte(qName)); found {
		return string(match) + "*", val, true
	}
	for _, substring := range patternMatcher.substrings {
		if strings.Contains(qName, substring) {
			return "*" + substring + "*", patternMatcher.indirect[substring], true
		}
	}
	return "", nil, false
}
