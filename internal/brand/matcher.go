// Package brand decides whether a brand name actually appears in answer text.
package brand

import (
	"sort"
	"strings"
	"unicode"
)

var legalSuffixes = []string{
	"incorporated", "corporation", "company", "limited",
	"inc", "llc", "ltd", "corp", "co", "plc", "gmbh", "ag", "sa", "lp", "llp",
}

// Variations returns the textual forms a name is likely to take in prose,
// longest first. The original name is always included.
func Variations(name string) []string {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}

	seen := map[string]bool{}
	var out []string
	add := func(v string) {
		v = strings.TrimSpace(v)
		if len([]rune(v)) < 2 {
			return
		}
		key := strings.ToLower(v)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, v)
	}

	add(name)

	base := stripLegalSuffix(name)
	add(base)

	for _, v := range []string{name, base} {
		if strings.Contains(v, " ") {
			add(strings.ReplaceAll(v, " ", ""))
			add(strings.ReplaceAll(v, " ", "-"))
		}
		if strings.Contains(v, "-") {
			add(strings.ReplaceAll(v, "-", " "))
			add(strings.ReplaceAll(v, "-", ""))
		}
		if strings.Contains(v, "&") {
			add(strings.ReplaceAll(v, "&", "and"))
		}
		if strings.Contains(strings.ToLower(v), " and ") {
			add(replaceFold(v, " and ", " & "))
		}
	}

	if split := splitCamel(base); split != base {
		add(split)
	}

	// "acme.com" is often written as "Acme"
	if root := domainRoot(name); root != "" {
		add(root)
	}

	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// Contains reports whether any variation of name appears in text,
// case-insensitively.
func Contains(text, name string) bool {
	lower := strings.ToLower(text)
	for _, v := range Variations(name) {
		if strings.Contains(lower, strings.ToLower(v)) {
			return true
		}
	}
	return false
}

// Count returns the number of non-overlapping occurrences of any variation
// of name in text. Longer variations claim their span first.
func Count(text, name string) int {
	lower := strings.ToLower(text)
	claimed := make([]bool, len(lower))
	count := 0
	for _, v := range Variations(name) {
		needle := strings.ToLower(v)
		from := 0
		for {
			idx := strings.Index(lower[from:], needle)
			if idx < 0 {
				break
			}
			start := from + idx
			end := start + len(needle)
			if !anyClaimed(claimed, start, end) {
				for i := start; i < end; i++ {
					claimed[i] = true
				}
				count++
			}
			from = end
		}
	}
	return count
}

// Matcher caches variations for a fixed set of names.
type Matcher struct {
	names      []string
	variations map[string][]string
}

// NewMatcher precomputes variations for names.
func NewMatcher(names ...string) *Matcher {
	m := &Matcher{variations: make(map[string][]string, len(names))}
	for _, n := range names {
		if _, ok := m.variations[n]; ok || strings.TrimSpace(n) == "" {
			continue
		}
		m.names = append(m.names, n)
		m.variations[n] = Variations(n)
	}
	return m
}

// Found returns the subset of the matcher's names present in text, in the
// order they were registered.
func (m *Matcher) Found(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, n := range m.names {
		for _, v := range m.variations[n] {
			if strings.Contains(lower, strings.ToLower(v)) {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

func anyClaimed(claimed []bool, start, end int) bool {
	for i := start; i < end; i++ {
		if claimed[i] {
			return true
		}
	}
	return false
}

func stripLegalSuffix(name string) string {
	trimmed := strings.TrimRight(name, " .,")
	fields := strings.Fields(trimmed)
	if len(fields) < 2 {
		return trimmed
	}
	last := strings.ToLower(strings.Trim(fields[len(fields)-1], ".,"))
	for _, s := range legalSuffixes {
		if last == s {
			return strings.TrimRight(strings.Join(fields[:len(fields)-1], " "), " ,")
		}
	}
	return trimmed
}

func splitCamel(s string) string {
	if strings.ContainsAny(s, " -") {
		return s
	}
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) && unicode.IsLower(runes[i-1]) {
			b.WriteRune(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func domainRoot(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if strings.Contains(n, " ") || !strings.Contains(n, ".") {
		return ""
	}
	n = strings.TrimPrefix(strings.TrimPrefix(n, "https://"), "http://")
	n = strings.TrimPrefix(n, "www.")
	root, _, _ := strings.Cut(n, ".")
	return root
}

func replaceFold(s, old, repl string) string {
	idx := strings.Index(strings.ToLower(s), old)
	if idx < 0 {
		return s
	}
	return s[:idx] + repl + s[idx+len(old):]
}
