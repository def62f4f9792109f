package retrieval

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type synonymsFile struct {
	Version  int                 `yaml:"version"`
	Synonyms map[string][]string `yaml:"synonyms"`
}

// SynonymExpander widens queries with user-maintained synonym groups, so a
// search for "ww2" also reaches chunks that say "second world war". The
// groups live in an optional YAML file next to the config.
type SynonymExpander struct {
	groups []synonymGroup
}

type synonymGroup struct {
	canonical string
	terms     []string
	normTerms []string
}

// LoadSynonyms reads a synonyms file. A missing or empty path yields a nil
// expander, which expands nothing.
func LoadSynonyms(path string) (*SynonymExpander, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read synonyms file: %w", err)
	}
	var file synonymsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse synonyms file: %w", err)
	}
	return NewSynonymExpander(file.Synonyms), nil
}

// NewSynonymExpander builds an expander from canonical-term groups.
func NewSynonymExpander(synonyms map[string][]string) *SynonymExpander {
	if len(synonyms) == 0 {
		return nil
	}

	keys := make([]string, 0, len(synonyms))
	for k := range synonyms {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	groups := make([]synonymGroup, 0, len(keys))
	for _, canonical := range keys {
		terms, normTerms := buildTerms(canonical, synonyms[canonical])
		if len(terms) == 0 {
			continue
		}
		groups = append(groups, synonymGroup{
			canonical: canonical,
			terms:     terms,
			normTerms: normTerms,
		})
	}
	if len(groups) == 0 {
		return nil
	}
	return &SynonymExpander{groups: groups}
}

// Expand appends the terms of every matching group to the query. A nil
// expander or a query matching no group returns the query unchanged.
func (e *SynonymExpander) Expand(query string) string {
	if e == nil {
		return query
	}
	trimmed := strings.TrimSpace(query)
	normQuery := normalizeTerm(trimmed)
	if normQuery == "" {
		return query
	}

	seen := make(map[string]bool)
	var extra []string
	for _, g := range e.groups {
		if !matchesGroup(normQuery, g.normTerms) {
			continue
		}
		for i, term := range g.terms {
			norm := g.normTerms[i]
			if seen[norm] || strings.Contains(normQuery, norm) {
				continue
			}
			seen[norm] = true
			extra = append(extra, term)
		}
	}
	if len(extra) == 0 {
		return query
	}
	return trimmed + " " + strings.Join(extra, " ")
}

func matchesGroup(normQuery string, normTerms []string) bool {
	for _, term := range normTerms {
		if term != "" && strings.Contains(normQuery, term) {
			return true
		}
	}
	return false
}

func buildTerms(canonical string, aliases []string) ([]string, []string) {
	terms := make([]string, 0, 1+len(aliases))
	normTerms := make([]string, 0, 1+len(aliases))
	seen := make(map[string]bool)

	add := func(term string) {
		term = strings.TrimSpace(term)
		if term == "" {
			return
		}
		norm := normalizeTerm(term)
		if norm == "" || seen[norm] {
			return
		}
		terms = append(terms, term)
		normTerms = append(normTerms, norm)
		seen[norm] = true
	}

	add(canonical)
	for _, alias := range aliases {
		add(alias)
	}
	return terms, normTerms
}

func normalizeTerm(term string) string {
	term = strings.ToLower(strings.TrimSpace(term))
	term = strings.ReplaceAll(term, "_", " ")
	term = strings.ReplaceAll(term, "-", " ")
	return strings.Join(strings.Fields(term), " ")
}
