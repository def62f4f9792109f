package retrieval

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSynonymExpanderExpand(t *testing.T) {
	expander := NewSynonymExpander(map[string][]string{
		"world war two": {"ww2", "second world war"},
		"rome":          {"roman empire"},
	})

	tests := []struct {
		name     string
		query    string
		mustHave []string
		mustNot  []string
	}{
		{
			name:     "alias triggers the whole group",
			query:    "causes of ww2",
			mustHave: []string{"ww2", "world war two", "second world war"},
			mustNot:  []string{"rome"},
		},
		{
			name:     "canonical term triggers aliases",
			query:    "rome and its roads",
			mustHave: []string{"roman empire"},
		},
		{
			name:     "no match leaves the query unchanged",
			query:    "gardening tips",
			mustNot:  []string{"ww2", "rome"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := expander.Expand(tt.query)
			for _, want := range tt.mustHave {
				if !strings.Contains(got, want) {
					t.Errorf("expanded query %q missing %q", got, want)
				}
			}
			for _, not := range tt.mustNot {
				if strings.Contains(got, not) {
					t.Errorf("expanded query %q should not contain %q", got, not)
				}
			}
		})
	}
}

func TestSynonymExpanderNilIsNoop(t *testing.T) {
	var expander *SynonymExpander
	if got := expander.Expand("anything"); got != "anything" {
		t.Errorf("nil expander changed the query: %q", got)
	}
}

func TestLoadSynonyms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "synonyms.yaml")
	content := `version: 1
synonyms:
  cell:
    - mitochondria
    - organelle
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	expander, err := LoadSynonyms(path)
	if err != nil {
		t.Fatalf("LoadSynonyms: %v", err)
	}
	if expander == nil {
		t.Fatal("expected a non-nil expander")
	}
	got := expander.Expand("the organelle question")
	if !strings.Contains(got, "cell") || !strings.Contains(got, "mitochondria") {
		t.Errorf("expansion incomplete: %q", got)
	}
}

func TestLoadSynonymsMissingFileIsNil(t *testing.T) {
	expander, err := LoadSynonyms(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadSynonyms: %v", err)
	}
	if expander != nil {
		t.Error("missing file should yield a nil expander")
	}
	if expander, err = LoadSynonyms(""); err != nil || expander != nil {
		t.Error("empty path should yield nil, nil")
	}
}
