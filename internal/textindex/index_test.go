package textindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func seedIndex(t *testing.T) (*Index, string) {
	t.Helper()
	root := t.TempDir()
	idx, err := Open(root, "books")
	require.NoError(t, err)

	require.NoError(t, idx.Add(map[string]Entry{
		"c1": {
			Text:   "Mitochondria produce energy for the cell.",
			Title:  "Cell Biology",
			Domain: "science",
			Path:   "/lib/bio.txt",
		},
		"c2": {
			Text:   "The empire built roads across the continent.",
			Title:  "Rise and Fall",
			Domain: "history",
			Path:   "/lib/empire.txt",
		},
		"p1": {
			Text:     "Mitochondria produce energy. They divide independently.",
			Title:    "Cell Biology",
			Domain:   "science",
			Path:     "/lib/bio.txt",
			IsParent: true,
		},
	}))
	return idx, root
}

func TestIndexSearch(t *testing.T) {
	idx, _ := seedIndex(t)
	defer idx.Close()

	hits, err := idx.Search("mitochondria energy", 5, "")
	require.NoError(t, err)
	require.Len(t, hits, 1, "parent entries must not surface")
	require.Equal(t, "c1", hits[0].ID)
	require.Equal(t, "Cell Biology", hits[0].Title)
}

func TestIndexSearchDomainFilter(t *testing.T) {
	idx, _ := seedIndex(t)
	defer idx.Close()

	hits, err := idx.Search("roads", 5, "history")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "c2", hits[0].ID)

	hits, err = idx.Search("roads", 5, "science")
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestIndexDeleteByPath(t *testing.T) {
	idx, _ := seedIndex(t)
	defer idx.Close()

	require.NoError(t, idx.DeleteByPath("/lib/bio.txt"))

	hits, err := idx.Search("mitochondria", 5, "")
	require.NoError(t, err)
	require.Empty(t, hits)

	hits, err = idx.Search("roads", 5, "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestIndexReopen(t *testing.T) {
	idx, root := seedIndex(t)
	require.NoError(t, idx.Close())

	reopened, err := Open(root, "books")
	require.NoError(t, err)
	defer reopened.Close()

	hits, err := reopened.Search("roads", 5, "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestRemove(t *testing.T) {
	idx, root := seedIndex(t)
	require.NoError(t, idx.Close())

	require.NoError(t, Remove(root, "books"))
	_, err := os.Stat(filepath.Join(root, "books"))
	require.True(t, os.IsNotExist(err))
}
