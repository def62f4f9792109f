package textindex

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
)

// Entry is one chunk as stored in the full-text index. The text itself is
// indexed but not stored; hits carry the chunk id, which resolves back to
// the vector store payload.
type Entry struct {
	Text     string `json:"text"`
	Title    string `json:"title"`
	Author   string `json:"author"`
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	IsParent bool   `json:"is_parent"`
}

// Hit is one scored full-text match.
type Hit struct {
	ID    string
	Score float64
	Title string
	Path  string
}

// Index is a per-collection bleve index living under a shared root
// directory, one subdirectory per collection.
type Index struct {
	idx bleve.Index
}

// Open opens the index for a collection, creating it on first use.
func Open(root, collection string) (*Index, error) {
	dir := filepath.Join(root, collection)
	if _, err := os.Stat(dir); err == nil {
		idx, err := bleve.Open(dir)
		if err != nil {
			return nil, fmt.Errorf("open text index: %w", err)
		}
		return &Index{idx: idx}, nil
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create text index dir: %w", err)
	}
	idx, err := bleve.New(dir, buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create text index: %w", err)
	}
	return &Index{idx: idx}, nil
}

// Exists reports whether an index has been created for the collection.
func Exists(root, collection string) bool {
	info, err := os.Stat(filepath.Join(root, collection))
	return err == nil && info.IsDir()
}

// Remove deletes a collection's index directory entirely.
func Remove(root, collection string) error {
	return os.RemoveAll(filepath.Join(root, collection))
}

// Add indexes a batch of entries keyed by chunk id.
func (x *Index) Add(entries map[string]Entry) error {
	batch := x.idx.NewBatch()
	for id, entry := range entries {
		if err := batch.Index(id, entry); err != nil {
			return fmt.Errorf("index chunk %s: %w", id, err)
		}
	}
	return x.idx.Batch(batch)
}

// DeleteByPath removes every entry belonging to one document.
func (x *Index) DeleteByPath(path string) error {
	pathQuery := bleve.NewTermQuery(path)
	pathQuery.SetField("path")
	req := bleve.NewSearchRequestOptions(pathQuery, 10000, 0, false)
	res, err := x.idx.Search(req)
	if err != nil {
		return err
	}
	batch := x.idx.NewBatch()
	for _, hit := range res.Hits {
		batch.Delete(hit.ID)
	}
	return x.idx.Batch(batch)
}

// Search runs a match query over chunk text with a boosted title field.
// Parent chunks are excluded; leaves are the retrieval unit.
func (x *Index) Search(query string, topK int, domain string) ([]Hit, error) {
	if topK <= 0 {
		topK = 10
	}

	textQuery := bleve.NewMatchQuery(query)
	textQuery.SetField("text")
	textQuery.SetBoost(1.0)
	titleQuery := bleve.NewMatchQuery(query)
	titleQuery.SetField("title")
	titleQuery.SetBoost(2.0)
	disjunction := bleve.NewDisjunctionQuery(textQuery, titleQuery)

	leafFalse := false
	parentQuery := bleve.NewBoolFieldQuery(leafFalse)
	parentQuery.SetField("is_parent")

	musts := []blevequery.Query{disjunction, parentQuery}
	if domain != "" {
		domainQuery := bleve.NewTermQuery(domain)
		domainQuery.SetField("domain")
		musts = append(musts, domainQuery)
	}
	conjunction := bleve.NewConjunctionQuery(musts...)

	req := bleve.NewSearchRequestOptions(conjunction, topK, 0, false)
	req.Fields = []string{"title", "path"}

	res, err := x.idx.Search(req)
	if err != nil {
		return nil, err
	}

	var hits []Hit
	for _, hit := range res.Hits {
		title, _ := hit.Fields["title"].(string)
		path, _ := hit.Fields["path"].(string)
		hits = append(hits, Hit{
			ID:    hit.ID,
			Score: hit.Score,
			Title: title,
			Path:  path,
		})
	}
	return hits, nil
}

func (x *Index) Close() error {
	return x.idx.Close()
}

func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultAnalyzer = "en"
	indexMapping.DefaultField = "text"

	docMapping := bleve.NewDocumentMapping()

	textField := bleve.NewTextFieldMapping()
	textField.Store = false
	textField.Index = true
	docMapping.AddFieldMappingsAt("text", textField)

	titleField := bleve.NewTextFieldMapping()
	titleField.Store = true
	titleField.Index = true
	docMapping.AddFieldMappingsAt("title", titleField)

	authorField := bleve.NewTextFieldMapping()
	authorField.Store = true
	authorField.Index = true
	docMapping.AddFieldMappingsAt("author", authorField)

	domainField := bleve.NewTextFieldMapping()
	domainField.Store = true
	domainField.Index = true
	domainField.Analyzer = "keyword"
	docMapping.AddFieldMappingsAt("domain", domainField)

	pathField := bleve.NewTextFieldMapping()
	pathField.Store = true
	pathField.Index = true
	pathField.Analyzer = "keyword"
	docMapping.AddFieldMappingsAt("path", pathField)

	parentField := bleve.NewBooleanFieldMapping()
	parentField.Store = false
	parentField.Index = true
	docMapping.AddFieldMappingsAt("is_parent", parentField)

	indexMapping.DefaultMapping = docMapping
	return indexMapping
}
