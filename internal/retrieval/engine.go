package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/calev/bookvec/internal/config"
	"github.com/calev/bookvec/internal/textindex"
	"github.com/calev/bookvec/internal/vectorstore"
)

// Query modes. Vector is semantic similarity over embeddings, Text is
// keyword matching over the full-text index, Hybrid merges both with the
// configured weights.
const (
	ModeVector = "vector"
	ModeText   = "text"
	ModeHybrid = "hybrid"
)

// Options controls one retrieval call.
type Options struct {
	Collection string
	TopK       int
	Mode       string // defaults to ModeVector
	Domain     string // exact-match domain filter, empty = all
	Contextual bool   // expand hits to their parent chunks
	Synthesize bool   // generate an answer from the retrieved chunks
}

// Chunk is one retrieved unit with its provenance. In contextual mode
// ParentText carries the full text of the surrounding parent chunk; the
// chunk's own text and score are always those of the actual match.
type Chunk struct {
	ID         string
	Score      float64
	Text       string
	Title      string
	Author     string
	Domain     string
	Label      string
	Path       string
	Index      int // chunk position within the document
	Truncated  bool
	Expanded   bool // parent context attached
	ParentText string

	parentID string
}

// Result is the outcome of a query. When synthesis is requested but fails,
// Chunks are still returned and SynthesisErr carries the cause; retrieval
// never fails because the answer model is down.
type Result struct {
	Query        string
	Chunks       []Chunk
	Answer       string
	SynthesisErr error
}

// Embedder is the slice of the embedding service retrieval needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Truncate(text string) (string, bool)
}

// Engine answers queries against one vector store plus the per-collection
// text indexes.
type Engine struct {
	cfg      *config.Config
	store    vectorstore.Store
	embedder Embedder
	synth    Synthesizer
	synonyms *SynonymExpander
}

// NewEngine assembles a retrieval engine. A nil synthesizer disables the
// answer stage regardless of options. Synonym groups are loaded from the
// configured path when one is set.
func NewEngine(cfg *config.Config, store vectorstore.Store, embedder Embedder, synth Synthesizer) (*Engine, error) {
	synonyms, err := LoadSynonyms(cfg.Search.SynonymsPath)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		embedder: embedder,
		synth:    synth,
		synonyms: synonyms,
	}, nil
}

// Query runs one retrieval call. An empty result set is a valid answer; a
// store that cannot be reached is reported as vectorstore.ErrUnavailable so
// the caller can tell the two apart.
func (e *Engine) Query(ctx context.Context, query string, opts Options) (*Result, error) {
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}
	if opts.Collection == "" {
		opts.Collection = e.cfg.Store.Collection
	}
	if opts.TopK <= 0 {
		opts.TopK = e.cfg.Search.DefaultTopK
	}
	if opts.Mode == "" {
		opts.Mode = ModeVector
	}
	expanded := e.synonyms.Expand(query)

	var chunks []Chunk
	var err error
	switch opts.Mode {
	case ModeVector:
		chunks, err = e.vectorSearch(ctx, expanded, opts)
	case ModeText:
		chunks, err = e.textSearch(ctx, expanded, opts)
	case ModeHybrid:
		chunks, err = e.hybridSearch(ctx, expanded, opts)
	default:
		return nil, fmt.Errorf("unknown query mode %q", opts.Mode)
	}
	if err != nil {
		return nil, err
	}

	if opts.Contextual {
		chunks, err = e.expandParents(ctx, opts.Collection, chunks)
		if err != nil {
			return nil, err
		}
	}

	result := &Result{Query: query, Chunks: chunks}
	if opts.Synthesize && e.synth != nil && len(chunks) > 0 {
		answer, synthErr := e.synth.Answer(ctx, query, chunks)
		if synthErr != nil {
			result.SynthesisErr = synthErr
		} else {
			result.Answer = answer
		}
	}
	return result, nil
}

func (e *Engine) vectorSearch(ctx context.Context, query string, opts Options) ([]Chunk, error) {
	text, _ := e.embedder.Truncate(query)
	vector, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	filter := map[string]any{vectorstore.FieldIsParent: false}
	if opts.Domain != "" {
		filter[vectorstore.FieldDomain] = opts.Domain
	}
	hits, err := e.store.Search(ctx, opts.Collection, vector, opts.TopK, filter)
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, 0, len(hits))
	for _, hit := range hits {
		chunks = append(chunks, chunkFromPayload(hit.ID, hit.Score, hit.Payload))
	}
	return chunks, nil
}

func (e *Engine) textSearch(ctx context.Context, query string, opts Options) ([]Chunk, error) {
	// Opening would create an empty index for a collection that was never
	// ingested; a missing collection must be an error, not zero hits.
	if !textindex.Exists(e.cfg.Store.TextIndexDir, opts.Collection) {
		return nil, fmt.Errorf("%w: no text index for %s", vectorstore.ErrCollectionNotFound, opts.Collection)
	}
	idx, err := textindex.Open(e.cfg.Store.TextIndexDir, opts.Collection)
	if err != nil {
		return nil, fmt.Errorf("open text index: %w", err)
	}
	defer idx.Close()

	hits, err := idx.Search(query, opts.TopK, opts.Domain)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	scores := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		scores[h.ID] = h.Score
	}
	points, err := e.store.Fetch(ctx, opts.Collection, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]vectorstore.Point, len(points))
	for _, p := range points {
		byID[p.ID] = p
	}

	// Preserve bleve's ranking; skip ids the store no longer holds.
	var chunks []Chunk
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			continue
		}
		chunks = append(chunks, chunkFromPayload(id, scores[id], p.Payload))
	}
	return chunks, nil
}

// hybridSearch merges vector and text results. Each list's scores are
// normalized to [0, 1] before weighting so the two scales are comparable.
func (e *Engine) hybridSearch(ctx context.Context, query string, opts Options) ([]Chunk, error) {
	wide := opts
	wide.TopK = opts.TopK * 2

	vecChunks, err := e.vectorSearch(ctx, query, wide)
	if err != nil {
		return nil, err
	}
	textChunks, err := e.textSearch(ctx, query, wide)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]Chunk)
	accumulate := func(chunks []Chunk, weight float64) {
		max := 0.0
		for _, c := range chunks {
			if c.Score > max {
				max = c.Score
			}
		}
		if max == 0 {
			return
		}
		for _, c := range chunks {
			scored := c
			scored.Score = weight * (c.Score / max)
			if prev, ok := merged[c.ID]; ok {
				scored.Score += prev.Score
			}
			merged[c.ID] = scored
		}
	}
	accumulate(vecChunks, e.cfg.Search.VectorWeight)
	accumulate(textChunks, e.cfg.Search.KeywordWeight)

	chunks := make([]Chunk, 0, len(merged))
	for _, c := range merged {
		chunks = append(chunks, c)
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		return chunks[i].ID < chunks[j].ID
	})
	if len(chunks) > opts.TopK {
		chunks = chunks[:opts.TopK]
	}
	return chunks, nil
}

// expandParents attaches each hit's parent chunk text, so the caller sees
// the match alongside its surrounding context. The hit keeps its own id,
// text and score; hits without a parent pass through unchanged.
func (e *Engine) expandParents(ctx context.Context, collection string, chunks []Chunk) ([]Chunk, error) {
	var parentIDs []string
	for _, c := range chunks {
		if c.parentID != "" {
			parentIDs = append(parentIDs, c.parentID)
		}
	}
	if len(parentIDs) == 0 {
		return chunks, nil
	}

	points, err := e.store.Fetch(ctx, collection, dedupe(parentIDs))
	if err != nil {
		return nil, err
	}
	parents := make(map[string]string, len(points))
	for _, p := range points {
		parents[p.ID] = vectorstore.PayloadString(p.Payload, vectorstore.FieldChunkText)
	}

	for i := range chunks {
		if text, ok := parents[chunks[i].parentID]; ok && text != "" {
			chunks[i].ParentText = text
			chunks[i].Expanded = true
		}
	}
	return chunks, nil
}

func chunkFromPayload(id string, score float64, payload map[string]any) Chunk {
	return Chunk{
		ID:        id,
		Score:     score,
		Text:      vectorstore.PayloadString(payload, vectorstore.FieldChunkText),
		Title:     vectorstore.PayloadString(payload, vectorstore.FieldDocumentTitle),
		Author:    vectorstore.PayloadString(payload, vectorstore.FieldAuthor),
		Domain:    vectorstore.PayloadString(payload, vectorstore.FieldDomain),
		Label:     vectorstore.PayloadString(payload, vectorstore.FieldBlockLabel),
		Path:      vectorstore.PayloadString(payload, vectorstore.FieldDocumentPath),
		Index:     int(vectorstore.PayloadInt64(payload, vectorstore.FieldChunkIndex)),
		Truncated: vectorstore.PayloadBool(payload, vectorstore.FieldTruncated),
		parentID:  vectorstore.PayloadString(payload, vectorstore.FieldParentID),
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
