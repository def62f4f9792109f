package retrieval

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calev/bookvec/internal/config"
	"github.com/calev/bookvec/internal/textindex"
	"github.com/calev/bookvec/internal/vectorstore"
)

// axisEmbedder maps known topics onto orthogonal axes so ranking is fully
// predictable.
type axisEmbedder struct{}

func (axisEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "mitochondria"):
		return []float32{1, 0, 0}, nil
	case strings.Contains(lower, "empire"):
		return []float32{0, 1, 0}, nil
	default:
		return []float32{0, 0, 1}, nil
	}
}

func (axisEmbedder) Truncate(text string) (string, bool) { return text, false }

const (
	cellLeafID   = "11111111-1111-1111-1111-111111111111"
	cellLeaf2ID  = "22222222-2222-2222-2222-222222222222"
	cellParentID = "33333333-3333-3333-3333-333333333333"
	empireLeafID = "44444444-4444-4444-4444-444444444444"
)

func engineFixture(t *testing.T) (*Engine, *config.Config) {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		Store: config.StoreConfig{
			Backend:      "local",
			Collection:   "books",
			LocalPath:    filepath.Join(root, "vectors.db"),
			TextIndexDir: filepath.Join(root, "textindex"),
		},
		Search: config.SearchConfig{
			DefaultTopK:   5,
			VectorWeight:  0.7,
			KeywordWeight: 0.3,
		},
	}

	store, err := vectorstore.NewLocalStore(cfg.Store.LocalPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.EnsureCollection(ctx, "books", 3))

	leafPayload := func(text, domain, parent string, index int) map[string]any {
		p := map[string]any{
			vectorstore.FieldDocumentPath:  "/lib/bio.txt",
			vectorstore.FieldDocumentTitle: "Cell Biology",
			vectorstore.FieldAuthor:        "R. Hooke",
			vectorstore.FieldDomain:        domain,
			vectorstore.FieldChunkText:     text,
			vectorstore.FieldChunkIndex:    index,
			vectorstore.FieldIsParent:      false,
		}
		if parent != "" {
			p[vectorstore.FieldParentID] = parent
		}
		return p
	}

	points := []vectorstore.Point{
		{ID: cellLeafID, Vector: []float32{1, 0, 0},
			Payload: leafPayload("Mitochondria produce energy for the cell.", "science", cellParentID, 1)},
		{ID: cellLeaf2ID, Vector: []float32{0.9, 0, 0.1},
			Payload: leafPayload("Mitochondria have their own DNA.", "science", cellParentID, 2)},
		{ID: cellParentID, Vector: []float32{1, 0, 0}, Payload: map[string]any{
			vectorstore.FieldDocumentPath:  "/lib/bio.txt",
			vectorstore.FieldDocumentTitle: "Cell Biology",
			vectorstore.FieldDomain:        "science",
			vectorstore.FieldChunkText:     "Mitochondria produce energy for the cell. Mitochondria have their own DNA. They divide independently.",
			vectorstore.FieldChunkIndex:    0,
			vectorstore.FieldIsParent:      true,
		}},
		{ID: empireLeafID, Vector: []float32{0, 1, 0}, Payload: map[string]any{
			vectorstore.FieldDocumentPath:  "/lib/empire.txt",
			vectorstore.FieldDocumentTitle: "Rise and Fall",
			vectorstore.FieldDomain:        "history",
			vectorstore.FieldChunkText:     "The empire built roads across the continent.",
			vectorstore.FieldChunkIndex:    1,
			vectorstore.FieldIsParent:      false,
		}},
	}
	require.NoError(t, store.Upsert(ctx, "books", points))

	idx, err := textindex.Open(cfg.Store.TextIndexDir, "books")
	require.NoError(t, err)
	entries := make(map[string]textindex.Entry)
	for _, p := range points {
		entries[p.ID] = textindex.Entry{
			Text:     vectorstore.PayloadString(p.Payload, vectorstore.FieldChunkText),
			Title:    vectorstore.PayloadString(p.Payload, vectorstore.FieldDocumentTitle),
			Domain:   vectorstore.PayloadString(p.Payload, vectorstore.FieldDomain),
			Path:     vectorstore.PayloadString(p.Payload, vectorstore.FieldDocumentPath),
			IsParent: vectorstore.PayloadBool(p.Payload, vectorstore.FieldIsParent),
		}
	}
	require.NoError(t, idx.Add(entries))
	require.NoError(t, idx.Close())

	engine, err := NewEngine(cfg, store, axisEmbedder{}, nil)
	require.NoError(t, err)
	return engine, cfg
}

func TestVectorSearchRanksByMeaning(t *testing.T) {
	engine, _ := engineFixture(t)

	result, err := engine.Query(context.Background(), "What do mitochondria do?", Options{})
	require.NoError(t, err)
	require.NotEmpty(t, result.Chunks)

	top := result.Chunks[0]
	require.Contains(t, top.Text, "Mitochondria")
	require.Equal(t, "Cell Biology", top.Title)
	require.Equal(t, "R. Hooke", top.Author)
	require.Equal(t, "science", top.Domain)
	require.Equal(t, 1, top.Index)

	// Parent chunks never surface as direct hits.
	for _, c := range result.Chunks {
		require.NotEqual(t, cellParentID, c.ID)
	}
}

func TestVectorSearchDomainFilter(t *testing.T) {
	engine, _ := engineFixture(t)
	ctx := context.Background()

	result, err := engine.Query(ctx, "mitochondria", Options{Domain: "history"})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 1)
	require.Equal(t, empireLeafID, result.Chunks[0].ID)

	// A filter matching nothing is an empty result, not an error.
	result, err = engine.Query(ctx, "mitochondria", Options{Domain: "poetry"})
	require.NoError(t, err)
	require.Empty(t, result.Chunks)
}

func TestContextualModeAttachesParentText(t *testing.T) {
	engine, _ := engineFixture(t)

	result, err := engine.Query(context.Background(), "mitochondria", Options{Contextual: true})
	require.NoError(t, err)
	require.NotEmpty(t, result.Chunks)

	// Each matched leaf keeps its own identity, text and score, and carries
	// the parent's full text alongside.
	byID := make(map[string]Chunk)
	for _, c := range result.Chunks {
		require.NotEqual(t, cellParentID, c.ID, "parents never surface as hits")
		byID[c.ID] = c
	}
	for _, id := range []string{cellLeafID, cellLeaf2ID} {
		c, ok := byID[id]
		require.True(t, ok, "leaf %s should stay in the result", id)
		require.True(t, c.Expanded)
		require.Contains(t, c.ParentText, "divide independently")
		require.NotContains(t, c.Text, "divide independently")
	}
}

func TestContextualModePassesThroughOrphans(t *testing.T) {
	engine, _ := engineFixture(t)

	result, err := engine.Query(context.Background(), "the empire roads",
		Options{Contextual: true, Domain: "history"})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 1)
	require.False(t, result.Chunks[0].Expanded)
	require.Empty(t, result.Chunks[0].ParentText)
	require.Equal(t, empireLeafID, result.Chunks[0].ID)
}

func TestTextModeSearchesKeywords(t *testing.T) {
	engine, _ := engineFixture(t)

	result, err := engine.Query(context.Background(), "roads continent", Options{Mode: ModeText})
	require.NoError(t, err)
	require.NotEmpty(t, result.Chunks)
	require.Equal(t, empireLeafID, result.Chunks[0].ID)
	require.Contains(t, result.Chunks[0].Text, "roads")
}

func TestTextModeMissingCollection(t *testing.T) {
	engine, _ := engineFixture(t)

	// A collection that was never ingested is an error, not zero hits.
	_, err := engine.Query(context.Background(), "roads",
		Options{Mode: ModeText, Collection: "ghost"})
	require.ErrorIs(t, err, vectorstore.ErrCollectionNotFound)
}

func TestHybridModeMergesBothSignals(t *testing.T) {
	engine, _ := engineFixture(t)

	result, err := engine.Query(context.Background(), "mitochondria energy", Options{Mode: ModeHybrid})
	require.NoError(t, err)
	require.NotEmpty(t, result.Chunks)
	require.Contains(t, result.Chunks[0].Text, "Mitochondria")
}

func TestUnknownModeRejected(t *testing.T) {
	engine, _ := engineFixture(t)
	_, err := engine.Query(context.Background(), "anything", Options{Mode: "psychic"})
	require.Error(t, err)
}

func TestEmptyQueryRejected(t *testing.T) {
	engine, _ := engineFixture(t)
	_, err := engine.Query(context.Background(), "", Options{})
	require.Error(t, err)
}

type fakeSynth struct {
	answer string
	err    error
}

func (f fakeSynth) Answer(context.Context, string, []Chunk) (string, error) {
	return f.answer, f.err
}

func TestSynthesisAttachesAnswer(t *testing.T) {
	engine, _ := engineFixture(t)
	engine.synth = fakeSynth{answer: "They produce energy."}

	result, err := engine.Query(context.Background(), "mitochondria", Options{Synthesize: true})
	require.NoError(t, err)
	require.Equal(t, "They produce energy.", result.Answer)
	require.NoError(t, result.SynthesisErr)
}

func TestSynthesisFailureDegradesToChunks(t *testing.T) {
	engine, _ := engineFixture(t)
	engine.synth = fakeSynth{err: errors.New("model not running")}

	result, err := engine.Query(context.Background(), "mitochondria", Options{Synthesize: true})
	require.NoError(t, err, "retrieval must survive a synthesis failure")
	require.NotEmpty(t, result.Chunks)
	require.Empty(t, result.Answer)
	require.Error(t, result.SynthesisErr)
}
