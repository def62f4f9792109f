package chunker

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/calev/bookvec/internal/config"
	"github.com/calev/bookvec/internal/embedding"
	"github.com/calev/bookvec/internal/extract"
)

// Embedder is the slice of the embedding service the chunker needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Chunk is one retrievable unit of text. All chunks of a document live in a
// single ordered arena; parents reference children by arena index, never by
// pointer, which keeps serialization flat.
type Chunk struct {
	Index      int     // position in the arena
	BlockIndex int     // source block
	Label      string  // structural label of the source block
	Text       string
	Length     int     // rune count
	Offset     int     // rune offset within the block text
	Similarity float64 // similarity to the following chunk at the split point; -1 if last in block
	Parent     int     // arena index of the parent chunk, -1 if none
	Children   []int   // for parent chunks, ordered arena indexes of children
	IsParent   bool
}

// Chunker splits blocks into semantically coherent chunks using
// embedding-similarity boundaries between consecutive sentences.
type Chunker struct {
	cfg      config.ChunkingConfig
	embedder Embedder
}

// New creates a chunker. Zero-valued config fields fall back to the
// documented defaults (threshold 0.5, 200/1500 character bounds).
func New(cfg config.ChunkingConfig, embedder Embedder) *Chunker {
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.5
	}
	if cfg.MinChunkSize == 0 {
		cfg.MinChunkSize = 200
	}
	if cfg.MaxChunkSize == 0 {
		cfg.MaxChunkSize = 1500
	}
	return &Chunker{cfg: cfg, embedder: embedder}
}

// Chunk processes all blocks of one document in order. In hierarchical mode
// each block contributes one parent chunk followed by its children; in flat
// mode only leaf chunks are produced.
func (c *Chunker) Chunk(ctx context.Context, blocks []extract.Block) ([]Chunk, error) {
	var arena []Chunk
	for _, block := range blocks {
		pieces, err := c.chunkBlock(ctx, block)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", block.Index, err)
		}
		if len(pieces) == 0 {
			// Malformed or empty block: zero-chunk result, not fatal.
			continue
		}

		if c.cfg.Hierarchical {
			parentIdx := len(arena)
			parent := Chunk{
				Index:      parentIdx,
				BlockIndex: block.Index,
				Label:      block.Label,
				Similarity: -1,
				Parent:     -1,
				IsParent:   true,
			}
			arena = append(arena, parent)

			var texts []string
			for _, p := range pieces {
				p.Index = len(arena)
				p.Parent = parentIdx
				arena = append(arena, p)
				arena[parentIdx].Children = append(arena[parentIdx].Children, p.Index)
				texts = append(texts, p.Text)
			}
			arena[parentIdx].Text = strings.Join(texts, " ")
			arena[parentIdx].Length = utf8.RuneCountInString(arena[parentIdx].Text)
		} else {
			for _, p := range pieces {
				p.Index = len(arena)
				p.Parent = -1
				arena = append(arena, p)
			}
		}
	}
	return arena, nil
}

// chunkBlock segments one block. A boundary is inserted where consecutive
// sentence similarity drops below the threshold, once the accumulated chunk
// meets the minimum size. A chunk that would outgrow the maximum size is
// split regardless of similarity. A single sentence longer than the maximum
// is emitted whole rather than cut mid-sentence.
func (c *Chunker) chunkBlock(ctx context.Context, block extract.Block) ([]Chunk, error) {
	text := strings.TrimSpace(block.Text)
	if text == "" {
		return nil, nil
	}

	sentences := SplitSentences(block.Text)
	if len(sentences) == 0 {
		return nil, nil
	}

	// A block below the minimum size is always a single chunk.
	if utf8.RuneCountInString(text) <= c.cfg.MinChunkSize || len(sentences) == 1 {
		return []Chunk{leafChunk(block, sentences, 0, len(sentences), -1)}, nil
	}

	texts := make([]string, len(sentences))
	for i, s := range sentences {
		texts[i] = s.Text
	}
	vectors, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed sentences: %w", err)
	}
	if len(vectors) != len(sentences) {
		return nil, fmt.Errorf("expected %d sentence embeddings, got %d", len(sentences), len(vectors))
	}

	var chunks []Chunk
	start := 0
	curLen := 0
	for i, sent := range sentences {
		sentLen := utf8.RuneCountInString(sent.Text)

		// Force a boundary before a sentence that would overflow the chunk.
		if curLen > 0 && curLen+sentLen+1 > c.cfg.MaxChunkSize {
			sim := float64(embedding.Similarity(vectors[i-1], vectors[i]))
			chunks = append(chunks, leafChunk(block, sentences, start, i, sim))
			start = i
			curLen = 0
		}

		if curLen > 0 {
			curLen++ // joining space
		}
		curLen += sentLen

		if i == len(sentences)-1 {
			break
		}
		sim := float64(embedding.Similarity(vectors[i], vectors[i+1]))
		if sim < c.cfg.Threshold && curLen >= c.cfg.MinChunkSize {
			chunks = append(chunks, leafChunk(block, sentences, start, i+1, sim))
			start = i + 1
			curLen = 0
		}
	}
	if start < len(sentences) {
		chunks = append(chunks, leafChunk(block, sentences, start, len(sentences), -1))
	}
	return chunks, nil
}

// leafChunk materializes sentences[from:to] as one chunk, preserving the
// original spacing between them and the rune offset of the first sentence.
func leafChunk(block extract.Block, sentences []Sentence, from, to int, sim float64) Chunk {
	runes := []rune(block.Text)
	startOff := sentences[from].Start
	endOff := sentences[to-1].End
	text := strings.TrimSpace(string(runes[startOff:endOff]))
	return Chunk{
		BlockIndex: block.Index,
		Label:      block.Label,
		Text:       text,
		Length:     utf8.RuneCountInString(text),
		Offset:     startOff,
		Similarity: sim,
		Parent:     -1,
	}
}
