package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calev/bookvec/internal/config"
	"github.com/calev/bookvec/internal/manifest"
	"github.com/calev/bookvec/internal/vectorstore"
)

// recordingEmbedder returns a fixed vector for every text and can be told
// to fail on texts containing a marker substring.
type recordingEmbedder struct {
	mu     sync.Mutex
	texts  []string
	failOn string
}

func (f *recordingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, text := range texts {
		if f.failOn != "" && strings.Contains(text, f.failOn) {
			return nil, fmt.Errorf("refusing to embed marked text")
		}
	}
	f.texts = append(f.texts, texts...)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (f *recordingEmbedder) Truncate(text string) (string, bool) { return text, false }

func (f *recordingEmbedder) Dimensions() int { return 2 }

func (f *recordingEmbedder) sawText(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, text := range f.texts {
		if strings.Contains(text, substr) {
			return true
		}
	}
	return false
}

type pipelineFixture struct {
	cfg      *config.Config
	store    vectorstore.Store
	manifest *manifest.Store
	books    string
}

func newFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		Store: config.StoreConfig{
			Backend:      "local",
			Collection:   "books",
			LocalPath:    filepath.Join(root, "vectors.db"),
			ManifestPath: filepath.Join(root, "manifest.json"),
			TextIndexDir: filepath.Join(root, "textindex"),
		},
		Chunking: config.ChunkingConfig{
			Threshold:    0.5,
			MinChunkSize: 10,
			MaxChunkSize: 1500,
		},
		Ingest: config.IngestConfig{
			Workers:     1,
			ProgressDir: filepath.Join(root, "progress"),
		},
	}

	store, err := vectorstore.NewLocalStore(cfg.Store.LocalPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	man, err := manifest.Open(cfg.Store.ManifestPath)
	require.NoError(t, err)

	books := filepath.Join(root, "library")
	require.NoError(t, os.MkdirAll(books, 0o755))

	return &pipelineFixture{cfg: cfg, store: store, manifest: man, books: books}
}

func (fx *pipelineFixture) writeBook(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(fx.books, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (fx *pipelineFixture) pipeline(embedder Embedder) *Pipeline {
	return New(fx.cfg, embedder, fx.store, fx.manifest, nil)
}

const alphaText = "The alphamarker ocean is wide. It stretches beyond every horizon we know of."
const betaText = "The betamarker empire endured. Its roads outlived the people who built them all."

func TestPipelineIngestsAndRecords(t *testing.T) {
	fx := newFixture(t)
	a := fx.writeBook(t, "a.txt", alphaText)
	b := fx.writeBook(t, "b.txt", betaText)

	p := fx.pipeline(&recordingEmbedder{})
	stats, err := p.Run(context.Background(), "books", []string{a, b})
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalBooks)
	require.Zero(t, stats.TotalErrors)
	require.Positive(t, stats.TotalChunks)

	col := fx.manifest.Get("books")
	require.NotNil(t, col)
	require.Len(t, col.Books, 2)
	require.Equal(t, stats.TotalChunks, col.TotalChunks)

	info, err := fx.store.CollectionInfo(context.Background(), "books")
	require.NoError(t, err)
	require.Positive(t, info.PointCount)

	// A fully successful run leaves no progress record behind.
	fresh, err := LoadProgress(fx.cfg.Ingest.ProgressDir, "books")
	require.NoError(t, err)
	require.Empty(t, fresh.ProcessedFiles)
}

func TestPipelineReingestDoesNotDuplicate(t *testing.T) {
	fx := newFixture(t)
	a := fx.writeBook(t, "a.txt", alphaText)

	ctx := context.Background()
	p := fx.pipeline(&recordingEmbedder{})
	_, err := p.Run(ctx, "books", []string{a})
	require.NoError(t, err)
	first, err := fx.store.CollectionInfo(ctx, "books")
	require.NoError(t, err)

	_, err = p.Run(ctx, "books", []string{a})
	require.NoError(t, err)
	second, err := fx.store.CollectionInfo(ctx, "books")
	require.NoError(t, err)

	require.Equal(t, first.PointCount, second.PointCount)
	require.Len(t, fx.manifest.Get("books").Books, 1)
}

func TestPipelineFailureIsRecordedAndRetried(t *testing.T) {
	fx := newFixture(t)
	a := fx.writeBook(t, "a.txt", alphaText)
	b := fx.writeBook(t, "b.txt", betaText)
	ctx := context.Background()

	// First run: everything containing "betamarker" fails to embed.
	p := fx.pipeline(&recordingEmbedder{failOn: "betamarker"})
	stats, err := p.Run(ctx, "books", []string{a, b})
	require.NoError(t, err, "a failing document must not abort the run")
	require.Equal(t, 1, stats.TotalBooks)
	require.Equal(t, 1, stats.TotalErrors)

	record, err := LoadProgress(fx.cfg.Ingest.ProgressDir, "books")
	require.NoError(t, err)
	require.Len(t, record.FailedFiles, 1)
	require.Equal(t, b, record.FailedFiles[0].FilePath)

	// Second run with a healthy embedder retries only the failed file.
	healthy := &recordingEmbedder{}
	p = fx.pipeline(healthy)
	stats, err = p.Run(ctx, "books", []string{a, b})
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalBooks)
	require.Zero(t, stats.TotalErrors)

	require.True(t, healthy.sawText("betamarker"), "failed file should be retried")
	require.False(t, healthy.sawText("alphamarker"), "processed file should be skipped")
}

func TestPipelineSurfacesProgressSaveFailure(t *testing.T) {
	fx := newFixture(t)
	a := fx.writeBook(t, "a.txt", alphaText)

	// A directory squatting on the record's temp path makes every save fail;
	// the run must report that instead of finishing as if state were durable.
	blocked := progressPath(fx.cfg.Ingest.ProgressDir, "books") + ".tmp"
	require.NoError(t, os.MkdirAll(blocked, 0o755))

	p := fx.pipeline(&recordingEmbedder{})
	_, err := p.Run(context.Background(), "books", []string{a})
	require.Error(t, err)
	require.Contains(t, err.Error(), "persist progress record")
}

func TestPipelineMoveOnSuccess(t *testing.T) {
	fx := newFixture(t)
	moved := filepath.Join(t.TempDir(), "done")
	fx.cfg.Ingest.MoveTo = moved
	a := fx.writeBook(t, "a.txt", alphaText)

	p := fx.pipeline(&recordingEmbedder{})
	_, err := p.Run(context.Background(), "books", []string{a})
	require.NoError(t, err)

	_, err = os.Stat(a)
	require.True(t, os.IsNotExist(err), "source should be moved away")
	_, err = os.Stat(filepath.Join(moved, "a.txt"))
	require.NoError(t, err)
}

func TestPipelineDiscover(t *testing.T) {
	fx := newFixture(t)
	fx.writeBook(t, "a.txt", alphaText)
	fx.writeBook(t, "b.md", betaText)
	fx.writeBook(t, "skip.png", "not a book")

	p := fx.pipeline(&recordingEmbedder{})
	files, err := p.Discover([]string{fx.books})
	require.NoError(t, err)
	require.Len(t, files, 2)

	fx.cfg.Ingest.Exclude = []string{"*.md"}
	files, err = p.Discover([]string{fx.books})
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.True(t, strings.HasSuffix(files[0], "a.txt"))
}

func TestPointIDDeterministic(t *testing.T) {
	first := PointID("/lib/a.txt", 3)
	second := PointID("/lib/a.txt", 3)
	other := PointID("/lib/a.txt", 4)
	require.Equal(t, first, second)
	require.NotEqual(t, first, other)
	require.Len(t, first, 36, "should be a canonical UUID string")
}
