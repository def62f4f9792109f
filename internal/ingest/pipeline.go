package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/calev/bookvec/internal/chunker"
	"github.com/calev/bookvec/internal/config"
	"github.com/calev/bookvec/internal/extract"
	"github.com/calev/bookvec/internal/manifest"
	"github.com/calev/bookvec/internal/textindex"
	"github.com/calev/bookvec/internal/vectorstore"
)

// Reporter receives pipeline progress callbacks. The CLI feeds these into a
// progress bar; tests pass a no-op.
type Reporter interface {
	RunStarted(total int)
	DocumentStarted(path string)
	DocumentFinished(path string, chunks int, err error)
	RunFinished(stats Stats)
}

// NopReporter discards all progress events.
type NopReporter struct{}

func (NopReporter) RunStarted(int)                      {}
func (NopReporter) DocumentStarted(string)              {}
func (NopReporter) DocumentFinished(string, int, error) {}
func (NopReporter) RunFinished(Stats)                   {}

// Embedder is the slice of the embedding service the pipeline needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Truncate(text string) (string, bool)
	Dimensions() int
}

// Pipeline runs documents through extract, chunk, embed and store. A
// document failing at any stage is recorded and skipped; the run carries on
// with the rest.
type Pipeline struct {
	cfg      *config.Config
	embedder Embedder
	store    vectorstore.Store
	manifest *manifest.Store
	reporter Reporter
}

// New assembles a pipeline. Passing a nil reporter disables progress
// callbacks.
func New(cfg *config.Config, embedder Embedder, store vectorstore.Store, man *manifest.Store, reporter Reporter) *Pipeline {
	if reporter == nil {
		reporter = NopReporter{}
	}
	return &Pipeline{
		cfg:      cfg,
		embedder: embedder,
		store:    store,
		manifest: man,
		reporter: reporter,
	}
}

// Discover expands the given arguments into a sorted, de-duplicated list of
// ingestible files. Directories are walked recursively; glob patterns use
// doublestar syntax; plain paths pass through. Exclude patterns from the
// config filter the result.
func (p *Pipeline) Discover(args []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string

	add := func(path string) {
		if _, err := extract.DetectFormat(path); err != nil {
			return
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		if !seen[abs] && !p.excluded(abs) {
			seen[abs] = true
			files = append(files, abs)
		}
	}

	for _, arg := range args {
		info, err := os.Stat(arg)
		switch {
		case err == nil && info.IsDir():
			matches, err := doublestar.FilepathGlob(filepath.Join(arg, "**", "*.*"))
			if err != nil {
				return nil, fmt.Errorf("scan directory %s: %w", arg, err)
			}
			for _, m := range matches {
				add(m)
			}
		case err == nil:
			add(arg)
		default:
			matches, globErr := doublestar.FilepathGlob(arg)
			if globErr != nil {
				return nil, fmt.Errorf("bad pattern %s: %w", arg, globErr)
			}
			if len(matches) == 0 {
				return nil, fmt.Errorf("no files match %s", arg)
			}
			for _, m := range matches {
				add(m)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

func (p *Pipeline) excluded(path string) bool {
	for _, pattern := range p.cfg.Ingest.Exclude {
		if ok, err := doublestar.Match(pattern, filepath.ToSlash(path)); err == nil && ok {
			return true
		}
		if ok, err := doublestar.Match(pattern, filepath.Base(path)); err == nil && ok {
			return true
		}
	}
	return false
}

// Run ingests files into the collection, resuming any earlier interrupted
// run for the same collection. Already-processed files are skipped; files
// that failed before are retried. The progress record is removed once every
// file has succeeded.
func (p *Pipeline) Run(ctx context.Context, collection string, files []string) (Stats, error) {
	progress, err := LoadProgress(p.cfg.Ingest.ProgressDir, collection)
	if err != nil {
		return Stats{}, err
	}

	if err := p.store.EnsureCollection(ctx, collection, p.embedder.Dimensions()); err != nil {
		return progress.Snapshot(), err
	}

	idx, err := textindex.Open(p.cfg.Store.TextIndexDir, collection)
	if err != nil {
		return progress.Snapshot(), err
	}
	defer idx.Close()

	pending := progress.Pending(files)
	p.reporter.RunStarted(len(pending))

	workers := p.cfg.Ingest.Workers
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan string)
	var wg sync.WaitGroup

	// The store, the bleve index and the manifest each want a single
	// in-flight writer per collection; one lock covers all three.
	var writeMu sync.Mutex

	// A failed progress save means the resume state would not survive a
	// crash; the first one aborts the run instead of being swallowed.
	var saveMu sync.Mutex
	var saveErr error
	recordSaveErr := func(err error) {
		saveMu.Lock()
		if saveErr == nil {
			saveErr = err
		}
		saveMu.Unlock()
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				p.reporter.DocumentStarted(path)
				chunks, err := p.ingestOne(ctx, collection, path, idx, &writeMu)
				if err != nil {
					if perr := progress.MarkFailed(path, err); perr != nil {
						recordSaveErr(perr)
					}
				} else {
					if perr := progress.MarkProcessed(path, chunks); perr != nil {
						recordSaveErr(perr)
					}
					p.moveOnSuccess(path)
				}
				p.reporter.DocumentFinished(path, chunks, err)
			}
		}()
	}

	for _, path := range pending {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return progress.Snapshot(), ctx.Err()
		case jobs <- path:
		}
	}
	close(jobs)
	wg.Wait()

	stats := progress.Snapshot()
	p.reporter.RunFinished(stats)
	if saveErr != nil {
		return stats, fmt.Errorf("persist progress record: %w", saveErr)
	}
	if stats.TotalErrors == 0 {
		if err := progress.Clear(); err != nil {
			return stats, fmt.Errorf("clear progress record: %w", err)
		}
	}
	return stats, nil
}

// ingestOne runs one document through the full pipeline. Point ids are
// derived deterministically from the document path and chunk index, and any
// previous points for the path are deleted first, so re-ingesting a file
// replaces rather than duplicates. Extraction, chunking and embedding run
// concurrently across workers; writeMu keeps at most one collection write
// in flight.
func (p *Pipeline) ingestOne(ctx context.Context, collection, path string, idx *textindex.Index, writeMu *sync.Mutex) (int, error) {
	blocks, doc, err := extract.Extract(path)
	if err != nil {
		return 0, err
	}
	if d := p.cfg.Ingest.Domain; d != "" && d != "auto" {
		doc.Domain = d
	} else if doc.Domain == "" {
		doc.Domain = ClassifyDomain(doc.Title, sampleText(blocks))
	}

	ch := chunker.New(p.cfg.Chunking, p.embedder)
	chunks, err := ch.Chunk(ctx, blocks)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, fmt.Errorf("no chunks produced from %s", path)
	}

	ingestedAt := time.Now().UTC().Format(time.RFC3339)

	// Truncate every chunk to the model window before embedding; the flag
	// lands in the payload so retrieval can tell a cut chunk apart.
	texts := make([]string, len(chunks))
	truncated := make([]bool, len(chunks))
	for i, c := range chunks {
		texts[i], truncated[i] = p.embedder.Truncate(c.Text)
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("expected %d chunk embeddings, got %d", len(chunks), len(vectors))
	}

	points := make([]vectorstore.Point, len(chunks))
	entries := make(map[string]textindex.Entry, len(chunks))
	leaves := 0
	for i, c := range chunks {
		id := PointID(doc.Path, c.Index)
		payload := map[string]any{
			vectorstore.FieldDocumentPath:  doc.Path,
			vectorstore.FieldDocumentTitle: doc.Title,
			vectorstore.FieldAuthor:        doc.Author,
			vectorstore.FieldDomain:        doc.Domain,
			vectorstore.FieldChunkText:     c.Text,
			vectorstore.FieldChunkIndex:    c.Index,
			vectorstore.FieldBlockIndex:    c.BlockIndex,
			vectorstore.FieldBlockLabel:    c.Label,
			vectorstore.FieldIsParent:      c.IsParent,
			vectorstore.FieldTruncated:     truncated[i],
			vectorstore.FieldIngestedAt:    ingestedAt,
		}
		if c.Parent >= 0 {
			payload[vectorstore.FieldParentID] = PointID(doc.Path, c.Parent)
		}
		points[i] = vectorstore.Point{ID: id, Vector: vectors[i], Payload: payload}
		entries[id] = textindex.Entry{
			Text:     c.Text,
			Title:    doc.Title,
			Author:   doc.Author,
			Domain:   doc.Domain,
			Path:     doc.Path,
			IsParent: c.IsParent,
		}
		if !c.IsParent {
			leaves++
		}
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := p.store.DeleteByFilter(ctx, collection, map[string]any{
		vectorstore.FieldDocumentPath: doc.Path,
	}); err != nil {
		return 0, fmt.Errorf("clear previous points: %w", err)
	}
	if err := p.store.Upsert(ctx, collection, points); err != nil {
		return 0, fmt.Errorf("upsert points: %w", err)
	}
	if err := idx.DeleteByPath(doc.Path); err != nil {
		return 0, fmt.Errorf("clear text index: %w", err)
	}
	if err := idx.Add(entries); err != nil {
		return 0, fmt.Errorf("index chunk text: %w", err)
	}
	if err := p.manifest.Add(collection, manifest.Book{
		FilePath:    doc.Path,
		FileName:    filepath.Base(doc.Path),
		BookTitle:   doc.Title,
		Author:      doc.Author,
		Domain:      doc.Domain,
		ChunksCount: leaves,
		FileSizeMB:  doc.SizeMB,
		IngestedAt:  ingestedAt,
	}); err != nil {
		return 0, fmt.Errorf("record in manifest: %w", err)
	}
	return leaves, nil
}

// moveOnSuccess relocates a source file after ingestion when configured.
// Failure to move is not an ingestion failure; the points are already in.
func (p *Pipeline) moveOnSuccess(path string) {
	dir := p.cfg.Ingest.MoveTo
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	_ = os.Rename(path, filepath.Join(dir, filepath.Base(path)))
}

// PointID derives the stable id for a chunk of a document. The same path
// and chunk index always map to the same UUID, which is what makes
// re-ingestion idempotent.
func PointID(docPath string, chunkIndex int) string {
	name := fmt.Sprintf("bookvec:%s#%d", docPath, chunkIndex)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// sampleText joins the first blocks into a classification sample, capped so
// huge documents do not slow the keyword scan.
func sampleText(blocks []extract.Block) string {
	var sb strings.Builder
	for _, b := range blocks {
		if sb.Len() > 4000 {
			break
		}
		sb.WriteString(b.Text)
		sb.WriteString(" ")
	}
	return sb.String()
}
