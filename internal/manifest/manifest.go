package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/calev/bookvec/internal/vectorstore"
)

// ErrDrift reports that the manifest disagrees with what the vector store
// actually holds. Callers repair it with Sync.
var ErrDrift = errors.New("manifest out of sync with store")

// Book is one ingested document as recorded in the manifest.
type Book struct {
	FilePath    string  `json:"file_path"`
	FileName    string  `json:"file_name"`
	BookTitle   string  `json:"book_title"`
	Author      string  `json:"author,omitempty"`
	Domain      string  `json:"domain,omitempty"`
	ChunksCount int     `json:"chunks_count"`
	FileSizeMB  float64 `json:"file_size_mb"`
	IngestedAt  string  `json:"ingested_at"`
	// SyncDerived marks entries reconstructed from store payloads; some
	// fields (file size in particular) cannot be recovered that way.
	SyncDerived bool `json:"sync_derived,omitempty"`
}

// Collection groups the books ingested into one vector store collection.
// The totals are recomputed from the book list on every load and save, so
// a hand-edited file cannot leave them stale.
type Collection struct {
	CreatedAt   string  `json:"created_at"`
	Domain      string  `json:"domain,omitempty"`
	Books       []Book  `json:"books"`
	TotalChunks int     `json:"total_chunks"`
	TotalSizeMB float64 `json:"total_size_mb"`
}

// Store is a JSON ledger of ingested documents, keyed by collection name.
// All mutation goes through one mutex; the file has a single writer.
type Store struct {
	path string

	mu          sync.Mutex
	collections map[string]*Collection
}

// Open loads the manifest at path, creating an empty one if the file does
// not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{
		path:        path,
		collections: make(map[string]*Collection),
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &s.collections); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	for _, col := range s.collections {
		recompute(col)
	}
	return s, nil
}

// Path returns the manifest file location.
func (s *Store) Path() string { return s.path }

// Add records a book under the collection, replacing any previous entry
// for the same file path. The collection is created on first use.
func (s *Store) Add(collection string, book Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col := s.collections[collection]
	if col == nil {
		col = &Collection{CreatedAt: time.Now().UTC().Format(time.RFC3339)}
		s.collections[collection] = col
	}
	if col.Domain == "" {
		col.Domain = book.Domain
	}

	replaced := false
	for i := range col.Books {
		if col.Books[i].FilePath == book.FilePath {
			col.Books[i] = book
			replaced = true
			break
		}
	}
	if !replaced {
		col.Books = append(col.Books, book)
	}
	recompute(col)
	return s.save()
}

// Remove drops a book entry by file path. Removing the last book keeps the
// (now empty) collection entry; DeleteCollection removes that.
func (s *Store) Remove(collection, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col := s.collections[collection]
	if col == nil {
		return fmt.Errorf("collection %s not in manifest", collection)
	}
	kept := col.Books[:0]
	found := false
	for _, b := range col.Books {
		if b.FilePath == filePath {
			found = true
			continue
		}
		kept = append(kept, b)
	}
	if !found {
		return fmt.Errorf("book %s not in collection %s", filePath, collection)
	}
	col.Books = kept
	recompute(col)
	return s.save()
}

// DeleteCollection removes a collection's entry entirely.
func (s *Store) DeleteCollection(collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, collection)
	return s.save()
}

// Collections lists recorded collection names, sorted.
func (s *Store) Collections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a copy of one collection's entry, or nil if absent.
func (s *Store) Get(collection string) *Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	col := s.collections[collection]
	if col == nil {
		return nil
	}
	cp := *col
	cp.Books = append([]Book(nil), col.Books...)
	return &cp
}

// Has reports whether a file path is already recorded under the collection.
func (s *Store) Has(collection, filePath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	col := s.collections[collection]
	if col == nil {
		return false
	}
	for _, b := range col.Books {
		if b.FilePath == filePath {
			return true
		}
	}
	return false
}

// Export writes the manifest as indented JSON to the given path.
func (s *Store) Export(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(s.collections, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Verify compares the manifest's chunk total for a collection against the
// store's leaf point count. Parent chunks are not counted on either side.
// A mismatch is reported as ErrDrift.
func (s *Store) Verify(ctx context.Context, store vectorstore.Store, collection string) error {
	leaves := 0
	offset := ""
	for {
		points, next, err := store.Scroll(ctx, collection, offset, 256)
		if err != nil {
			return err
		}
		for _, p := range points {
			if !vectorstore.PayloadBool(p.Payload, vectorstore.FieldIsParent) {
				leaves++
			}
		}
		if next == "" {
			break
		}
		offset = next
	}

	col := s.Get(collection)
	recorded := 0
	if col != nil {
		recorded = col.TotalChunks
	}
	if recorded != leaves {
		return fmt.Errorf("%w: manifest records %d chunks, store holds %d",
			ErrDrift, recorded, leaves)
	}
	return nil
}

// Sync rebuilds one collection's entry from the store's point payloads,
// scrolling the whole collection. Reconstructed books are marked as
// sync-derived since the source file size cannot be recovered from
// payloads.
func (s *Store) Sync(ctx context.Context, store vectorstore.Store, collection string) error {
	type tally struct {
		book   Book
		chunks int
	}
	byPath := make(map[string]*tally)
	var order []string

	offset := ""
	for {
		points, next, err := store.Scroll(ctx, collection, offset, 256)
		if err != nil {
			return err
		}
		for _, p := range points {
			if vectorstore.PayloadBool(p.Payload, vectorstore.FieldIsParent) {
				continue
			}
			path := vectorstore.PayloadString(p.Payload, vectorstore.FieldDocumentPath)
			if path == "" {
				continue
			}
			t := byPath[path]
			if t == nil {
				t = &tally{book: Book{
					FilePath:    path,
					FileName:    filepath.Base(path),
					BookTitle:   vectorstore.PayloadString(p.Payload, vectorstore.FieldDocumentTitle),
					Author:      vectorstore.PayloadString(p.Payload, vectorstore.FieldAuthor),
					Domain:      vectorstore.PayloadString(p.Payload, vectorstore.FieldDomain),
					IngestedAt:  vectorstore.PayloadString(p.Payload, vectorstore.FieldIngestedAt),
					SyncDerived: true,
				}}
				byPath[path] = t
				order = append(order, path)
			}
			t.chunks++
		}
		if next == "" {
			break
		}
		offset = next
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	col := s.collections[collection]
	if col == nil {
		col = &Collection{CreatedAt: time.Now().UTC().Format(time.RFC3339)}
		s.collections[collection] = col
	}

	// Keep existing entries where the store agrees; they carry fields the
	// payloads cannot reconstruct.
	existing := make(map[string]Book, len(col.Books))
	for _, b := range col.Books {
		existing[b.FilePath] = b
	}

	books := make([]Book, 0, len(order))
	for _, path := range order {
		t := byPath[path]
		if prev, ok := existing[path]; ok {
			prev.ChunksCount = t.chunks
			books = append(books, prev)
			continue
		}
		t.book.ChunksCount = t.chunks
		books = append(books, t.book)
	}
	col.Books = books
	recompute(col)
	return s.save()
}

func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}
	data, err := json.MarshalIndent(s.collections, "", "  ")
	if err != nil {
		return err
	}
	// Write to a temp file and rename so a crash mid-write cannot leave a
	// truncated manifest.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func recompute(col *Collection) {
	col.TotalChunks = 0
	col.TotalSizeMB = 0
	for _, b := range col.Books {
		col.TotalChunks += b.ChunksCount
		col.TotalSizeMB += b.FileSizeMB
	}
}
