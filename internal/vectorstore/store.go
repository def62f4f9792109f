package vectorstore

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors callers branch on. ErrUnavailable distinguishes "backend
// unreachable" from an empty result set; ErrCollectionNotFound is reported
// to the caller rather than silently returning nothing.
var (
	ErrUnavailable        = errors.New("vector store unavailable")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrDimensionMismatch  = errors.New("vector dimension mismatch")
)

// Point is the unit stored in the vector index: an identifier, an embedding
// and a payload carrying chunk plus document metadata. Points are never
// mutated in place; re-ingestion writes a fresh set and removes stale ones.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// Payload field names shared by both backends.
const (
	FieldDocumentPath  = "document_path"
	FieldDocumentTitle = "document_title"
	FieldAuthor        = "author"
	FieldDomain        = "domain"
	FieldChunkText     = "chunk_text"
	FieldParentID      = "parent_id"
	FieldChunkIndex    = "chunk_index"
	FieldBlockIndex    = "block_index"
	FieldBlockLabel    = "block_label"
	FieldIsParent      = "is_parent"
	FieldTruncated     = "truncated"
	FieldIngestedAt    = "ingested_at"
)

// SearchResult is one scored match.
type SearchResult struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// CollectionInfo summarizes a collection for the stats surface.
type CollectionInfo struct {
	Name       string
	PointCount int64
	Dimensions int
}

// Store is the named-collection abstraction over a vector index.
type Store interface {
	// EnsureCollection creates the collection with the given vector size if
	// it does not exist. An existing collection with a different size is a
	// hard error (ErrDimensionMismatch).
	EnsureCollection(ctx context.Context, name string, dims int) error
	ListCollections(ctx context.Context) ([]string, error)
	DeleteCollection(ctx context.Context, name string) error
	CollectionInfo(ctx context.Context, name string) (*CollectionInfo, error)

	Upsert(ctx context.Context, collection string, points []Point) error
	DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error

	// Search returns the topK nearest points by cosine similarity, ordered
	// by descending score, optionally restricted by exact-match payload
	// conditions. A filter matching nothing yields an empty slice, not an
	// error.
	Search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]SearchResult, error)

	// Fetch retrieves points by id with payloads; missing ids are omitted.
	Fetch(ctx context.Context, collection string, ids []string) ([]Point, error)

	// Scroll pages through all points of a collection. Pass an empty offset
	// to start; an empty next offset marks the end.
	Scroll(ctx context.Context, collection string, offset string, limit int) ([]Point, string, error)

	// Copy duplicates all points of src into a new collection dst.
	Copy(ctx context.Context, src, dst string) error

	// Alias makes alias resolve to collection for subsequent operations.
	Alias(ctx context.Context, collection, alias string) error

	Close() error
}

// checkDims verifies every point vector matches the collection size before
// anything is written. Mixing dimensions within a collection must fail fast.
func checkDims(points []Point, dims int) error {
	for _, p := range points {
		if len(p.Vector) != dims {
			return fmt.Errorf("%w: point %s has %d dimensions, collection has %d",
				ErrDimensionMismatch, p.ID, len(p.Vector), dims)
		}
	}
	return nil
}

// copyCollection is the shared scroll-and-upsert implementation of Copy.
func copyCollection(ctx context.Context, s Store, src, dst string) error {
	info, err := s.CollectionInfo(ctx, src)
	if err != nil {
		return err
	}
	if err := s.EnsureCollection(ctx, dst, info.Dimensions); err != nil {
		return err
	}
	offset := ""
	for {
		points, next, err := s.Scroll(ctx, src, offset, 256)
		if err != nil {
			return err
		}
		if len(points) > 0 {
			if err := s.Upsert(ctx, dst, points); err != nil {
				return err
			}
		}
		if next == "" {
			return nil
		}
		offset = next
	}
}

// PayloadString extracts a string payload field, tolerating the loose typing
// that JSON round-trips produce.
func PayloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	val, ok := payload[key]
	if !ok || val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// PayloadInt64 extracts a numeric payload field.
func PayloadInt64(payload map[string]any, key string) int64 {
	if payload == nil {
		return 0
	}
	val, ok := payload[key]
	if !ok || val == nil {
		return 0
	}
	switch v := val.(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	default:
		return 0
	}
}

// PayloadBool extracts a boolean payload field.
func PayloadBool(payload map[string]any, key string) bool {
	if payload == nil {
		return false
	}
	val, ok := payload[key]
	if !ok || val == nil {
		return false
	}
	b, ok := val.(bool)
	return ok && b
}
