package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(filepath.Join(t.TempDir(), "vectors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func somePoints() []Point {
	return []Point{
		{ID: "a", Vector: []float32{1, 0}, Payload: map[string]any{
			FieldDocumentPath: "/books/one.txt",
			FieldDomain:       "science",
			FieldChunkText:    "alpha",
		}},
		{ID: "b", Vector: []float32{0, 1}, Payload: map[string]any{
			FieldDocumentPath: "/books/one.txt",
			FieldDomain:       "science",
			FieldChunkText:    "beta",
		}},
		{ID: "c", Vector: []float32{0.9, 0.1}, Payload: map[string]any{
			FieldDocumentPath: "/books/two.txt",
			FieldDomain:       "history",
			FieldChunkText:    "gamma",
		}},
	}
}

func TestLocalStoreUpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.EnsureCollection(ctx, "books", 2))
	require.NoError(t, store.Upsert(ctx, "books", somePoints()))

	results, err := store.Search(ctx, "books", []float32{1, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "a", results[0].ID)
	require.Equal(t, "c", results[1].ID)
	require.Greater(t, results[0].Score, results[1].Score)
}

func TestLocalStoreSearchWithFilter(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.EnsureCollection(ctx, "books", 2))
	require.NoError(t, store.Upsert(ctx, "books", somePoints()))

	results, err := store.Search(ctx, "books", []float32{1, 0}, 10,
		map[string]any{FieldDomain: "history"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "c", results[0].ID)

	// A filter matching nothing is an empty result, not an error.
	results, err = store.Search(ctx, "books", []float32{1, 0}, 10,
		map[string]any{FieldDomain: "poetry"})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestLocalStoreUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.EnsureCollection(ctx, "books", 2))

	require.NoError(t, store.Upsert(ctx, "books", somePoints()))
	require.NoError(t, store.Upsert(ctx, "books", somePoints()))

	info, err := store.CollectionInfo(ctx, "books")
	require.NoError(t, err)
	require.EqualValues(t, 3, info.PointCount)
}

func TestLocalStoreDimensionChecks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.EnsureCollection(ctx, "books", 2))

	err := store.Upsert(ctx, "books", []Point{{ID: "x", Vector: []float32{1, 2, 3}}})
	require.ErrorIs(t, err, ErrDimensionMismatch)

	err = store.EnsureCollection(ctx, "books", 5)
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestLocalStoreSearchRejectsWrongDimensions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.EnsureCollection(ctx, "books", 3))
	require.NoError(t, store.Upsert(ctx, "books", []Point{
		{ID: "a", Vector: []float32{1, 0, 0}, Payload: map[string]any{}},
	}))

	// A query vector of the wrong size is a hard error, never an empty
	// result set.
	_, err := store.Search(ctx, "books", []float32{1, 0}, 5, nil)
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestLocalStoreConcurrentUpserts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.EnsureCollection(ctx, "books", 2))

	const workers = 4
	const perWorker = 50
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			points := make([]Point, perWorker)
			for i := range points {
				points[i] = Point{
					ID:      fmt.Sprintf("w%d-p%d", w, i),
					Vector:  []float32{1, 0},
					Payload: map[string]any{},
				}
			}
			errs <- store.Upsert(ctx, "books", points)
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	info, err := store.CollectionInfo(ctx, "books")
	require.NoError(t, err)
	require.EqualValues(t, workers*perWorker, info.PointCount)
}

func TestLocalStoreMissingCollection(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.CollectionInfo(ctx, "nope")
	require.ErrorIs(t, err, ErrCollectionNotFound)

	_, err = store.Search(ctx, "nope", []float32{1, 0}, 5, nil)
	require.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestLocalStoreDeleteByFilter(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.EnsureCollection(ctx, "books", 2))
	require.NoError(t, store.Upsert(ctx, "books", somePoints()))

	require.NoError(t, store.DeleteByFilter(ctx, "books",
		map[string]any{FieldDocumentPath: "/books/one.txt"}))

	info, err := store.CollectionInfo(ctx, "books")
	require.NoError(t, err)
	require.EqualValues(t, 1, info.PointCount)

	points, err := store.Fetch(ctx, "books", []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.Equal(t, "c", points[0].ID)
}

func TestLocalStoreScroll(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.EnsureCollection(ctx, "books", 2))
	require.NoError(t, store.Upsert(ctx, "books", somePoints()))

	var all []Point
	offset := ""
	for {
		page, next, err := store.Scroll(ctx, "books", offset, 2)
		require.NoError(t, err)
		all = append(all, page...)
		if next == "" {
			break
		}
		offset = next
	}
	require.Len(t, all, 3)
}

func TestLocalStoreCopyAndAlias(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.EnsureCollection(ctx, "books", 2))
	require.NoError(t, store.Upsert(ctx, "books", somePoints()))

	require.NoError(t, store.Copy(ctx, "books", "backup"))
	info, err := store.CollectionInfo(ctx, "backup")
	require.NoError(t, err)
	require.EqualValues(t, 3, info.PointCount)

	require.NoError(t, store.Alias(ctx, "backup", "current"))
	info, err = store.CollectionInfo(ctx, "current")
	require.NoError(t, err)
	require.Equal(t, "backup", info.Name)

	// Aliasing a missing collection fails.
	err = store.Alias(ctx, "ghost", "x")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCollectionNotFound))
}

func TestLocalStoreDeleteCollection(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.EnsureCollection(ctx, "books", 2))
	require.NoError(t, store.Upsert(ctx, "books", somePoints()))

	require.NoError(t, store.DeleteCollection(ctx, "books"))
	_, err := store.CollectionInfo(ctx, "books")
	require.ErrorIs(t, err, ErrCollectionNotFound)

	names, err := store.ListCollections(ctx)
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestLocalStoreSearchTiesAreStable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.EnsureCollection(ctx, "books", 2))

	// Two identical vectors: insertion order breaks the tie, every time.
	points := []Point{
		{ID: "first", Vector: []float32{1, 0}, Payload: map[string]any{}},
		{ID: "second", Vector: []float32{1, 0}, Payload: map[string]any{}},
	}
	require.NoError(t, store.Upsert(ctx, "books", points))

	for i := 0; i < 5; i++ {
		results, err := store.Search(ctx, "books", []float32{1, 0}, 2, nil)
		require.NoError(t, err)
		require.Equal(t, "first", results[0].ID)
		require.Equal(t, "second", results[1].ID)
	}
}
