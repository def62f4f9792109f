package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	_ "modernc.org/sqlite"
)

// LocalStore is a SQLite-backed vector store for setups without a running
// Qdrant instance. Search is an exhaustive cosine scan, which is fine for
// the collection sizes a single machine ingests.
type LocalStore struct {
	db *sql.DB
}

// NewLocalStore opens (or creates) the database file at path.
func NewLocalStore(path string) (*LocalStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// One connection: concurrent writers would otherwise race for the file
	// lock and fail with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &LocalStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LocalStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			dims INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS points (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			vector TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		);
		CREATE TABLE IF NOT EXISTS aliases (
			alias TEXT PRIMARY KEY,
			collection TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// resolve maps an alias to its target collection, or returns the name as-is.
func (s *LocalStore) resolve(ctx context.Context, name string) (string, error) {
	var target string
	err := s.db.QueryRowContext(ctx, `SELECT collection FROM aliases WHERE alias = ?`, name).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return name, nil
	}
	if err != nil {
		return "", err
	}
	return target, nil
}

func (s *LocalStore) collectionDims(ctx context.Context, name string) (int, error) {
	var dims int
	err := s.db.QueryRowContext(ctx, `SELECT dims FROM collections WHERE name = ?`, name).Scan(&dims)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if err != nil {
		return 0, err
	}
	return dims, nil
}

func (s *LocalStore) EnsureCollection(ctx context.Context, name string, dims int) error {
	name, err := s.resolve(ctx, name)
	if err != nil {
		return err
	}
	existing, err := s.collectionDims(ctx, name)
	if err == nil {
		if existing != dims {
			return fmt.Errorf("%w: collection %s has %d dimensions, want %d",
				ErrDimensionMismatch, name, existing, dims)
		}
		return nil
	}
	if !errors.Is(err, ErrCollectionNotFound) {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO collections (name, dims) VALUES (?, ?)`, name, dims)
	return err
}

func (s *LocalStore) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM collections ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *LocalStore) DeleteCollection(ctx context.Context, name string) error {
	name, err := s.resolve(ctx, name)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM points WHERE collection = ?`, name); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM aliases WHERE collection = ?`, name); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name)
	return err
}

func (s *LocalStore) CollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	name, err := s.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	dims, err := s.collectionDims(ctx, name)
	if err != nil {
		return nil, err
	}
	var count int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM points WHERE collection = ?`, name).Scan(&count); err != nil {
		return nil, err
	}
	return &CollectionInfo{Name: name, PointCount: count, Dimensions: dims}, nil
}

func (s *LocalStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	collection, err := s.resolve(ctx, collection)
	if err != nil {
		return err
	}
	dims, err := s.collectionDims(ctx, collection)
	if err != nil {
		return err
	}
	if err := checkDims(points, dims); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO points (collection, id, vector, payload) VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET vector = excluded.vector, payload = excluded.payload
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		vec, err := json.Marshal(p.Vector)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, collection, p.ID, string(vec), string(payload)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *LocalStore) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	if len(filter) == 0 {
		return nil
	}
	collection, err := s.resolve(ctx, collection)
	if err != nil {
		return err
	}
	points, err := s.loadPoints(ctx, collection)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, p := range points {
		if matchesFilter(p.Payload, filter) {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM points WHERE collection = ? AND id = ?`, collection, p.ID); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *LocalStore) Search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 10
	}
	collection, err := s.resolve(ctx, collection)
	if err != nil {
		return nil, err
	}
	dims, err := s.collectionDims(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(vector) != dims {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, collection %s has %d",
			ErrDimensionMismatch, len(vector), collection, dims)
	}
	points, err := s.loadPoints(ctx, collection)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	for _, p := range points {
		if !matchesFilter(p.Payload, filter) {
			continue
		}
		results = append(results, SearchResult{
			ID:      p.ID,
			Score:   cosine(vector, p.Vector),
			Payload: p.Payload,
		})
	}
	// Stable sort keeps insertion order for equal scores.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (s *LocalStore) Fetch(ctx context.Context, collection string, ids []string) ([]Point, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	collection, err := s.resolve(ctx, collection)
	if err != nil {
		return nil, err
	}
	var points []Point
	for _, id := range ids {
		var vecJSON, payloadJSON string
		err := s.db.QueryRowContext(ctx,
			`SELECT vector, payload FROM points WHERE collection = ? AND id = ?`,
			collection, id).Scan(&vecJSON, &payloadJSON)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		p, err := decodeRow(id, vecJSON, payloadJSON)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

func (s *LocalStore) Scroll(ctx context.Context, collection string, offset string, limit int) ([]Point, string, error) {
	if limit <= 0 {
		limit = 256
	}
	collection, err := s.resolve(ctx, collection)
	if err != nil {
		return nil, "", err
	}
	start := int64(0)
	if offset != "" {
		start, err = strconv.ParseInt(offset, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid scroll offset %q: %w", offset, err)
		}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, id, vector, payload FROM points
		WHERE collection = ? AND rowid > ?
		ORDER BY rowid LIMIT ?`, collection, start, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var points []Point
	var lastRowID int64
	for rows.Next() {
		var rowid int64
		var id, vecJSON, payloadJSON string
		if err := rows.Scan(&rowid, &id, &vecJSON, &payloadJSON); err != nil {
			return nil, "", err
		}
		p, err := decodeRow(id, vecJSON, payloadJSON)
		if err != nil {
			return nil, "", err
		}
		points = append(points, p)
		lastRowID = rowid
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(points) == limit {
		next = strconv.FormatInt(lastRowID, 10)
	}
	return points, next, nil
}

func (s *LocalStore) Copy(ctx context.Context, src, dst string) error {
	return copyCollection(ctx, s, src, dst)
}

func (s *LocalStore) Alias(ctx context.Context, collection, alias string) error {
	if _, err := s.collectionDims(ctx, collection); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aliases (alias, collection) VALUES (?, ?)
		ON CONFLICT (alias) DO UPDATE SET collection = excluded.collection`,
		alias, collection)
	return err
}

func (s *LocalStore) Close() error {
	return s.db.Close()
}

func (s *LocalStore) loadPoints(ctx context.Context, collection string) ([]Point, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, vector, payload FROM points WHERE collection = ? ORDER BY rowid`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var points []Point
	for rows.Next() {
		var id, vecJSON, payloadJSON string
		if err := rows.Scan(&id, &vecJSON, &payloadJSON); err != nil {
			return nil, err
		}
		p, err := decodeRow(id, vecJSON, payloadJSON)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func decodeRow(id, vecJSON, payloadJSON string) (Point, error) {
	var p Point
	p.ID = id
	if err := json.Unmarshal([]byte(vecJSON), &p.Vector); err != nil {
		return p, fmt.Errorf("decode vector for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &p.Payload); err != nil {
		return p, fmt.Errorf("decode payload for %s: %w", id, err)
	}
	return p, nil
}

// matchesFilter applies exact-match payload conditions, comparing values via
// their string forms to tolerate JSON number widening.
func matchesFilter(payload map[string]any, filter map[string]any) bool {
	for key, want := range filter {
		got, ok := payload[key]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
