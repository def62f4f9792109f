package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// QdrantStore talks to a Qdrant instance over its HTTP API.
type QdrantStore struct {
	baseURL string
	apiKey  string
	client  *http.Client

	maxAttempts  int
	retryBackoff time.Duration
}

// NewQdrantStore creates a client for the given base URL.
func NewQdrantStore(url, apiKey string) *QdrantStore {
	return &QdrantStore{
		baseURL:      strings.TrimRight(url, "/"),
		apiKey:       apiKey,
		client:       &http.Client{Timeout: 30 * time.Second},
		maxAttempts:  3,
		retryBackoff: 500 * time.Millisecond,
	}
}

func (s *QdrantStore) EnsureCollection(ctx context.Context, name string, dims int) error {
	info, err := s.CollectionInfo(ctx, name)
	if err == nil {
		if info.Dimensions != 0 && info.Dimensions != dims {
			return fmt.Errorf("%w: collection %s has %d dimensions, want %d",
				ErrDimensionMismatch, name, info.Dimensions, dims)
		}
		return nil
	}
	if !isNotFound(err) {
		return err
	}
	req := map[string]any{
		"vectors": map[string]any{
			"size":     dims,
			"distance": "Cosine",
		},
	}
	_, err = s.doRequest(ctx, http.MethodPut, "/collections/"+name, req)
	return err
}

func (s *QdrantStore) ListCollections(ctx context.Context) ([]string, error) {
	data, err := s.doRequest(ctx, http.MethodGet, "/collections", nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Result struct {
			Collections []struct {
				Name string `json:"name"`
			} `json:"collections"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(parsed.Result.Collections))
	for _, c := range parsed.Result.Collections {
		names = append(names, c.Name)
	}
	return names, nil
}

func (s *QdrantStore) DeleteCollection(ctx context.Context, name string) error {
	_, err := s.doRequest(ctx, http.MethodDelete, "/collections/"+name, nil)
	return err
}

func (s *QdrantStore) CollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	data, err := s.doRequest(ctx, http.MethodGet, "/collections/"+name, nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Result struct {
			PointsCount int64 `json:"points_count"`
			Config      struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	return &CollectionInfo{
		Name:       name,
		PointCount: parsed.Result.PointsCount,
		Dimensions: parsed.Result.Config.Params.Vectors.Size,
	}, nil
}

func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	info, err := s.CollectionInfo(ctx, collection)
	if err != nil {
		return err
	}
	if err := checkDims(points, info.Dimensions); err != nil {
		return err
	}
	payload := make([]map[string]any, 0, len(points))
	for _, p := range points {
		payload = append(payload, map[string]any{
			"id":      p.ID,
			"vector":  p.Vector,
			"payload": p.Payload,
		})
	}
	req := map[string]any{"points": payload}
	_, err = s.doRequest(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", req)
	return err
}

func (s *QdrantStore) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	if len(filter) == 0 {
		return nil
	}
	req := map[string]any{
		"filter": matchFilter(filter),
	}
	_, err := s.doRequest(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", req)
	return err
}

func (s *QdrantStore) Search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 10
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	if len(filter) > 0 {
		req["filter"] = matchFilter(filter)
	}
	data, err := s.doRequest(ctx, http.MethodPost, "/collections/"+collection+"/points/search", req)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(parsed.Result))
	for _, item := range parsed.Result {
		results = append(results, SearchResult{
			ID:      fmt.Sprintf("%v", item.ID),
			Score:   item.Score,
			Payload: item.Payload,
		})
	}
	return results, nil
}

func (s *QdrantStore) Fetch(ctx context.Context, collection string, ids []string) ([]Point, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	req := map[string]any{
		"ids":          ids,
		"with_payload": true,
		"with_vector":  true,
	}
	data, err := s.doRequest(ctx, http.MethodPost, "/collections/"+collection+"/points", req)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Result []qdrantPoint `json:"result"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	return decodePoints(parsed.Result), nil
}

func (s *QdrantStore) Scroll(ctx context.Context, collection string, offset string, limit int) ([]Point, string, error) {
	if limit <= 0 {
		limit = 256
	}
	req := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  true,
	}
	if offset != "" {
		req["offset"] = offset
	}
	data, err := s.doRequest(ctx, http.MethodPost, "/collections/"+collection+"/points/scroll", req)
	if err != nil {
		return nil, "", err
	}
	var parsed struct {
		Result struct {
			Points         []qdrantPoint `json:"points"`
			NextPageOffset any           `json:"next_page_offset"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, "", err
	}
	next := ""
	if parsed.Result.NextPageOffset != nil {
		next = fmt.Sprintf("%v", parsed.Result.NextPageOffset)
	}
	return decodePoints(parsed.Result.Points), next, nil
}

func (s *QdrantStore) Copy(ctx context.Context, src, dst string) error {
	return copyCollection(ctx, s, src, dst)
}

func (s *QdrantStore) Alias(ctx context.Context, collection, alias string) error {
	req := map[string]any{
		"actions": []map[string]any{
			{
				"create_alias": map[string]any{
					"collection_name": collection,
					"alias_name":      alias,
				},
			},
		},
	}
	_, err := s.doRequest(ctx, http.MethodPost, "/collections/aliases", req)
	return err
}

func (s *QdrantStore) Close() error { return nil }

type qdrantPoint struct {
	ID      any             `json:"id"`
	Vector  json.RawMessage `json:"vector"`
	Payload map[string]any  `json:"payload"`
}

func decodePoints(raw []qdrantPoint) []Point {
	points := make([]Point, 0, len(raw))
	for _, item := range raw {
		var vec []float32
		if len(item.Vector) > 0 {
			_ = json.Unmarshal(item.Vector, &vec)
		}
		points = append(points, Point{
			ID:      fmt.Sprintf("%v", item.ID),
			Vector:  vec,
			Payload: item.Payload,
		})
	}
	return points
}

// doRequest issues one API call, retrying transient failures (transport
// errors and 5xx responses) with doubled backoff before giving up.
func (s *QdrantStore) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reqBody []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = data
	}

	attempts := s.maxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := s.retryBackoff

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		data, retryable, err := s.doOnce(ctx, method, path, reqBody)
		if err == nil {
			return data, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *QdrantStore) doOnce(ctx context.Context, method, path string, reqBody []byte) ([]byte, bool, error) {
	var buf io.Reader
	if reqBody != nil {
		buf = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, buf)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return nil, false, fmt.Errorf("%w: %s", ErrCollectionNotFound, strings.TrimSpace(string(data)))
	}
	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("qdrant status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("qdrant status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, false, nil
}

// matchFilter builds a Qdrant must-match filter from exact-match conditions.
func matchFilter(conditions map[string]any) map[string]any {
	must := make([]map[string]any, 0, len(conditions))
	for key, value := range conditions {
		must = append(must, map[string]any{
			"key": key,
			"match": map[string]any{
				"value": value,
			},
		})
	}
	return map[string]any{"must": must}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrCollectionNotFound)
}
