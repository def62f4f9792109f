package ingest

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ProcessedFile records one successfully ingested document.
type ProcessedFile struct {
	FilePath    string `json:"filepath"`
	Chunks      int    `json:"chunks"`
	ProcessedAt string `json:"processed_at"`
}

// FailedFile records one document that could not be ingested, with the
// error that stopped it. Failed files are retried on resume.
type FailedFile struct {
	FilePath string `json:"filepath"`
	Error    string `json:"error"`
}

// Stats aggregates a run's outcome.
type Stats struct {
	TotalBooks  int `json:"total_books"`
	TotalChunks int `json:"total_chunks"`
	TotalErrors int `json:"total_errors"`
}

// Progress is the durable record of one ingestion run. It is written after
// every document so a crash loses at most the document in flight.
type Progress struct {
	Collection     string          `json:"collection"`
	StartedAt      string          `json:"started_at"`
	ProcessedFiles []ProcessedFile `json:"processed_files"`
	FailedFiles    []FailedFile    `json:"failed_files"`
	Stats          Stats           `json:"stats"`

	path string
	mu   sync.Mutex
}

// LoadProgress opens the progress record for a collection under dir, or
// starts a fresh one if none exists.
func LoadProgress(dir, collection string) (*Progress, error) {
	path := progressPath(dir, collection)
	p := &Progress{
		Collection: collection,
		StartedAt:  time.Now().UTC().Format(time.RFC3339),
		path:       path,
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read progress record: %w", err)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse progress record %s: %w", path, err)
	}
	p.path = path
	return p, nil
}

// progressPath derives a stable filename from the collection name; hashing
// keeps arbitrary collection names filesystem safe.
func progressPath(dir, collection string) string {
	sum := sha1.Sum([]byte(collection))
	return filepath.Join(dir, "ingest-"+hex.EncodeToString(sum[:8])+".json")
}

// ClearProgress discards any saved progress record for the collection, so
// the next run starts from scratch instead of resuming.
func ClearProgress(dir, collection string) error {
	err := os.Remove(progressPath(dir, collection))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Done reports whether a file already succeeded in this run.
func (p *Progress) Done(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.ProcessedFiles {
		if f.FilePath == path {
			return true
		}
	}
	return false
}

// MarkProcessed records a success and persists immediately. A path in the
// failed list is cleared; a retry that succeeds is no longer a failure.
func (p *Progress) MarkProcessed(path string, chunks int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropFailed(path)
	p.ProcessedFiles = append(p.ProcessedFiles, ProcessedFile{
		FilePath:    path,
		Chunks:      chunks,
		ProcessedAt: time.Now().UTC().Format(time.RFC3339),
	})
	p.recompute()
	return p.save()
}

// MarkFailed records a failure and persists immediately. Repeated failures
// of one path keep only the latest error.
func (p *Progress) MarkFailed(path string, cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropFailed(path)
	p.FailedFiles = append(p.FailedFiles, FailedFile{
		FilePath: path,
		Error:    cause.Error(),
	})
	p.recompute()
	return p.save()
}

// Pending filters candidates down to files still needing work: everything
// not in the processed list. Previously failed files stay pending so they
// are retried.
func (p *Progress) Pending(candidates []string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	done := make(map[string]bool, len(p.ProcessedFiles))
	for _, f := range p.ProcessedFiles {
		done[f.FilePath] = true
	}
	var pending []string
	for _, c := range candidates {
		if !done[c] {
			pending = append(pending, c)
		}
	}
	return pending
}

// Clear removes the progress record after a fully successful run.
func (p *Progress) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := os.Remove(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Snapshot returns a copy of the current stats.
func (p *Progress) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Stats
}

func (p *Progress) dropFailed(path string) {
	kept := p.FailedFiles[:0]
	for _, f := range p.FailedFiles {
		if f.FilePath != path {
			kept = append(kept, f)
		}
	}
	p.FailedFiles = kept
}

func (p *Progress) recompute() {
	p.Stats.TotalBooks = len(p.ProcessedFiles)
	p.Stats.TotalErrors = len(p.FailedFiles)
	p.Stats.TotalChunks = 0
	for _, f := range p.ProcessedFiles {
		p.Stats.TotalChunks += f.Chunks
	}
}

func (p *Progress) save() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create progress directory: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write progress record: %w", err)
	}
	return os.Rename(tmp, p.path)
}
