package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Document describes a source file queued for ingestion.
type Document struct {
	Path     string
	Format   string // "epub" | "pdf" | "text"
	SizeMB   float64
	Title    string
	Author   string
	Domain   string
	Language string
}

// Block is an ordered unit of extracted text with a structural label,
// typically one chapter. Blocks are consumed by the chunker and never
// persisted.
type Block struct {
	Index int    // position within the document
	Label string // chapter/section title, may be empty
	Text  string
}

// Extractor converts one source format into ordered blocks.
type Extractor interface {
	Extract(path string) ([]Block, *Document, error)
}

// ExtractionError marks a document that could not be read or parsed.
// Pipeline callers record it and move on to the next document.
type ExtractionError struct {
	Path string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Path, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// DetectFormat maps a file extension to an extractor format name.
func DetectFormat(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".epub":
		return "epub", nil
	case ".pdf":
		return "pdf", nil
	case ".txt", ".md", ".markdown":
		return "text", nil
	default:
		return "", fmt.Errorf("unsupported document format: %s", filepath.Ext(path))
	}
}

// ForFormat returns the extractor for a format name.
func ForFormat(format string) (Extractor, error) {
	switch format {
	case "epub":
		return &EPUBExtractor{}, nil
	case "pdf":
		return &PDFExtractor{}, nil
	case "text":
		return &TextExtractor{}, nil
	default:
		return nil, fmt.Errorf("no extractor for format %q", format)
	}
}

// Extract reads a document of any supported format and returns its blocks
// plus source metadata. Empty blocks are dropped so downstream chunking
// never sees blank text.
func Extract(path string) ([]Block, *Document, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, nil, &ExtractionError{Path: path, Err: err}
	}
	ex, err := ForFormat(format)
	if err != nil {
		return nil, nil, &ExtractionError{Path: path, Err: err}
	}
	blocks, doc, err := ex.Extract(path)
	if err != nil {
		return nil, nil, &ExtractionError{Path: path, Err: err}
	}

	kept := blocks[:0]
	for _, b := range blocks {
		if strings.TrimSpace(b.Text) == "" {
			continue
		}
		b.Index = len(kept)
		kept = append(kept, b)
	}
	if len(kept) == 0 {
		return nil, nil, &ExtractionError{Path: path, Err: fmt.Errorf("document contains no text")}
	}
	doc.SizeMB = fileSizeMB(path)
	if doc.Title == "" {
		doc.Title = titleFromFilename(path)
	}
	return kept, doc, nil
}

func fileSizeMB(path string) float64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return float64(info.Size()) / (1024 * 1024)
}

func titleFromFilename(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.NewReplacer("_", " ", "-", " ").Replace(base)
	return strings.TrimSpace(base)
}

func normalizeWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	var out []string
	blank := false
	for _, line := range lines {
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
