package extract

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor reads paginated documents. Pages are the structural unit,
// so each non-empty page becomes one block.
type PDFExtractor struct{}

func (e *PDFExtractor) Extract(filePath string) ([]Block, *Document, error) {
	f, reader, err := pdf.Open(filePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var blocks []Block
	total := reader.NumPage()
	for pageNum := 1; pageNum <= total; pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages the parser cannot decode, keep the rest.
			continue
		}
		text = normalizeWhitespace(text)
		if text == "" {
			continue
		}
		blocks = append(blocks, Block{
			Index: len(blocks),
			Label: fmt.Sprintf("page %d", pageNum),
			Text:  text,
		})
	}

	doc := &Document{
		Path:   filePath,
		Format: "pdf",
	}
	if t := reader.Trailer(); !t.IsNull() {
		info := t.Key("Info")
		if !info.IsNull() {
			doc.Title = strings.TrimSpace(info.Key("Title").Text())
			doc.Author = strings.TrimSpace(info.Key("Author").Text())
		}
	}
	return blocks, doc, nil
}
