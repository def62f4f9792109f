package extract

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// TextExtractor reads plain and markdown text. Markdown splits on headings;
// plain text splits on chapter marker lines when present, otherwise the
// whole file is a single block.
type TextExtractor struct{}

var chapterMarker = regexp.MustCompile(`(?i)^\s*(chapter|part|book)\s+([0-9]+|[IVXLC]+)\b.*$`)

func (e *TextExtractor) Extract(filePath string) ([]Block, *Document, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, nil, fmt.Errorf("read text file: %w", err)
	}

	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	doc := &Document{
		Path:   filePath,
		Format: "text",
	}

	var blocks []Block
	if strings.HasSuffix(strings.ToLower(filePath), ".md") ||
		strings.HasSuffix(strings.ToLower(filePath), ".markdown") {
		blocks = splitOnHeadings(text)
	} else {
		blocks = splitOnChapterMarkers(text)
	}
	for i := range blocks {
		blocks[i].Index = i
		blocks[i].Text = normalizeWhitespace(blocks[i].Text)
	}
	return blocks, doc, nil
}

func splitOnHeadings(text string) []Block {
	lines := strings.Split(text, "\n")
	var blocks []Block
	var current []string
	label := ""

	flush := func() {
		if len(current) > 0 {
			blocks = append(blocks, Block{Label: label, Text: strings.Join(current, "\n")})
			current = nil
		}
	}

	for _, line := range lines {
		if level, title, ok := parseHeading(line); ok && level <= 2 {
			flush()
			label = title
			continue
		}
		current = append(current, line)
	}
	flush()
	return blocks
}

func parseHeading(line string) (int, string, bool) {
	trimmed := strings.TrimLeft(line, " ")
	if !strings.HasPrefix(trimmed, "#") {
		return 0, "", false
	}
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 || level > 6 {
		return 0, "", false
	}
	if len(trimmed) > level && trimmed[level] != ' ' {
		return 0, "", false
	}
	return level, strings.TrimSpace(trimmed[level:]), true
}

func splitOnChapterMarkers(text string) []Block {
	lines := strings.Split(text, "\n")
	var blocks []Block
	var current []string
	label := ""
	sawMarker := false

	flush := func() {
		if len(current) > 0 {
			blocks = append(blocks, Block{Label: label, Text: strings.Join(current, "\n")})
			current = nil
		}
	}

	for _, line := range lines {
		if chapterMarker.MatchString(line) {
			flush()
			label = strings.TrimSpace(line)
			sawMarker = true
			continue
		}
		current = append(current, line)
	}
	flush()

	if !sawMarker {
		return []Block{{Label: "", Text: text}}
	}
	return blocks
}
