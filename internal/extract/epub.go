package extract

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// EPUBExtractor reads EPUB archives: the OPF manifest gives spine order and
// Dublin Core metadata, each spine item is an XHTML chapter.
type EPUBExtractor struct{}

type epubContainer struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type epubPackage struct {
	Metadata struct {
		Title    string `xml:"title"`
		Creator  string `xml:"creator"`
		Language string `xml:"language"`
	} `xml:"metadata"`
	Manifest struct {
		Items []struct {
			ID   string `xml:"id,attr"`
			Href string `xml:"href,attr"`
		} `xml:"item"`
	} `xml:"manifest"`
	Spine struct {
		ItemRefs []struct {
			IDRef string `xml:"idref,attr"`
		} `xml:"itemref"`
	} `xml:"spine"`
}

func (e *EPUBExtractor) Extract(filePath string) ([]Block, *Document, error) {
	archive, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open epub archive: %w", err)
	}
	defer archive.Close()

	files := make(map[string]*zip.File, len(archive.File))
	for _, f := range archive.File {
		files[f.Name] = f
	}

	opfPath, err := findOPFPath(files)
	if err != nil {
		return nil, nil, err
	}

	var pkg epubPackage
	if err := decodeZipXML(files, opfPath, &pkg); err != nil {
		return nil, nil, fmt.Errorf("parse opf: %w", err)
	}

	hrefByID := make(map[string]string, len(pkg.Manifest.Items))
	for _, item := range pkg.Manifest.Items {
		hrefByID[item.ID] = item.Href
	}

	opfDir := path.Dir(opfPath)
	var blocks []Block
	for _, ref := range pkg.Spine.ItemRefs {
		href, ok := hrefByID[ref.IDRef]
		if !ok {
			continue
		}
		chapterPath := href
		if opfDir != "." {
			chapterPath = path.Join(opfDir, href)
		}
		f, ok := files[chapterPath]
		if !ok {
			continue
		}
		label, text, err := extractChapterText(f)
		if err != nil {
			return nil, nil, fmt.Errorf("chapter %s: %w", chapterPath, err)
		}
		blocks = append(blocks, Block{
			Index: len(blocks),
			Label: label,
			Text:  text,
		})
	}

	doc := &Document{
		Path:     filePath,
		Format:   "epub",
		Title:    strings.TrimSpace(pkg.Metadata.Title),
		Author:   strings.TrimSpace(pkg.Metadata.Creator),
		Language: strings.TrimSpace(pkg.Metadata.Language),
	}
	return blocks, doc, nil
}

func findOPFPath(files map[string]*zip.File) (string, error) {
	var container epubContainer
	if err := decodeZipXML(files, "META-INF/container.xml", &container); err != nil {
		return "", fmt.Errorf("parse container.xml: %w", err)
	}
	if len(container.Rootfiles) == 0 || container.Rootfiles[0].FullPath == "" {
		return "", fmt.Errorf("container.xml has no rootfile")
	}
	return container.Rootfiles[0].FullPath, nil
}

func decodeZipXML(files map[string]*zip.File, name string, out any) error {
	f, ok := files[name]
	if !ok {
		return fmt.Errorf("missing %s", name)
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return xml.Unmarshal(data, out)
}

// extractChapterText pulls the chapter heading and body text from one
// XHTML spine item.
func extractChapterText(f *zip.File) (label, text string, err error) {
	rc, err := f.Open()
	if err != nil {
		return "", "", err
	}
	defer rc.Close()

	doc, err := goquery.NewDocumentFromReader(rc)
	if err != nil {
		return "", "", err
	}

	for _, sel := range []string{"h1", "h2", "h3", "title"} {
		if node := doc.Find(sel).First(); node.Length() > 0 {
			label = strings.TrimSpace(node.Text())
			if label != "" {
				break
			}
		}
	}

	var sb strings.Builder
	doc.Find("p, h1, h2, h3, h4, blockquote, li").Each(func(_ int, s *goquery.Selection) {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			return
		}
		sb.WriteString(line)
		sb.WriteString("\n\n")
	})
	body := sb.String()
	if strings.TrimSpace(body) == "" {
		body = doc.Find("body").Text()
	}
	return label, normalizeWhitespace(body), nil
}
