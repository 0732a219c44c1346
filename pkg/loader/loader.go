package loader

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"math"
	"path"
	"strings"

	"rsc.io/pdf"
)

// Extensions lists the file types LoadDocuments picks up
var Extensions = []string{".md", ".txt", ".pdf"}

// Section is a heading-delimited part of a markdown document
type Section struct {
	Heading string
	Content string
	Offset  int // Byte offset of the section start in the document
}

// Supported reports whether name has an extension we can extract text from
func Supported(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// LoadDocuments reads every supported file below root and returns the
// extracted text keyed by path relative to root
func LoadDocuments(fsys fs.FS, root string) (map[string]string, error) {
	docs := make(map[string]string)

	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		// Skip directories
		if d.IsDir() || !Supported(p) {
			return nil
		}

		content, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("reading %s: %w", p, err)
		}

		text, err := ExtractText(p, bytes.NewReader(content), int64(len(content)))
		if err != nil {
			return fmt.Errorf("extracting %s: %w", p, err)
		}

		// Store with path relative to root
		rel := p
		if root != "." && root != "" {
			rel = strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
		}

		docs[rel] = text
		return nil
	})

	return docs, err
}

// ExtractText returns the text of a file. PDFs yield their text layer,
// page by page; everything else is read as UTF-8 text.
func ExtractText(name string, r io.ReaderAt, size int64) (string, error) {
	if strings.ToLower(path.Ext(name)) != ".pdf" {
		b, err := io.ReadAll(io.NewSectionReader(r, 0, size))
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return extractPDF(r, size)
}

func extractPDF(r io.ReaderAt, size int64) (text string, err error) {
	// rsc.io/pdf panics on some malformed inputs
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("malformed pdf: %v", rec)
		}
	}()

	doc, err := pdf.NewReader(r, size)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}

	var pages []string
	for i := 1; i <= doc.NumPage(); i++ {
		p := doc.Page(i)
		if p.V.IsNull() {
			continue
		}
		if t := pageText(p.Content().Text); t != "" {
			pages = append(pages, t)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}

// pageText joins glyph runs, breaking lines where the baseline moves
func pageText(runs []pdf.Text) string {
	var b strings.Builder
	lastY := math.NaN()
	for _, t := range runs {
		if !math.IsNaN(lastY) && math.Abs(t.Y-lastY) > t.FontSize/2 {
			b.WriteByte('\n')
		}
		b.WriteString(t.S)
		lastY = t.Y
	}
	return strings.TrimSpace(b.String())
}

// Sections splits a markdown document on headings. Text before the first
// heading becomes a section with an empty heading.
func Sections(content string) []Section {
	var sections []Section

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var currentHeading string
	var currentContent strings.Builder
	var currentOffset int
	lineOffset := 0

	flush := func() {
		if currentContent.Len() > 0 || currentHeading != "" {
			sections = append(sections, Section{
				Heading: currentHeading,
				Content: strings.TrimSpace(currentContent.String()),
				Offset:  currentOffset,
			})
		}
	}

	for scanner.Scan() {
		line := scanner.Text()

		// Check if this is a heading (starts with #)
		if strings.HasPrefix(line, "#") {
			flush()

			currentHeading = strings.TrimSpace(strings.TrimLeft(line, "#"))
			currentContent.Reset()
			currentOffset = lineOffset
		} else if strings.TrimSpace(line) != "" || currentContent.Len() > 0 {
			if currentContent.Len() > 0 {
				currentContent.WriteString("\n")
			}
			currentContent.WriteString(line)
		}

		lineOffset += len(line) + 1 // +1 for newline
	}

	flush()

	return sections
}

// Title returns the first heading of a markdown document, or ""
func Title(content string) string {
	for _, s := range Sections(content) {
		if s.Heading != "" {
			return s.Heading
		}
	}
	return ""
}
