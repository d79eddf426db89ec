// Package ingest turns local literature files into artifacts. PDF and HTML
// files have their text extracted; anything else is treated as plain text.
package ingest

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"github.com/quirelab/quire/internal/storage"
)

// ArtifactKindLiterature marks artifacts produced from ingested documents.
const ArtifactKindLiterature = "literature"

const maxFileSize = 50 << 20 // 50MB

// FromFile reads a document from disk and returns it as an artifact. When
// title is empty the file name (without extension) is used.
func FromFile(path, title string) (storage.Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return storage.Artifact{}, fmt.Errorf("reading file info: %w", err)
	}
	if info.Size() > maxFileSize {
		return storage.Artifact{}, fmt.Errorf("file %s exceeds %d byte limit", path, maxFileSize)
	}

	var body string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		body, err = extractPDF(path)
	case ".html", ".htm":
		body, err = extractHTMLFile(path)
	default:
		var raw []byte
		raw, err = os.ReadFile(path)
		body = string(raw)
	}
	if err != nil {
		return storage.Artifact{}, fmt.Errorf("extracting %s: %w", path, err)
	}

	body = strings.TrimSpace(body)
	if body == "" {
		return storage.Artifact{}, fmt.Errorf("no text content in %s", path)
	}

	if title == "" {
		base := filepath.Base(path)
		title = strings.TrimSuffix(base, filepath.Ext(base))
	}

	return storage.Artifact{
		ID:        uuid.New().String(),
		Kind:      ArtifactKindLiterature,
		Version:   1,
		Title:     title,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func extractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return buf.String(), nil
}

func extractHTMLFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return ExtractHTML(f)
}

// ExtractHTML returns the visible text of an HTML document, skipping
// script and style content. Block-level boundaries become newlines so
// paragraphs stay separated.
func ExtractHTML(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				buf.WriteString(text)
				buf.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlockElement(n.Data) {
			buf.WriteByte('\n')
		}
	}
	walk(doc)

	return collapseBlankLines(buf.String()), nil
}

func isBlockElement(tag string) bool {
	switch tag {
	case "p", "div", "section", "article", "br", "li", "tr",
		"h1", "h2", "h3", "h4", "h5", "h6", "blockquote", "pre":
		return true
	}
	return false
}

// collapseBlankLines trims trailing spaces per line and squeezes runs of
// blank lines down to one.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
