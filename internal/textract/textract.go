// Package textract turns uploaded files into plain text for ingestion.
package textract

import (
	"bytes"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	appErr "github.com/xxxsen/hybridrag/internal/pkg/errors"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Supported reports whether filename has an extension Extract understands.
func Supported(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".text", ".md", ".markdown":
		return true
	}
	return false
}

// Extract returns the text content of a .txt or .md upload.
func Extract(filename string, data []byte) (string, error) {
	if !Supported(filename) {
		return "", appErr.New(appErr.ErrInvalidArgument, "unsupported file type")
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return "", appErr.New(appErr.ErrInvalidArgument, "file is not valid utf-8")
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown":
		return Markdown(data), nil
	}
	return string(data), nil
}

// Markdown renders the document's blocks as plain text joined by blank lines,
// which the chunker treats as paragraph boundaries.
func Markdown(source []byte) string {
	reader := text.NewReader(source)
	doc := goldmark.New().Parser().Parse(reader)

	var blocks []string
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		if txt := blockText(node, source); txt != "" {
			blocks = append(blocks, txt)
		}
	}
	return strings.Join(blocks, "\n\n")
}

func blockText(n ast.Node, source []byte) string {
	switch b := n.(type) {
	case *ast.FencedCodeBlock:
		return linesText(b.Lines(), source)
	case *ast.CodeBlock:
		return linesText(b.Lines(), source)
	case *ast.List:
		var items []string
		for item := b.FirstChild(); item != nil; item = item.NextSibling() {
			if txt := extractText(item, source); txt != "" {
				items = append(items, txt)
			}
		}
		return strings.Join(items, "\n")
	case *ast.ThematicBreak, *ast.HTMLBlock:
		return ""
	}
	return extractText(n, source)
}

func linesText(lines *text.Segments, source []byte) string {
	var sb strings.Builder
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		sb.Write(line.Value(source))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func extractText(n ast.Node, source []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := node.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte('\n')
			}
		case *ast.String:
			sb.Write(t.Value)
		case *ast.FencedCodeBlock:
			sb.WriteString(linesText(t.Lines(), source))
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}
