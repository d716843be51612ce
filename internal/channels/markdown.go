package channels

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

// TableMode controls how markdown tables are rewritten for platforms that
// render plain text only.
type TableMode string

const (
	TableModeOff     TableMode = "off"     // leave tables untouched
	TableModeBullets TableMode = "bullets" // one bullet line per row
	TableModeCode    TableMode = "code"    // wrap the table in a code fence
)

// ParseTableMode validates s. Empty input yields bullets.
func ParseTableMode(s string) (TableMode, error) {
	switch m := TableMode(s); m {
	case "":
		return TableModeBullets, nil
	case TableModeOff, TableModeBullets, TableModeCode:
		return m, nil
	}
	return "", fmt.Errorf("unknown markdown table mode %q (want off, bullets or code)", s)
}

var (
	tableParser     goldmark.Markdown
	tableParserOnce sync.Once
)

func markdownParser() goldmark.Markdown {
	tableParserOnce.Do(func() {
		tableParser = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return tableParser
}

// tableSpan is one top-level table and the source lines it occupies.
type tableSpan struct {
	start, end int // byte offsets: start of the header line, end of the last row line
	header     []string
	rows       [][]string
}

// ConvertMarkdownTables rewrites every top-level GFM table in text per mode.
// Everything outside the tables is left byte for byte.
func ConvertMarkdownTables(text string, mode TableMode) string {
	if mode == TableModeOff || !strings.Contains(text, "|") {
		return text
	}
	source := []byte(text)
	spans := findTables(source)
	if len(spans) == 0 {
		return text
	}

	var b strings.Builder
	prev := 0
	for _, t := range spans {
		b.Write(source[prev:t.start])
		if mode == TableModeCode {
			b.WriteString("```\n")
			b.Write(source[t.start:t.end])
			b.WriteString("\n```")
		} else {
			b.WriteString(strings.Join(tableBullets(t.header, t.rows), "\n"))
		}
		prev = t.end
	}
	b.Write(source[prev:])
	return b.String()
}

func findTables(source []byte) []tableSpan {
	doc := markdownParser().Parser().Parse(text.NewReader(source))
	var spans []tableSpan
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if n.Kind() != extast.KindTable {
			continue
		}
		lo, hi := -1, -1
		var t tableSpan
		for row := n.FirstChild(); row != nil; row = row.NextSibling() {
			var cells []string
			for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
				if cell.Kind() != extast.KindTableCell {
					continue
				}
				cellRange(cell, &lo, &hi)
				cells = append(cells, strings.TrimSpace(cellText(cell, source)))
			}
			switch row.Kind() {
			case extast.KindTableHeader:
				t.header = cells
			case extast.KindTableRow:
				t.rows = append(t.rows, cells)
			}
		}
		if lo < 0 {
			continue
		}
		t.start = bytes.LastIndexByte(source[:lo], '\n') + 1
		t.end = len(source)
		if nl := bytes.IndexByte(source[hi:], '\n'); nl >= 0 {
			t.end = hi + nl
		}
		spans = append(spans, t)
	}
	slices.SortFunc(spans, func(a, b tableSpan) int { return a.start - b.start })
	return spans
}

// cellRange widens [lo, hi] to cover the source positions of cell.
func cellRange(cell ast.Node, lo, hi *int) {
	mark := func(start, stop int) {
		if *lo < 0 || start < *lo {
			*lo = start
		}
		if stop > *hi {
			*hi = stop
		}
	}
	lines := cell.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		mark(seg.Start, seg.Stop)
	}
	ast.Walk(cell, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if t, ok := n.(*ast.Text); entering && ok {
			mark(t.Segment.Start, t.Segment.Stop)
		}
		return ast.WalkContinue, nil
	})
}

// cellText flattens a table cell's inline content to plain text, keeping
// code spans in backticks.
func cellText(n ast.Node, source []byte) string {
	var b strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch v := c.(type) {
		case *ast.Text:
			b.Write(util.UnescapePunctuations(v.Segment.Value(source)))
		case *ast.String:
			b.Write(v.Value)
		case *ast.CodeSpan:
			var code strings.Builder
			for t := v.FirstChild(); t != nil; t = t.NextSibling() {
				if txt, ok := t.(*ast.Text); ok {
					code.Write(txt.Segment.Value(source))
				}
			}
			b.WriteString("`" + strings.ReplaceAll(code.String(), `\|`, "|") + "`")
		case *ast.AutoLink:
			b.Write(v.URL(source))
		case *ast.RawHTML:
		default:
			b.WriteString(cellText(c, source))
		}
	}
	return b.String()
}

func tableBullets(header []string, rows [][]string) []string {
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		parts := make([]string, 0, len(row))
		for j, cell := range row {
			if cell == "" {
				continue
			}
			if j < len(header) && header[j] != "" {
				parts = append(parts, header[j]+": "+cell)
			} else {
				parts = append(parts, cell)
			}
		}
		if len(parts) > 0 {
			out = append(out, "- "+strings.Join(parts, "; "))
		}
	}
	return out
}
