// Package pdffixture builds small, valid PDF documents for tests.
package pdffixture

import (
	"bytes"
	"fmt"
	"strings"
)

// Page describes one page. A page with no Lines is drawn as a grey box only, which
// carries no encoded text, like a scanned page.
type Page struct {
	Lines []string
}

// Text returns a PDF whose pages each carry the given line of Helvetica text.
// An empty string produces an image-only page.
func Text(pages ...string) []byte {
	ps := make([]Page, 0, len(pages))
	for _, p := range pages {
		if p == "" {
			ps = append(ps, Page{})
			continue
		}
		ps = append(ps, Page{Lines: []string{p}})
	}
	return Build(ps)
}

// Scanned returns a PDF with n pages that contain drawings but no text.
func Scanned(n int) []byte {
	return Build(make([]Page, n))
}

// Build writes a PDF 1.4 file with a classic cross-reference table.
func Build(pages []Page) []byte {
	if len(pages) == 0 {
		pages = []Page{{}}
	}

	// Object layout: 1 catalog, 2 pages, 3 font, then (page, content) pairs.
	var objects []string
	kids := make([]string, 0, len(pages))
	for i := range pages {
		kids = append(kids, fmt.Sprintf("%d 0 R", 4+2*i))
	}
	objects = append(objects,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages)),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	)
	for i, p := range pages {
		content := contentStream(p)
		objects = append(objects,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 300 200] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func contentStream(p Page) string {
	if len(p.Lines) == 0 {
		return "0.5 g\n20 20 260 160 re\nf"
	}
	var b strings.Builder
	b.WriteString("BT\n/F1 12 Tf\n14 TL\n20 170 Td\n")
	for i, line := range p.Lines {
		if i > 0 {
			b.WriteString("T*\n")
		}
		fmt.Fprintf(&b, "(%s) Tj\n", escape(line))
	}
	b.WriteString("ET")
	return b.String()
}

func escape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
	return r.Replace(s)
}
