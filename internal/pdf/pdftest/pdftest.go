// Package pdftest builds small, valid PDF files for tests.
package pdftest

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// Options shapes the generated document.
type Options struct {
	// InheritAttributes moves /MediaBox and /Resources onto the /Pages node.
	InheritAttributes bool
	// Text is drawn on every page, suffixed with the page number.
	Text string
}

// Build returns a PDF with the given number of pages and a classic xref table.
func Build(pages int, opts Options) []byte {
	if opts.Text == "" {
		opts.Text = "Page"
	}
	var (
		buf     bytes.Buffer
		offsets []int
	)
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")

	// 1 catalog, 2 pages, 3 font, then page/content pairs
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	kids := ""
	for i := 0; i < pages; i++ {
		if i > 0 {
			kids += " "
		}
		kids += fmt.Sprintf("%d 0 R", 4+2*i)
	}
	resources := "<< /Font << /F1 3 0 R >> /ProcSet [/PDF /Text] >>"
	if opts.InheritAttributes {
		obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d /MediaBox [0 0 595 842] /Resources %s >>", kids, pages, resources))
	} else {
		obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, pages))
	}
	obj("<< /Type /Font /Subtype /Type1 /BaseFont /Times-Roman >>")

	for i := 0; i < pages; i++ {
		if opts.InheritAttributes {
			obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /Contents %d 0 R >>", 5+2*i))
		} else {
			obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources %s /Contents %d 0 R >>", resources, 5+2*i))
		}
		content := fmt.Sprintf("BT /F1 18 Tf 72 720 Td (%s %d) Tj ET", opts.Text, i+1)
		obj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f\r\n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n\r\n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

// BuildXRefStream returns a PDF 1.5 file the way current office suites and browsers
// write them: catalog, page tree, font and page dictionaries packed into a compressed
// object stream, indexed by a compressed cross-reference stream.
func BuildXRefStream(pages int, opts Options) []byte {
	if opts.Text == "" {
		opts.Text = "Page"
	}
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.5\n%\xe2\xe3\xcf\xd3\n")

	// 1 catalog, 2 pages, 3 font, page dicts at 4+2i, content streams at 5+2i,
	// then the object stream and the xref stream
	objStm := 4 + 2*pages
	xrefObj := objStm + 1
	offsets := make(map[int]int)

	kids := make([]string, pages)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	packed := []struct {
		num  int
		body string
	}{
		{1, "<< /Type /Catalog /Pages 2 0 R >>"},
		{2, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d /MediaBox [0 0 612 792] >>", strings.Join(kids, " "), pages)},
		{3, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>"},
	}
	for i := 0; i < pages; i++ {
		packed = append(packed, struct {
			num  int
			body string
		}{4 + 2*i, fmt.Sprintf("<< /Type /Page /Parent 2 0 R /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i)})

		content := deflate([]byte(fmt.Sprintf("BT /F1 18 Tf 72 720 Td (%s %d) Tj ET", opts.Text, i+1)))
		offsets[5+2*i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n<< /Length %d /Filter /FlateDecode >>\nstream\n", 5+2*i, len(content))
		buf.Write(content)
		buf.WriteString("\nendstream\nendobj\n")
	}

	var index, bodies bytes.Buffer
	inStream := make(map[int]int)
	for k, p := range packed {
		inStream[p.num] = k
		fmt.Fprintf(&index, "%d %d ", p.num, bodies.Len())
		bodies.WriteString(p.body)
		bodies.WriteByte('\n')
	}
	stm := deflate(append(index.Bytes(), bodies.Bytes()...))
	offsets[objStm] = buf.Len()
	fmt.Fprintf(&buf, "%d 0 obj\n<< /Type /ObjStm /N %d /First %d /Length %d /Filter /FlateDecode >>\nstream\n",
		objStm, len(packed), index.Len(), len(stm))
	buf.Write(stm)
	buf.WriteString("\nendstream\nendobj\n")

	offsets[xrefObj] = buf.Len()
	var rows bytes.Buffer
	row := func(kind byte, f2 uint32, f3 uint16) {
		rows.WriteByte(kind)
		_ = binary.Write(&rows, binary.BigEndian, f2)
		_ = binary.Write(&rows, binary.BigEndian, f3)
	}
	for n := 0; n <= xrefObj; n++ {
		switch {
		case n == 0:
			row(0, 0, 65535)
		case offsets[n] > 0:
			row(1, uint32(offsets[n]), 0)
		default:
			row(2, uint32(objStm), uint16(inStream[n]))
		}
	}
	xref := deflate(rows.Bytes())
	fmt.Fprintf(&buf, "%d 0 obj\n<< /Type /XRef /Size %d /W [1 4 2] /Root 1 0 R /Length %d /Filter /FlateDecode >>\nstream\n",
		xrefObj, xrefObj+1, len(xref))
	buf.Write(xref)
	buf.WriteString("\nendstream\nendobj\n")
	fmt.Fprintf(&buf, "startxref\n%d\n%%%%EOF\n", offsets[xrefObj])
	return buf.Bytes()
}

func deflate(b []byte) []byte {
	var out bytes.Buffer
	w := zlib.NewWriter(&out)
	_, _ = w.Write(b)
	_ = w.Close()
	return out.Bytes()
}

// ContainsText reports whether text is shown as a string operand anywhere in doc,
// looking inside Flate-compressed streams as well as the raw bytes.
func ContainsText(doc []byte, text string) bool {
	literal := []byte("(" + text + ")")
	hexed := "<" + hex.EncodeToString([]byte(text)) + ">"
	match := func(b []byte) bool {
		return bytes.Contains(b, literal) || strings.Contains(strings.ToLower(string(b)), hexed)
	}
	if match(doc) {
		return true
	}
	for _, s := range streams(doc) {
		r, err := zlib.NewReader(bytes.NewReader(s))
		if err != nil {
			continue
		}
		plain, _ := io.ReadAll(r)
		_ = r.Close()
		if match(plain) {
			return true
		}
	}
	return false
}

func streams(doc []byte) [][]byte {
	var out [][]byte
	for pos := 0; ; {
		i := bytes.Index(doc[pos:], []byte("stream"))
		if i < 0 {
			return out
		}
		start := pos + i
		pos = start + len("stream")
		if start >= 3 && string(doc[start-3:start]) == "end" {
			continue
		}
		switch {
		case bytes.HasPrefix(doc[pos:], []byte("\r\n")):
			pos += 2
		case bytes.HasPrefix(doc[pos:], []byte("\n")):
			pos++
		default:
			continue
		}
		end := bytes.Index(doc[pos:], []byte("endstream"))
		if end < 0 {
			return out
		}
		out = append(out, doc[pos:pos+end])
		pos += end
	}
}
