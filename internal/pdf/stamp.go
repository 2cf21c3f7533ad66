package pdf

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// OverlayOptions controls label placement. Labels sit in the bottom-right corner of
// each page, Margin points in from both edges.
type OverlayOptions struct {
	FontSize int
	Margin   int
}

func (o OverlayOptions) withDefaults() OverlayOptions {
	if o.FontSize <= 0 {
		o.FontSize = 9
	}
	if o.Margin <= 0 {
		o.Margin = 18
	}
	return o
}

// description renders the options in pdfcpu's stamp description syntax.
func (o OverlayOptions) description() string {
	return fmt.Sprintf("fontname:Helvetica, points:%d, position:br, offset:-%d %d, "+
		"scalefactor:1 abs, rotation:0, fillcolor:#000000, opacity:1",
		o.FontSize, o.Margin, o.Margin)
}

// ValidLabel reports whether s can be drawn with the overlay font: printable ASCII
// without the % and \ characters pdfcpu treats as escapes.
func ValidLabel(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c > 0x7e || c == '%' || c == '\\' {
			return false
		}
	}
	return true
}

// Stamp draws labels[i] on page i+1 and returns the new file. len(labels) must equal
// NumPages.
func (d *Document) Stamp(labels []string, opts OverlayOptions) (out []byte, err error) {
	if len(labels) != d.pages {
		return nil, fmt.Errorf("pdf: %d labels for %d pages", len(labels), d.pages)
	}
	for _, l := range labels {
		if !ValidLabel(l) {
			return nil, fmt.Errorf("%w: label %q is not printable ASCII", ErrUnsupported, l)
		}
	}

	// the context is mutated by stamping, so a second Stamp reads the source again
	ctx := d.ctx
	d.ctx = nil
	if ctx == nil {
		if ctx, err = read(d.data); err != nil {
			return nil, err
		}
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%w: stamping: %v", ErrMalformed, r)
		}
	}()

	desc := opts.withDefaults().description()
	for i, label := range labels {
		wm, err := api.TextWatermark(label, desc, true, false, types.POINTS)
		if err != nil {
			return nil, fmt.Errorf("pdf: label %q: %w", label, err)
		}
		// one page per call keeps object allocation in page order
		if err := pdfcpu.AddWatermarks(ctx, types.IntSet{i + 1: true}, wm); err != nil {
			return nil, fmt.Errorf("pdf: stamp page %d: %w", i+1, err)
		}
	}

	var buf bytes.Buffer
	if err := api.WriteContext(ctx, &buf); err != nil {
		return nil, fmt.Errorf("pdf: write: %w", err)
	}
	return canonical(buf.Bytes(), seed(d.data, labels))
}

func seed(data []byte, labels []string) []byte {
	h := sha256.New()
	h.Write(data)
	for _, l := range labels {
		h.Write([]byte{0})
		h.Write([]byte(l))
	}
	return h.Sum(nil)
}
