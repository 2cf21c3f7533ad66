// Package pdf counts the pages of a PDF and stamps a text label onto each of them.
// Reading, validation and writing go through pdfcpu, so cross-reference streams and
// object streams are handled; the written file is then laid out canonically so that
// stamping the same document with the same labels always yields the same bytes.
package pdf

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var (
	// ErrMalformed is returned when the document cannot be read or validated.
	ErrMalformed = errors.New("pdf: malformed document")
	// ErrUnsupported is returned for readable PDFs this package will not stamp
	// (encryption, labels outside printable ASCII).
	ErrUnsupported = errors.New("pdf: unsupported feature")
)

var disableConfigDir sync.Once

// newConfig returns a pdfcpu configuration that never touches the user's config
// directory and writes classic cross-reference tables without object streams.
func newConfig() *model.Configuration {
	disableConfigDir.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	conf.WriteObjectStream = false
	conf.WriteXRefStream = false
	conf.Cmd = model.ADDWATERMARKS
	return conf
}

// Document is a validated PDF ready to be stamped.
type Document struct {
	data  []byte
	pages int
	ctx   *model.Context
}

// Open reads and validates data.
func Open(data []byte) (*Document, error) {
	ctx, err := read(data)
	if err != nil {
		return nil, err
	}
	return &Document{data: data, pages: ctx.PageCount, ctx: ctx}, nil
}

// NumPages reports the number of pages in the page tree.
func (d *Document) NumPages() int {
	return d.pages
}

// PageCount opens data and returns its page count.
func PageCount(data []byte) (int, error) {
	d, err := Open(data)
	if err != nil {
		return 0, err
	}
	return d.NumPages(), nil
}

func read(data []byte) (ctx *model.Context, err error) {
	if !bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\n\f\r "), []byte("%PDF-")) {
		return nil, fmt.Errorf("%w: missing %%PDF header", ErrMalformed)
	}
	// pdfcpu panics on some damaged inputs.
	defer func() {
		if r := recover(); r != nil {
			ctx, err = nil, fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	ctx, err = api.ReadContext(bytes.NewReader(data), newConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ctx.Encrypt != nil {
		return nil, fmt.Errorf("%w: encrypted documents", ErrUnsupported)
	}
	if err := api.ValidateContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := ctx.EnsurePageCount(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ctx, nil
}
