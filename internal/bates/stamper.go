package bates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/thekellymethod/proseiq-clean-sub002/constants"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/common"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/metrics"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/pdf"
)

// Document is one input to a stamping run. PageCount is the caller's cached count;
// zero means unknown.
type Document struct {
	ID        string
	Content   []byte
	PageCount int
}

// Params configure one stamping run.
type Params struct {
	Prefix   string
	PadWidth int
	Start    int64
	Mode     constants.StampingMode
	// Checkpoint is called before each document; a non-nil error stops the run.
	Checkpoint func(ctx context.Context) error
}

// Stamped is a document with its realized inclusive Bates range.
type Stamped struct {
	ID         string
	Content    []byte
	PageCount  int
	BatesStart int64
	BatesEnd   int64
}

// Exclusion records a document skipped in lenient mode.
type Exclusion struct {
	DocumentID string
	Err        error
}

// Result holds the stamped documents in input order and the next free counter.
type Result struct {
	Documents []Stamped
	Excluded  []Exclusion
	Next      int64
}

// Stamper overlays Bates labels on every page of an ordered document set.
type Stamper struct {
	overlay pdf.OverlayOptions
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Stamper.
type Option func(*Stamper)

// WithOverlay sets font size and margin for the label.
func WithOverlay(o pdf.OverlayOptions) Option {
	return func(s *Stamper) { s.overlay = o }
}

// WithMetrics records stamped pages and stamping errors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Stamper) { s.metrics = m }
}

func NewStamper(logger *slog.Logger, opts ...Option) *Stamper {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stamper{logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Stamp labels docs in order, starting at p.Start (default 1). Each document receives
// a contiguous range; ranges are gapless across the run. In strict mode the first
// unstampable document aborts the run with a StampingError. In lenient mode it is
// excluded and consumes no counter values.
func (s *Stamper) Stamp(ctx context.Context, docs []Document, p Params) (*Result, error) {
	counter := p.Start
	if counter <= 0 {
		counter = 1
	}
	if p.Mode == "" {
		p.Mode = constants.StampingStrict
	}

	res := &Result{Documents: make([]Stamped, 0, len(docs))}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.Checkpoint != nil {
			if err := p.Checkpoint(ctx); err != nil {
				return nil, err
			}
		}

		out, err := s.StampDocument(doc, counter, p.Prefix, p.PadWidth)
		if err != nil {
			s.metrics.StampingFailed(string(p.Mode))
			if p.Mode == constants.StampingLenient {
				s.logger.Warn("bates.document.excluded", "document_id", doc.ID, "error", err)
				res.Excluded = append(res.Excluded, Exclusion{DocumentID: doc.ID, Err: err})
				continue
			}
			return nil, err
		}
		res.Documents = append(res.Documents, out)
		counter = out.BatesEnd + 1
	}
	res.Next = counter
	return res, nil
}

// StampDocument stamps a single document starting at counter.
func (s *Stamper) StampDocument(doc Document, counter int64, prefix string, padWidth int) (Stamped, error) {
	d, err := pdf.Open(doc.Content)
	if err != nil {
		return Stamped{}, stampingError(doc.ID, "document could not be parsed", err)
	}
	n := d.NumPages()
	if n == 0 {
		return Stamped{}, stampingError(doc.ID, "document has no pages", nil)
	}
	if doc.PageCount > 0 && doc.PageCount != n {
		return Stamped{}, stampingError(doc.ID,
			fmt.Sprintf("expected %d pages, found %d", doc.PageCount, n), nil)
	}

	labels := make([]string, n)
	for i := range labels {
		labels[i] = Label(prefix, counter+int64(i), padWidth)
	}
	content, err := d.Stamp(labels, s.overlay)
	if err != nil {
		return Stamped{}, stampingError(doc.ID, "overlay failed", err)
	}
	s.metrics.Stamped(n)
	s.logger.Debug("bates.document.stamped", "document_id", doc.ID, "pages", n,
		"first", labels[0], "last", labels[n-1])
	return Stamped{
		ID:         doc.ID,
		Content:    content,
		PageCount:  n,
		BatesStart: counter,
		BatesEnd:   counter + int64(n) - 1,
	}, nil
}

func stampingError(docID, reason string, cause error) error {
	if cause != nil && errors.Is(cause, pdf.ErrUnsupported) {
		reason = reason + " (unsupported PDF feature)"
	}
	return &common.StampingError{DocumentID: docID, Reason: reason, Cause: cause}
}
