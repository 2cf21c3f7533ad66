// Package bundle packages stamped exhibits into a single downloadable archive.
package bundle

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

// IndexEntryName is the archive entry holding the exhibit schedule.
const IndexEntryName = "index.xlsx"

// modTime is stamped on every entry so identical inputs produce identical archives.
var modTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Entry is one stamped exhibit, in exhibit index order.
type Entry struct {
	ExhibitID       string
	Label           string
	DocumentRef     string
	Content         []byte
	PageCount       int
	BatesStart      int64
	BatesEnd        int64
	BatesStartLabel string
	BatesEndLabel   string
}

// Excluded is a document left out of the bundle in lenient mode.
type Excluded struct {
	ExhibitID   string
	Label       string
	DocumentRef string
	Reason      string
}

// Artifact is an assembled bundle.
type Artifact struct {
	Data        []byte
	ContentHash string
	Entries     []string
}

// ArtifactPath is where a job's bundle is persisted in the bundles bucket.
func ArtifactPath(caseID, jobID string) string {
	return fmt.Sprintf("bundles/%s/%s.zip", caseID, jobID)
}

type Assembler struct {
	logger *slog.Logger
}

func NewAssembler(logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{logger: logger}
}

// Assemble writes entries, in the order given, followed by the index workbook.
func (a *Assembler) Assemble(ctx context.Context, title string, entries []Entry, excluded []Excluded) (*Artifact, error) {
	start := time.Now()
	index, err := buildIndex(title, entries, excluded)
	if err != nil {
		return nil, fmt.Errorf("build index: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if title != "" {
		if err := zw.SetComment(title); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(entries)+1)
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entryName(e.Label)
		if seen[name] {
			return nil, fmt.Errorf("duplicate bundle entry %q", name)
		}
		seen[name] = true
		if err := writeEntry(zw, name, e.Content); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := writeEntry(zw, IndexEntryName, index); err != nil {
		return nil, err
	}
	names = append(names, IndexEntryName)
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	art := &Artifact{Data: buf.Bytes(), ContentHash: hex.EncodeToString(sum[:]), Entries: names}
	a.logger.Info("bundle.assembled", "entries", len(entries), "excluded", len(excluded),
		"bytes", len(art.Data), "sha256", art.ContentHash, "ms", time.Since(start).Milliseconds())
	return art, nil
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: modTime})
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}

func entryName(label string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	return r.Replace(label) + ".pdf"
}
