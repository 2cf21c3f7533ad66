package bundle

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func sampleEntries() []Entry {
	return []Entry{
		{ExhibitID: "c", Label: "Exhibit 1", DocumentRef: "docs/c.pdf", Content: []byte("%PDF-c"), PageCount: 3,
			BatesStart: 1, BatesEnd: 3, BatesStartLabel: "EX-00001", BatesEndLabel: "EX-00003"},
		{ExhibitID: "a", Label: "Exhibit 2", DocumentRef: "docs/a.pdf", Content: []byte("%PDF-a"), PageCount: 5,
			BatesStart: 4, BatesEnd: 8, BatesStartLabel: "EX-00004", BatesEndLabel: "EX-00008"},
		{ExhibitID: "b", Label: "Exhibit 3", DocumentRef: "docs/b.pdf", Content: []byte("%PDF-b"), PageCount: 2,
			BatesStart: 9, BatesEnd: 10, BatesStartLabel: "EX-00009", BatesEndLabel: "EX-00010"},
	}
}

func TestAssembleOrdersEntriesByIndex(t *testing.T) {
	art, err := NewAssembler(nil).Assemble(context.Background(), "Trial bundle", sampleEntries(), nil)
	require.NoError(t, err)
	require.Len(t, art.ContentHash, 64)
	require.Equal(t, []string{"Exhibit 1.pdf", "Exhibit 2.pdf", "Exhibit 3.pdf", IndexEntryName}, art.Entries)

	zr, err := zip.NewReader(bytes.NewReader(art.Data), int64(len(art.Data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 4)
	require.Equal(t, "Trial bundle", zr.Comment)

	want := map[string]string{"Exhibit 1.pdf": "%PDF-c", "Exhibit 2.pdf": "%PDF-a", "Exhibit 3.pdf": "%PDF-b"}
	for i, f := range zr.File[:3] {
		require.Equal(t, art.Entries[i], f.Name)
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		require.Equal(t, want[f.Name], string(body))
	}
}

func TestAssembleIsDeterministic(t *testing.T) {
	a, err := NewAssembler(nil).Assemble(context.Background(), "", sampleEntries(), nil)
	require.NoError(t, err)
	b, err := NewAssembler(nil).Assemble(context.Background(), "", sampleEntries(), nil)
	require.NoError(t, err)
	require.Equal(t, a.ContentHash, b.ContentHash)
	require.True(t, bytes.Equal(a.Data, b.Data))
}

func TestIndexWorkbookListsExhibits(t *testing.T) {
	excluded := []Excluded{{ExhibitID: "x", Label: "Exhibit 4", DocumentRef: "docs/x.pdf", Reason: "document could not be parsed"}}
	data, err := buildIndex("Schedule", sampleEntries(), excluded)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(indexSheet)
	require.NoError(t, err)
	require.Equal(t, "Schedule", rows[0][0])
	require.Equal(t, []string{"Exhibit", "Document", "Bates Start", "Bates End", "Pages", "File"}, rows[2])
	require.Equal(t, []string{"Exhibit 1", "docs/c.pdf", "EX-00001", "EX-00003", "3", "Exhibit 1.pdf"}, rows[3])
	require.Equal(t, "EX-00009", rows[5][2])
	require.Equal(t, []string{"", "", "", "Total pages", "10"}, rows[6])
	require.Equal(t, "Excluded", rows[8][0])
	require.Equal(t, "Exhibit 4", rows[9][0])
}

func TestAssembleRejectsDuplicateLabels(t *testing.T) {
	entries := sampleEntries()
	entries[1].Label = entries[0].Label
	_, err := NewAssembler(nil).Assemble(context.Background(), "", entries, nil)
	require.Error(t, err)
}

func TestArtifactPath(t *testing.T) {
	require.Equal(t, "bundles/case-1/job-9.zip", ArtifactPath("case-1", "job-9"))
}
