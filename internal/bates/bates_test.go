package bates

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thekellymethod/proseiq-clean-sub002/constants"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/common"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/pdf"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/pdf/pdftest"
)

func TestLabel(t *testing.T) {
	cases := []struct {
		prefix  string
		counter int64
		pad     int
		want    string
	}{
		{"EX", 1, 5, "EX-00001"},
		{"EX", 99999, 5, "EX-99999"},
		{"EX", 100000, 5, "EX-100000"},
		{"SMITH", 42, 0, "SMITH-42"},
		{"A", 7, 3, "A-007"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Label(tc.prefix, tc.counter, tc.pad))
	}
}

func TestExhibitLabel(t *testing.T) {
	require.Equal(t, "Exhibit 1", ExhibitLabel("Exhibit", 1, 0))
	require.Equal(t, "Exhibit 012", ExhibitLabel("Exhibit", 12, 3))
	require.Equal(t, "Tab 1234", ExhibitLabel("Tab", 1234, 2))
}

func docs(pages ...int) []Document {
	out := make([]Document, len(pages))
	for i, n := range pages {
		out[i] = Document{ID: string(rune('a' + i)), Content: pdftest.Build(n, pdftest.Options{})}
	}
	return out
}

func TestStampConservesPageCount(t *testing.T) {
	s := NewStamper(nil)
	res, err := s.Stamp(context.Background(), docs(3, 5, 2), Params{Prefix: "EX", PadWidth: 5})
	require.NoError(t, err)
	require.Len(t, res.Documents, 3)

	want := [][2]int64{{1, 3}, {4, 8}, {9, 10}}
	total := 0
	for i, d := range res.Documents {
		require.Equal(t, want[i][0], d.BatesStart)
		require.Equal(t, want[i][1], d.BatesEnd)
		total += d.PageCount
	}
	require.Equal(t, 10, total)
	require.Equal(t, int64(11), res.Next)

	require.True(t, pdftest.ContainsText(res.Documents[1].Content, "EX-00004"))
	require.True(t, pdftest.ContainsText(res.Documents[1].Content, "EX-00008"))
	require.False(t, pdftest.ContainsText(res.Documents[1].Content, "EX-00009"))
}

func TestStampHonoursStart(t *testing.T) {
	s := NewStamper(nil)
	res, err := s.Stamp(context.Background(), docs(2), Params{Prefix: "EX", PadWidth: 5, Start: 99999})
	require.NoError(t, err)
	require.Equal(t, int64(99999), res.Documents[0].BatesStart)
	require.True(t, pdftest.ContainsText(res.Documents[0].Content, "EX-100000"))
	require.Equal(t, int64(100001), res.Next)
}

func TestStampIsDeterministic(t *testing.T) {
	s := NewStamper(nil)
	in := docs(2, 1)
	a, err := s.Stamp(context.Background(), in, Params{Prefix: "EX", PadWidth: 5, Start: 40})
	require.NoError(t, err)
	b, err := s.Stamp(context.Background(), in, Params{Prefix: "EX", PadWidth: 5, Start: 40})
	require.NoError(t, err)
	for i := range a.Documents {
		require.True(t, bytes.Equal(a.Documents[i].Content, b.Documents[i].Content))
	}
}

func TestStampStrictAbortsOnBadDocument(t *testing.T) {
	in := docs(1, 1)
	in[1].Content = []byte("%PDF-1.4 garbage")

	_, err := NewStamper(nil).Stamp(context.Background(), in, Params{Prefix: "EX", PadWidth: 5})
	require.Error(t, err)
	require.ErrorIs(t, err, common.ErrStamping)

	var se *common.StampingError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "b", se.DocumentID)
}

func TestStampLenientExcludesWithoutConsumingCounters(t *testing.T) {
	in := docs(2, 1, 3)
	in[1].Content = []byte("not a pdf")

	res, err := NewStamper(nil).Stamp(context.Background(), in, Params{
		Prefix: "EX", PadWidth: 5, Mode: constants.StampingLenient,
	})
	require.NoError(t, err)
	require.Len(t, res.Documents, 2)
	require.Len(t, res.Excluded, 1)
	require.Equal(t, "b", res.Excluded[0].DocumentID)
	require.Equal(t, int64(3), res.Documents[1].BatesStart)
	require.Equal(t, int64(5), res.Documents[1].BatesEnd)
}

func TestStampRejectsPageCountMismatch(t *testing.T) {
	in := docs(3)
	in[0].PageCount = 4
	_, err := NewStamper(nil).Stamp(context.Background(), in, Params{Prefix: "EX", PadWidth: 5})
	require.ErrorIs(t, err, common.ErrStamping)
}

func TestStampCheckpointStopsRun(t *testing.T) {
	calls := 0
	stop := errors.New("superseded")
	_, err := NewStamper(nil).Stamp(context.Background(), docs(1, 1, 1), Params{
		Prefix: "EX",
		Checkpoint: func(context.Context) error {
			calls++
			if calls == 2 {
				return stop
			}
			return nil
		},
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 2, calls)
}

func TestStampUsesOverlayOptions(t *testing.T) {
	p := Params{Prefix: "EX", PadWidth: 5}
	def, err := NewStamper(nil).Stamp(context.Background(), docs(1), p)
	require.NoError(t, err)
	big, err := NewStamper(nil, WithOverlay(pdf.OverlayOptions{FontSize: 12, Margin: 36})).Stamp(context.Background(), docs(1), p)
	require.NoError(t, err)
	require.NotEqual(t, def.Documents[0].Content, big.Documents[0].Content)
	require.True(t, pdftest.ContainsText(big.Documents[0].Content, "EX-00001"))
}

func TestStampCrossReferenceStreamDocuments(t *testing.T) {
	in := []Document{
		{ID: "modern", Content: pdftest.BuildXRefStream(1, pdftest.Options{})},
		{ID: "classic", Content: pdftest.Build(2, pdftest.Options{})},
		{ID: "modern-2", Content: pdftest.BuildXRefStream(3, pdftest.Options{})},
	}
	res, err := NewStamper(nil).Stamp(context.Background(), in, Params{Prefix: "EX", PadWidth: 5, Start: 1})
	require.NoError(t, err)
	require.Empty(t, res.Excluded)
	require.Len(t, res.Documents, 3)

	require.Equal(t, int64(1), res.Documents[0].BatesStart)
	require.Equal(t, int64(1), res.Documents[0].BatesEnd)
	require.Equal(t, int64(4), res.Documents[2].BatesStart)
	require.Equal(t, int64(6), res.Documents[2].BatesEnd)
	require.True(t, pdftest.ContainsText(res.Documents[0].Content, "EX-00001"))
	require.True(t, pdftest.ContainsText(res.Documents[2].Content, "EX-00006"))

	n, err := pdf.PageCount(res.Documents[2].Content)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestStampRejectsUnprintablePrefix(t *testing.T) {
	_, err := NewStamper(nil).Stamp(context.Background(), docs(1), Params{Prefix: "ÉX", PadWidth: 5})
	require.ErrorIs(t, err, common.ErrStamping)
}
