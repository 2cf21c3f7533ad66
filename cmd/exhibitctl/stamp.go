package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thekellymethod/proseiq-clean-sub002/constants"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/bates"
)

type stampOptions struct {
	outDir   string
	prefix   string
	padWidth int
	start    int64
	lenient  bool
}

func newStampCmd() *cobra.Command {
	opts := stampOptions{}
	cmd := &cobra.Command{
		Use:   "stamp FILE.pdf...",
		Short: "Bates-stamp local PDFs in order with one contiguous range",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return stampFiles(cmd.Context(), cmd.OutOrStdout(), args, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.outDir, "out", "o", "stamped", "output directory")
	f.StringVar(&opts.prefix, "prefix", constants.DefaultBatesPrefix, "Bates label prefix")
	f.IntVar(&opts.padWidth, "pad", constants.DefaultBatesPadWidth, "zero-pad width of the counter")
	f.Int64Var(&opts.start, "start", 1, "first counter value")
	f.BoolVar(&opts.lenient, "lenient", false, "skip documents that cannot be stamped")
	return cmd
}

func stampFiles(ctx context.Context, out io.Writer, paths []string, opts stampOptions) error {
	if !bates.ValidPrefix(opts.prefix) {
		return fmt.Errorf("prefix %q must be non-empty printable ASCII without %% or \\", opts.prefix)
	}
	docs := make([]bates.Document, 0, len(paths))
	for _, p := range paths {
		if !strings.EqualFold(filepath.Ext(p), ".pdf") {
			return fmt.Errorf("%s: only PDF files can be stamped", p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		docs = append(docs, bates.Document{ID: p, Content: data})
	}

	mode := constants.StampingStrict
	if opts.lenient {
		mode = constants.StampingLenient
	}
	res, err := bates.NewStamper(nil).Stamp(ctx, docs, bates.Params{
		Prefix:   opts.prefix,
		PadWidth: opts.padWidth,
		Start:    opts.start,
		Mode:     mode,
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return err
	}
	for _, d := range res.Documents {
		dst := filepath.Join(opts.outDir, filepath.Base(d.ID))
		if err := os.WriteFile(dst, d.Content, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%s-%s\t%d pages\n", dst,
			bates.Label(opts.prefix, d.BatesStart, opts.padWidth),
			bates.Label(opts.prefix, d.BatesEnd, opts.padWidth),
			d.PageCount)
	}
	for _, x := range res.Excluded {
		fmt.Fprintf(out, "%s\tskipped: %v\n", x.DocumentID, x.Err)
	}
	return nil
}
