package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/Roman77St/modplay"
)

var showInstruments bool

var infoCmd = &cobra.Command{
	Use:   "info FILE...",
	Short: "Show module metadata without playing it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := modplay.DefaultLoader().WithLogger(logger)

		failed := 0
		for _, path := range args {
			if err := printInfo(cmd.OutOrStdout(), loader, path); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%v\n", err)
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files could not be loaded", failed, len(args))
		}
		return nil
	},
}

func init() {
	infoCmd.Flags().BoolVarP(&showInstruments, "instruments", "i", false, "List instruments and samples")
}

func printInfo(w io.Writer, loader *modplay.Loader, path string) error {
	mod, err := loader.Load(path)
	if err != nil {
		return err
	}
	defer mod.Decoder.Free()

	md := mod.Metadata
	field := func(name, value string) {
		if value != "" && value != "0" {
			fmt.Fprintf(w, "  %-11s %s\n", name+":", value)
		}
	}

	fmt.Fprintln(w, path)
	field("Backend", mod.Backend)
	field("Title", md.Title)
	field("Artist", md.Artist)
	field("Album", md.Album)
	field("Format", md.Format)
	field("Tracker", md.Tracker)
	field("Duration", formatTime(mod.Decoder.Duration()))
	field("Channels", strconv.Itoa(md.Channels))
	field("Positions", strconv.Itoa(md.Positions))
	field("Patterns", strconv.Itoa(md.Patterns))
	if sel, ok := mod.Decoder.(modplay.SubsongSelector); ok {
		if r := sel.Subsongs(); r.Count() > 1 {
			field("Sub-songs", fmt.Sprintf("%d (default %d)", r.Count(), r.Default))
		}
	}
	field("Comment", md.Comment)

	if !showInstruments {
		return nil
	}
	used := lo.Filter(md.Instruments, func(in modplay.Instrument, _ int) bool {
		return in.Name != "" || in.Size > 0
	})
	if len(used) == 0 {
		return nil
	}
	fmt.Fprintf(w, "  Instruments (%d):\n", len(used))
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Name", "Size", "Vol", "Loop"})
	for _, in := range used {
		loop := ""
		if in.LoopLength > 2 {
			loop = fmt.Sprintf("%d+%d", in.LoopStart, in.LoopLength)
		}
		t.AppendRow(table.Row{in.Index, in.Name, in.Size, in.Volume, loop})
	}
	t.Render()
	return nil
}
