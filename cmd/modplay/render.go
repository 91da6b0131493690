package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Roman77St/modplay"
)

var renderCmd = &cobra.Command{
	Use:   "render FILE",
	Short: "Render a module into a WAV file",
	Args:  cobra.ExactArgs(1),
	RunE:  runRender,
}

func init() {
	renderCmd.Flags().StringVarP(&config.out, "out", "o", "",
		"Output WAV file (default: FILE with a .wav extension in the current directory)")
}

func runRender(cmd *cobra.Command, args []string) error {
	in := args[0]
	out := config.out
	if out == "" {
		out = strings.TrimSuffix(filepath.Base(in), filepath.Ext(in)) + ".wav"
	}

	loader := modplay.DefaultLoader().WithLogger(logger)
	player := modplay.NewPlayer(loader, modplay.NewWAVFile(out),
		modplay.WithLogger(logger),
		modplay.WithStopTimeout(config.stopTimeout),
	)

	finished := make(chan modplay.FinishReason, 1)
	c, err := player.Start(sessionParams(in, config.subsong), modplay.Observer{
		Finished: func(r modplay.FinishReason) { finished <- r },
	})
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case r := <-finished:
		<-c.Done()
		s := c.Session()
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%d frames at %d Hz) written to %s\n",
			in, formatTime(float64(s.FramesEmitted)/float64(s.SampleRate)), s.FramesEmitted, s.SampleRate, out)
		if r == modplay.FinishFault {
			return errors.New("rendering stopped by a playback fault, output is truncated")
		}
		return nil
	case <-sig:
		if err := player.Stop(); err != nil {
			logger.Warn().Err(err).Msg("failed to stop rendering")
		}
		return errors.New("interrupted")
	}
}
