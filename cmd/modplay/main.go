package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Roman77St/modplay"
)

var (
	Version = "dev"

	// Настройки командной строки
	config struct {
		rate        int
		frames      int
		subsong     int
		volume      float64
		start       float64
		stopTimeout time.Duration
		logLevel    string
		out         string
	}

	logger = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "modplay",
	Short: "Play tracker modules in the terminal",
	Long: `modplay plays music modules (MOD, XM, IT, S3M and everything else libxmp
understands) as well as MP3 and WAV files. Without libxmp, ProTracker MOD
files are played by a built-in pure Go replayer.

While playing: space/p pause, n next, b previous, ←/→ seek, q quit.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(config.logLevel, os.Stderr)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
}

func init() {
	level := os.Getenv("MODPLAY_LOG_LEVEL")
	if level == "" {
		level = "warn"
	}

	rootCmd.PersistentFlags().IntVar(&config.rate, "rate", modplay.DefaultSampleRate,
		"Output sample rate in Hz")
	rootCmd.PersistentFlags().IntVar(&config.frames, "frames", modplay.DefaultBufferFrames,
		"Frames rendered per chunk")
	rootCmd.PersistentFlags().IntVarP(&config.subsong, "subsong", "s", modplay.DefaultSubsong,
		"Sub-song to play (-1 plays every sub-song)")
	rootCmd.PersistentFlags().Float64VarP(&config.volume, "volume", "v", 1,
		"Volume from 0 to 1")
	rootCmd.PersistentFlags().Float64Var(&config.start, "start", 0,
		"Start position in seconds")
	rootCmd.PersistentFlags().DurationVar(&config.stopTimeout, "stop-timeout", modplay.DefaultStopTimeout,
		"How long to wait for the playback worker when stopping")
	rootCmd.PersistentFlags().StringVar(&config.logLevel, "log-level", level,
		"Log level (debug, info, warn, error); defaults to $MODPLAY_LOG_LEVEL")

	rootCmd.AddCommand(playCmd, infoCmd, renderCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger создаёт консольный логгер. В терминале строки заканчиваются CRLF,
// чтобы читаться, пока stdin в raw-режиме.
func newLogger(level string, out *os.File) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var w io.Writer = out
	if term.IsTerminal(int(out.Fd())) {
		w = crlfWriter{out}
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().
		Logger(), nil
}

// sessionParams превращает флаги в параметры сеанса.
func sessionParams(path string, subsong int) modplay.SessionParams {
	volume := config.volume
	if volume <= 0 {
		volume = -1
	}
	return modplay.SessionParams{
		Path:         path,
		Subsong:      subsong,
		SampleRate:   config.rate,
		BufferFrames: config.frames,
		Volume:       volume,
		StartAt:      config.start,
	}
}

func formatTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	s := int(seconds)
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}
