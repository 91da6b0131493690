package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/Roman77St/modplay"
)

const seekStep = 5.0

var playCmd = &cobra.Command{
	Use:   "play FILE...",
	Short: "Play modules one after another",
	Long: `Play every FILE in order. FILE may be a path or an http(s) URL.
Modules with several sub-songs are played sub-song by sub-song unless
--subsong picks one.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlay,
}

// track - элемент очереди воспроизведения.
type track struct {
	path     string
	subsong  int
	subsongs int
}

type action int

const (
	actNext action = iota
	actPrev
	actQuit
)

type progress struct {
	elapsed, total float64
}

func runPlay(cmd *cobra.Command, args []string) error {
	device, err := modplay.NewOtoDevice(config.rate, config.frames, logger)
	if err != nil {
		return fmt.Errorf("audio output: %w", err)
	}
	loader := modplay.DefaultLoader().WithLogger(logger)

	player := modplay.NewPlayer(loader, device,
		modplay.WithLogger(logger),
		modplay.WithStopTimeout(config.stopTimeout),
	)

	queue := buildQueue(loader, args)

	keys, restore := readKeys()
	defer restore()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	out := cmd.OutOrStdout()
	failed := 0
	for i := 0; i < len(queue); {
		t := queue[i]
		act, err := playTrack(out, player, t, keys, sig)
		if err != nil {
			failed++
			fmt.Fprintf(out, "\r\033[K%s: %v\r\n", t.path, err)
		}
		switch act {
		case actQuit:
			i = len(queue)
		case actPrev:
			i = max(i-1, 0)
		default:
			i++
		}
	}

	if err := player.Stop(); err != nil && !errors.Is(err, modplay.ErrNoSession) {
		logger.Warn().Err(err).Msg("failed to stop playback")
	}
	fmt.Fprint(out, "\r\n")

	if failed == len(queue) {
		return errors.New("nothing could be played")
	}
	return nil
}

// buildQueue раскрывает каждый путь в его подпесни. Скачанные URL
// кэширует Loader, так что при запуске трека повторной загрузки нет.
func buildQueue(loader *modplay.Loader, paths []string) []track {
	var queue []track
	for _, path := range paths {
		if config.subsong != modplay.DefaultSubsong {
			queue = append(queue, track{path: path, subsong: config.subsong})
			continue
		}
		r, ok := scanSubsongs(loader, path)
		if !ok || r.Count() <= 1 {
			queue = append(queue, track{path: path, subsong: modplay.DefaultSubsong, subsongs: r.Count()})
			continue
		}
		queue = append(queue, lo.Map(lo.RangeFrom(r.Min, r.Count()), func(n int, _ int) track {
			return track{path: path, subsong: n, subsongs: r.Count()}
		})...)
	}
	return queue
}

func scanSubsongs(loader *modplay.Loader, path string) (modplay.SubsongRange, bool) {
	mod, err := loader.Load(path)
	if err != nil {
		// Ошибку покажем ещё раз при запуске трека.
		return modplay.SubsongRange{}, false
	}
	defer mod.Decoder.Free()

	sel, ok := mod.Decoder.(modplay.SubsongSelector)
	if !ok {
		return modplay.SubsongRange{}, false
	}
	return sel.Subsongs(), true
}

func playTrack(out io.Writer, player *modplay.Player, t track, keys <-chan key, sig <-chan os.Signal) (action, error) {
	positions := make(chan progress, 1)
	messages := make(chan string, 16)
	finished := make(chan modplay.FinishReason, 1)

	obs := modplay.Observer{
		PositionChanged: func(elapsed, total float64) {
			select {
			case positions <- progress{elapsed, total}:
			default:
			}
		},
		Message: func(text string) {
			select {
			case messages <- text:
			default:
			}
		},
		Finished: func(r modplay.FinishReason) {
			finished <- r
		},
	}

	c, err := player.Start(sessionParams(t.path, t.subsong), obs)
	if err != nil {
		return actNext, err
	}
	printHeader(out, c, t)

	last := progress{total: c.Session().Duration}
	for {
		select {
		case p := <-positions:
			last = p
			printProgress(out, c.Status(), last)

		case msg := <-messages:
			fmt.Fprintf(out, "\r\033[K  %s\r\n", msg)

		case r := <-finished:
			if r == modplay.FinishFault {
				fmt.Fprintf(out, "\r\033[K%s: playback stopped by a fault\r\n", t.path)
			}
			return actNext, nil

		case k := <-keys:
			switch k {
			case keyPause:
				printProgress(out, c.PauseToggle(), last)
			case keyForward, keyBack:
				delta := seekStep
				if k == keyBack {
					delta = -seekStep
				}
				if err := c.SeekBy(delta); err != nil {
					logger.Debug().Err(err).Msg("seek ignored")
				}
			case keyNext:
				return actNext, nil
			case keyPrev:
				return actPrev, nil
			case keyQuit:
				return actQuit, nil
			}

		case <-sig:
			return actQuit, nil
		}
	}
}

func printHeader(out io.Writer, c *modplay.Controller, t track) {
	md := c.Metadata()
	title := md.Title
	if title == "" {
		title = filepath.Base(t.path)
	}
	fmt.Fprintf(out, "\r\033[K%s", title)
	if md.Artist != "" {
		fmt.Fprintf(out, " by %s", md.Artist)
	}
	if md.Format != "" {
		fmt.Fprintf(out, " [%s]", md.Format)
	}
	if t.subsongs > 1 && t.subsong != modplay.DefaultSubsong {
		fmt.Fprintf(out, " sub-song %d/%d", t.subsong+1, t.subsongs)
	}
	fmt.Fprint(out, "\r\n")
}

func printProgress(out io.Writer, status modplay.Status, p progress) {
	fmt.Fprintf(out, "\r\033[K[%s] %s / %s", status, formatTime(p.elapsed), formatTime(p.total))
}
