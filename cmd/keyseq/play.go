package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cbegin/keyseq-go"
	"github.com/cbegin/keyseq-go/internal/bridge"
	"github.com/cbegin/keyseq-go/internal/timeline"
)

var (
	playFrom  int64
	playLoops int
	playGain  float64
)

func init() {
	playCmd.Flags().Int64Var(&playFrom, "from", 0, "tick to start playback at")
	playCmd.Flags().IntVar(&playLoops, "loops", 0, "play the loop region N times then stop (0 disables looping)")
	playCmd.Flags().Float64Var(&playGain, "gain", -1, "master gain (default from config)")
	rootCmd.AddCommand(playCmd)
}

var playCmd = &cobra.Command{
	Use:   "play <project>",
	Short: "Play a project file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := keyseq.NewSession(keyseq.WithConfig(cfg), keyseq.WithLogger(logger))
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.Load(args[0]); err != nil {
			return err
		}
		if playGain >= 0 {
			s.SetMasterGain(playGain)
		}
		return play(cmd.Context(), s, timeline.Tick(playFrom), playLoops)
	},
}

var errPlaybackDone = errors.New("playback done")

// play runs the session until the transport stops or the process is
// interrupted.
func play(ctx context.Context, s *keyseq.Session, from timeline.Tick, loops int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Start(); err != nil {
		return err
	}
	if loops > 0 {
		if _, ok := s.Project().Loop(); !ok {
			return fmt.Errorf("--loops: project has no loop region")
		}
		if err := s.SetLoopActive(true); err != nil {
			return err
		}
	}
	if err := s.Play(from); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	finish := sync.OnceFunc(func() { close(done) })
	g.Go(func() error {
		return s.Watch(ctx, func(n bridge.Notice) {
			switch n.Kind {
			case bridge.NoticeLoopCompleted:
				logger.Info("loop completed", "count", n.Loops)
				if loops > 0 && n.Loops >= uint64(loops) {
					s.Stop()
					finish()
				}
			case bridge.NoticePlaybackEnded:
				logger.Info("playback completed")
				finish()
			}
		})
	})
	g.Go(func() error {
		select {
		case <-done:
			return errPlaybackDone
		case <-ctx.Done():
			return nil
		}
	})
	err := g.Wait()
	if errors.Is(err, errPlaybackDone) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
