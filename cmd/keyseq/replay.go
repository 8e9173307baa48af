package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cbegin/keyseq-go"
	"github.com/cbegin/keyseq-go/internal/ingest"
)

var (
	replayEvents string
	replayProj   string
	replayOut    string
	replayPlay   bool
	replayQuiet  bool
)

func init() {
	replayCmd.Flags().StringVarP(&replayEvents, "events", "e", "", "event script, one event name per line")
	replayCmd.Flags().StringVarP(&replayProj, "project", "p", "", "project to start from (default is an empty project)")
	replayCmd.Flags().StringVarP(&replayOut, "out", "o", "", "save the resulting project to this file")
	replayCmd.Flags().BoolVar(&replayPlay, "play", false, "play the resulting project")
	replayCmd.Flags().BoolVarP(&replayQuiet, "quiet", "q", false, "only print events that were ignored or rejected")
	replayCmd.MarkFlagRequired("events")
	rootCmd.AddCommand(replayCmd)
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a recorded event script against a project",
	Long: `Replay feeds each event of a script through the same input handling the
editor uses and prints the outcome of every event.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(replayEvents)
		if err != nil {
			return err
		}
		events, err := ingest.ReadScript(f)
		f.Close()
		if err != nil {
			return err
		}

		s, err := keyseq.NewSession(keyseq.WithConfig(cfg), keyseq.WithLogger(logger))
		if err != nil {
			return err
		}
		defer s.Close()
		if replayProj != "" {
			if err := s.Load(replayProj); err != nil {
				return err
			}
		}

		w := cmd.OutOrStdout()
		for i, out := range s.Replay(events) {
			quiet := out.Kind != ingest.OutcomeIgnored && out.Kind != ingest.OutcomeRejected
			if replayQuiet && quiet {
				continue
			}
			line := fmt.Sprintf("%4d %-16s %s", i+1, out.Event, out.Kind)
			if out.Reason != "" {
				line += ": " + out.Reason
			}
			fmt.Fprintln(w, line)
		}

		p := s.Project()
		notes := 0
		for i := range p.NumTracks() {
			notes += p.Track(i).NumNotes()
		}
		fmt.Fprintf(w, "%d tracks, %d notes, ends at tick %d\n", p.NumTracks(), notes, p.End())

		if replayOut != "" {
			if err := s.Save(replayOut); err != nil {
				return err
			}
		}
		if replayPlay {
			return play(cmd.Context(), s, s.Project().Playhead(), 0)
		}
		return nil
	},
}
