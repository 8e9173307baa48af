package main

import (
	"github.com/spf13/cobra"

	"github.com/cbegin/keyseq-go"
	"github.com/cbegin/keyseq-go/internal/persist"
	"github.com/cbegin/keyseq-go/internal/timeline"
)

var importBank string

func init() {
	importCmd.Flags().StringVar(&importBank, "bank", timeline.DefaultBank, "instrument bank for imported tracks")
	rootCmd.AddCommand(exportCmd, importCmd)
}

var exportCmd = &cobra.Command{
	Use:   "export-midi <project> <out.mid>",
	Short: "Write a project as a standard MIDI file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := keyseq.ReadProject(args[0])
		if err != nil {
			return err
		}
		if err := persist.WriteMIDIFile(args[1], p); err != nil {
			return err
		}
		logger.Info("exported", "out", args[1], "tracks", p.NumTracks())
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import-midi <in.mid> <out.yaml>",
	Short: "Convert a standard MIDI file into a project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := persist.ReadMIDIFile(args[0], importBank)
		if err != nil {
			return err
		}
		if err := persist.Save(args[1], p); err != nil {
			return err
		}
		logger.Info("imported", "out", args[1], "tracks", p.NumTracks(), "ppq", p.PPQ())
		return nil
	},
}
