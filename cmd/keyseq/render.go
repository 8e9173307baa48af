package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/cbegin/keyseq-go"
	"github.com/cbegin/keyseq-go/internal/timeline"
)

var (
	renderOut      string
	renderSeconds  float64
	renderFrom     int64
	renderPerTrack bool
	renderSuffix   string
)

func init() {
	renderCmd.Flags().StringVarP(&renderOut, "out", "o", "out.wav", "output WAV file")
	renderCmd.Flags().Float64Var(&renderSeconds, "seconds", 0, "fixed render length (default renders to the end and lets notes decay)")
	renderCmd.Flags().Int64Var(&renderFrom, "from", 0, "tick to start rendering at")
	renderCmd.Flags().BoolVar(&renderPerTrack, "per-track", false, "write one file per audible track next to --out")
	renderCmd.Flags().StringVar(&renderSuffix, "suffix", keyseq.SuffixIndex, "per-track file suffix: index, preset or index-preset")
	rootCmd.AddCommand(renderCmd)
}

var renderCmd = &cobra.Command{
	Use:   "render <project>",
	Short: "Render a project to a 32-bit float WAV file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := keyseq.ReadProject(args[0])
		if err != nil {
			return err
		}
		opts := keyseq.RenderOptions{
			Config:  cfg,
			From:    timeline.Tick(renderFrom),
			Seconds: renderSeconds,
		}
		if renderPerTrack {
			return renderStems(p, opts)
		}
		samples, err := keyseq.RenderProject(p, opts)
		if err != nil {
			return err
		}
		return writeWAV(renderOut, samples)
	},
}

func renderStems(p *timeline.Project, opts keyseq.RenderOptions) error {
	if _, err := keyseq.StemPath(renderOut, keyseq.TrackRender{}, renderSuffix); err != nil {
		return err
	}
	stems, err := keyseq.RenderTracks(p, opts)
	if err != nil {
		return err
	}
	for _, st := range stems {
		path, _ := keyseq.StemPath(renderOut, st, renderSuffix)
		if err := writeWAV(path, st.Samples); err != nil {
			return err
		}
	}
	if len(stems) == 0 {
		logger.Warn("no audible track has notes to render")
	}
	return nil
}

func writeWAV(path string, samples []float32) error {
	if err := os.WriteFile(path, keyseq.EncodeWAVFloat32LE(samples, cfg.SampleRate, 2), 0o644); err != nil {
		return err
	}
	logger.Info("rendered", "out", path, "seconds", float64(len(samples)/2)/float64(cfg.SampleRate))
	return nil
}
