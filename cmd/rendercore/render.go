package main

import (
	"bufio"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vsariola/rendercore"
	"github.com/vsariola/rendercore/graph"
	"github.com/vsariola/rendercore/host"
	"github.com/vsariola/rendercore/render"
	"github.com/vsariola/rendercore/session"
	"github.com/vsariola/rendercore/vm"
)

func newRenderCmd() *cobra.Command {
	var (
		out      string
		seconds  float64
		notes    []int
		targets  uint8
		channel  string
		pcm16    bool
		topology string
	)
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render notes offline into a .wav file",
		Long: `Render schedules the given notes at time zero, releases them halfway through and
renders the whole length offline through the configured graph, writing one pulled
channel into a .wav file (or .raw if the output file ends with .raw).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if topology != "" {
				cfg.Topology = topology
			}
			ch, err := parseChannel(channel)
			if err != nil {
				return err
			}
			var m *host.Manual
			newRuntime := func(c *render.Coordinator) (graph.Runtime, error) {
				m = host.NewManual(c, cfg.BlockSize, true)
				return m, nil
			}
			s, err := session.New(cfg, vm.NewGoEngine(), newRuntime, session.WithLogger(log))
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.LoadConfigured(cmd.Context()); err != nil {
				return err
			}
			if err := s.Start(); err != nil {
				return err
			}
			if !slices.Contains(m.Channels(), ch) {
				return fmt.Errorf("channel %s is not pulled in the %s topology", ch, s.State().Topology)
			}
			quanta := int(seconds * float64(cfg.SampleRate) / float64(cfg.BlockSize))
			release := rendercore.SampleTime(quanta / 2 * cfg.BlockSize)
			for _, n := range notes {
				if err := s.NoteOn(byte(n), 100, 0, rendercore.DestinationMask(targets)); err != nil {
					return err
				}
				if err := s.NoteOff(byte(n), release, rendercore.DestinationMask(targets)); err != nil {
					return err
				}
			}
			buffer := make(rendercore.AudioBuffer, 0, 2*quanta*cfg.BlockSize)
			for q := 0; q < quanta; q++ {
				m.Pump(1)
				buffer = append(buffer, m.Output(ch)...)
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			w := bufio.NewWriter(f)
			if strings.HasSuffix(out, ".raw") {
				err = rendercore.WriteRaw(w, buffer, pcm16)
			} else {
				err = rendercore.WriteWav(w, buffer, cfg.SampleRate, pcm16)
			}
			if err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return err
			}
			log.WithField("file", out).WithField("frames", buffer.Frames()).Info("rendered")
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "out.wav", "output file")
	cmd.Flags().Float64VarP(&seconds, "seconds", "s", 2, "length of the rendering")
	cmd.Flags().IntSliceVarP(&notes, "note", "n", []int{60}, "MIDI notes to play")
	cmd.Flags().Uint8Var(&targets, "targets", uint8(rendercore.TargetPoly), "destination mask of the notes")
	cmd.Flags().StringVarP(&channel, "channel", "c", "main", "channel to capture (main, send-a, send-b or a target number)")
	cmd.Flags().BoolVar(&pcm16, "pcm16", false, "write 16-bit PCM instead of float")
	cmd.Flags().StringVarP(&topology, "topology", "t", "", "topology to render through")
	return cmd
}

func parseChannel(s string) (rendercore.ChannelID, error) {
	for _, ch := range []rendercore.ChannelID{rendercore.BusMain, rendercore.BusSendA, rendercore.BusSendB} {
		if s == ch.String() {
			return ch, nil
		}
	}
	var i int
	if _, err := fmt.Sscanf(s, "%d", &i); err != nil || i < 0 || i >= rendercore.MaxTargets {
		return 0, fmt.Errorf("unknown channel %q", s)
	}
	return rendercore.ChannelID(i), nil
}
