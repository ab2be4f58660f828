package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vsariola/rendercore"
	"github.com/vsariola/rendercore/graph"
	"github.com/vsariola/rendercore/host"
	"github.com/vsariola/rendercore/render"
	"github.com/vsariola/rendercore/session"
	"github.com/vsariola/rendercore/vm"
)

func newDescribeCmd() *cobra.Command {
	var topology string
	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Build the configured graph offline and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if topology != "" {
				cfg.Topology = topology
			}
			newRuntime := func(c *render.Coordinator) (graph.Runtime, error) {
				return host.NewManual(c, cfg.BlockSize, true), nil
			}
			s, err := session.New(cfg, vm.NewGoEngine(), newRuntime, session.WithLogger(log))
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.LoadConfigured(cmd.Context()); err != nil {
				return err
			}
			state := s.State()
			if err := graph.Describe(cmd.OutOrStdout(), state.Graph); err != nil {
				return err
			}
			ch := render.Channels(state.Topology, cfg.Channels)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d pulled channel(s), %d rebuild(s), %d frames per quantum (%.1f ms)\n",
				len(ch), state.Rebuilds, cfg.BlockSize, 1000*float64(cfg.BlockSize)/float64(cfg.SampleRate))
			return err
		},
	}
	cmd.Flags().StringVarP(&topology, "topology", "t", "", "topology to describe ("+rendercore.Simple.String()+", "+rendercore.MultiChannel.String()+")")
	return cmd
}
