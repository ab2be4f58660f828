package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vsariola/rendercore"
	"github.com/vsariola/rendercore/gomidi"
	"github.com/vsariola/rendercore/graph"
	"github.com/vsariola/rendercore/oto"
	"github.com/vsariola/rendercore/render"
	"github.com/vsariola/rendercore/session"
	"github.com/vsariola/rendercore/vm"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func newPlayCmd() *cobra.Command {
	var (
		topology       string
		noMIDI         bool
		levelsInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Play the engine through the sound card",
		Long: `Play opens the sound card and renders the engine through the configured topology.
Notes come from the MIDI input; MIDI channel n plays synthesis target n mod 8.
SIGHUP rebuilds the graph as if the audio configuration had changed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if topology != "" {
				cfg.Topology = topology
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return play(cmd.Context(), !noMIDI, levelsInterval)
		},
	}
	cmd.Flags().StringVarP(&topology, "topology", "t", "", "initial topology (simple, multichannel)")
	cmd.Flags().BoolVar(&noMIDI, "no-midi", false, "do not open a MIDI input")
	cmd.Flags().DurationVar(&levelsInterval, "levels", 0, "log channel levels at this interval (debug level)")
	return cmd
}

func play(ctx context.Context, useMIDI bool, levelsInterval time.Duration) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	newRuntime := func(c *render.Coordinator) (graph.Runtime, error) {
		return oto.New(c, cfg.SampleRate, cfg.BlockSize)
	}
	s, err := session.New(cfg, vm.NewGoEngine(), newRuntime, session.WithLogger(log), session.WithRegisterer(reg))
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.WithError(err).Error("closing session")
		}
	}()
	if err := s.LoadConfigured(ctx); err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"topology": s.State().Topology.String(), "sample_rate": cfg.SampleRate, "block_size": cfg.BlockSize}).Info("playing")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watch(ctx, s) })
	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, g, reg)
	}
	if useMIDI {
		input := gomidi.NewInput(s, gomidi.WithLogger(log.WithField("component", "midi")))
		conn, err := gomidi.Open(cfg.MIDIInput, input)
		if err != nil {
			log.WithError(err).Warn("MIDI input disabled")
		} else {
			defer conn.Close()
			log.WithField("device", conn.String()).Info("MIDI input connected")
			g.Go(func() error { return input.Run(ctx) })
		}
	}
	if levelsInterval > 0 {
		g.Go(func() error {
			return s.PollLevels(ctx, levelsInterval, func(levels []render.Level) {
				bus := levels[render.LevelIndex(rendercore.BusMain)]
				log.WithFields(logrus.Fields{"rms": bus.RMS, "peak": bus.Peak}).Debug("main bus level")
			})
		})
	}
	err = g.Wait()
	if nerr := s.AllNotesOff(); nerr != nil {
		log.WithError(nerr).Debug("releasing notes")
	}
	return err
}

// watch reports a fatal graph and turns SIGHUP into configuration change
// notifications.
func watch(ctx context.Context, s *session.Session) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if !s.HandleConfigurationChange() {
				log.Info("configuration change ignored, graph is busy")
			}
		case <-ticker.C:
			if err := s.State().Err; err != nil {
				return err
			}
		}
	}
}

func serveMetrics(ctx context.Context, g *errgroup.Group, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		log.WithField("addr", cfg.MetricsAddr).Info("serving metrics")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}
