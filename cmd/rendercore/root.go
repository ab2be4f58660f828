package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vsariola/rendercore/config"
)

var (
	cfgFile  string
	logLevel string

	cfg config.Config
	log = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:           "rendercore",
	Short:         "Real-time multi-channel render graph host",
	Long:          `rendercore pulls a synthesis engine through a live render graph, switching between a single stereo bus and independent per-target channels without stopping the audio.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(cfgFile); err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		log.SetLevel(level)
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		return nil
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML configuration file; RENDERCORE_* environment variables override it")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(newPlayCmd(), newRenderCmd(), newDescribeCmd(), newConfigCmd(), newDevicesCmd(), newVersionCmd())
}
