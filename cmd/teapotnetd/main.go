// Command teapotnetd runs one teapotnet overlay node: it loads (or creates)
// a node identity, joins the overlay, and serves the Secure Tunneler,
// Fountain Link, Pub/Sub and Resource layers until interrupted (§6).
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/teapotnet/teapotnet-go/pkg/config"
)

// exit codes named in spec §6.
const (
	exitGraceful = 0
	exitConfig   = 1
	exitRuntime  = 2
)

func main() {
	var (
		configPath  string
		port        int
		noBootstrap bool
	)

	root := &cobra.Command{
		Use:   "teapotnetd",
		Short: "teapotnet overlay node daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, "teapotnetd: config:", err)
				os.Exit(exitConfig)
			}
			if cmd.Flags().Changed("port") {
				cfg.Overlay.Port = port
			}
			if noBootstrap {
				cfg.Overlay.NoBootstrap = true
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintln(os.Stderr, "teapotnetd: invalid configuration:", err)
				os.Exit(exitConfig)
			}

			log := newLogger(cfg.Logging.Level)
			if err := run(cfg, log); err != nil {
				log.WithError(err).Error("teapotnetd: fatal runtime error")
				os.Exit(exitRuntime)
			}
			os.Exit(exitGraceful)
			return nil
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to the node's YAML configuration file")
	root.Flags().IntVar(&port, "port", 0, "overlay listen port (overrides the config file)")
	root.Flags().BoolVar(&noBootstrap, "no-bootstrap", false, "skip contacting configured bootstrap peers")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "teapotnetd:", err)
		os.Exit(exitConfig)
	}
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}
