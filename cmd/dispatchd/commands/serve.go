package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/dispatch/config"
	"github.com/teranos/dispatch/dispatch"
	"github.com/teranos/dispatch/errors"
	"github.com/teranos/dispatch/logger"
)

// ServeCmd starts the dispatch server.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatch server",
	Long:  `Start dispatchd, loading discovered test classes from a manifest and serving /tests and /results to connecting runners.`,
	RunE:  runServe,
}

var (
	serveManifestPath string
	servePort         int
)

func init() {
	ServeCmd.Flags().StringVar(&serveManifestPath, "manifest", "", "path to a JSON discovery manifest to load at startup")
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides configuration)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	log := logger.ComponentLogger("dispatchd.serve")
	reporters := []dispatch.Reporter{dispatch.NewLogReporter(log)}
	coord := dispatch.NewCoordinator(cfg.Policy, reporters, log)

	if serveManifestPath != "" {
		items, err := (dispatch.ManifestDiscoverer{Path: serveManifestPath}).Discover()
		if err != nil {
			return errors.Wrap(err, "failed to discover tests")
		}
		coord.EnqueueDiscovered(items)
		log.Infow("loaded discovery manifest", "path", serveManifestPath, "classes", len(items))
	}

	printBanner(*cfg)

	srv := dispatch.NewServer(coord, *cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		pterm.Info.Println("shutting down gracefully...")
		coord.Shutdown()
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	if err := srv.ListenAndServe(addr); err != nil {
		return errors.Wrap(err, "server exited with error")
	}
	pterm.Success.Println("dispatchd stopped cleanly")
	return nil
}
