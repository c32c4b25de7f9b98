package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/datainfrapilot/datainfrapilot/pkg/api"
	"github.com/datainfrapilot/datainfrapilot/pkg/catalog"
	"github.com/datainfrapilot/datainfrapilot/pkg/config"
	"github.com/datainfrapilot/datainfrapilot/pkg/log"
	"github.com/datainfrapilot/datainfrapilot/pkg/metrics"
	"github.com/datainfrapilot/datainfrapilot/pkg/orchestrator"
	"github.com/datainfrapilot/datainfrapilot/pkg/provider"
	"github.com/datainfrapilot/datainfrapilot/pkg/provider/hetzner"
	"github.com/datainfrapilot/datainfrapilot/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and cluster/deployment orchestrators",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSONOutput,
		})

		metrics.SetVersion(Version)

		st, err := store.Open(cfg.Store.DSN)
		if err != nil {
			metrics.RegisterComponent("store", false, err.Error())
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		metrics.RegisterComponent("store", true, "")

		providers := provider.NewRegistry()
		providers.Register("hetzner", hetzner.Factory)

		cat := catalog.New(catalog.BuiltinApplications(), catalog.DefaultFetchers())

		orch := orchestrator.New(st, providers, cat, orchestrator.NewDefaultClientFactory())
		srv := api.New(st, orch, cat, providers, cfg.Server.Debug)

		collector := metrics.NewCollector(st)
		collector.Start()
		defer collector.Stop()

		httpServer := &http.Server{
			Addr:    cfg.Server.ListenAddr,
			Handler: srv.Engine(),
		}

		errCh := make(chan error, 1)
		go func() {
			log.Logger.Info().Str("addr", cfg.Server.ListenAddr).Msg("listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Logger.Info().Msg("shutting down")
		case err := <-errCh:
			return err
		}

		return httpServer.Close()
	},
}
